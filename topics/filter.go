// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"fmt"
	"strings"
)

const (
	sharePrefix = "$share/"
	queuePrefix = "$queue/"
)

// Kind tells which matching scope a filter belongs to.
type Kind byte

const (
	// KindNone is an ordinary filter; every matching subscriber receives
	// the message.
	KindNone Kind = iota
	// KindQueue is "$queue/<filter>": one subscriber across all queue
	// subscriptions receives the message.
	KindQueue
	// KindShare is "$share/<group>/<filter>": one subscriber per group
	// receives the message.
	KindShare
)

func (k Kind) String() string {
	switch k {
	case KindQueue:
		return "queue"
	case KindShare:
		return "share"
	default:
		return "none"
	}
}

// Filter is a parsed subscription filter. Topic is the part used for
// matching, with any shared prefix removed.
type Filter struct {
	Raw   string
	Kind  Kind
	Group string
	Topic string
}

// Shared reports whether the filter delivers to one member of a group.
func (f Filter) Shared() bool {
	return f.Kind != KindNone
}

// ParseFilter splits off a "$queue/" or "$share/<group>/" prefix and
// validates the remaining filter.
//
// Examples:
//   - "$share/group1/sensors/#" -> {Kind: KindShare, Group: "group1", Topic: "sensors/#"}
//   - "$queue/jobs/+" -> {Kind: KindQueue, Topic: "jobs/+"}
//   - "sensors/#" -> {Kind: KindNone, Topic: "sensors/#"}
func ParseFilter(raw string) (Filter, error) {
	f := Filter{Raw: raw, Topic: raw}
	switch {
	case strings.HasPrefix(raw, sharePrefix):
		group, topic, ok := strings.Cut(raw[len(sharePrefix):], "/")
		if !ok || group == "" || strings.ContainsAny(group, "+#") {
			return Filter{}, fmt.Errorf("%w: bad share group in %q", ErrInvalidTopicFilter, raw)
		}
		f.Kind = KindShare
		f.Group = group
		f.Topic = topic
	case strings.HasPrefix(raw, queuePrefix):
		f.Kind = KindQueue
		f.Topic = raw[len(queuePrefix):]
	}
	if err := ValidateTopicFilter(f.Topic); err != nil {
		return Filter{}, fmt.Errorf("%w: %q", err, raw)
	}
	return f, nil
}

// IsShared returns true if the filter is a shared subscription of any kind.
func IsShared(filter string) bool {
	return strings.HasPrefix(filter, sharePrefix) || strings.HasPrefix(filter, queuePrefix)
}
