// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"slices"
	"strings"
	"sync"
)

// subscriptionRegistry remembers granted subscriptions so they can be
// restored when the server comes back without the session.
type subscriptionRegistry struct {
	mu   sync.RWMutex
	subs map[string]SubscribeOption
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{subs: make(map[string]SubscribeOption)}
}

func (r *subscriptionRegistry) add(opt *SubscribeOption) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[opt.Topic] = *opt
}

func (r *subscriptionRegistry) remove(filters ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range filters {
		delete(r.subs, f)
	}
}

func (r *subscriptionRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// snapshot returns copies of the options ordered by filter.
func (r *subscriptionRegistry) snapshot() []*SubscribeOption {
	r.mu.RLock()
	defer r.mu.RUnlock()
	opts := make([]*SubscribeOption, 0, len(r.subs))
	for _, o := range r.subs {
		opts = append(opts, &o)
	}
	slices.SortFunc(opts, func(a, b *SubscribeOption) int {
		return strings.Compare(a.Topic, b.Topic)
	})
	return opts
}
