// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync"

// topicAliases holds the v5 topic alias mappings of one connection in
// both directions.
type topicAliases struct {
	mu sync.Mutex

	// Outbound (client sending to server)
	outTopics map[string]uint16
	outNext   uint16
	outMax    uint16

	// Inbound (server sending to client)
	inTopics map[uint16]string
	inMax    uint16
}

// newTopicAliases creates the alias tables. inMax is what the client
// accepts, outMax what the server accepts (from CONNACK).
func newTopicAliases(inMax, outMax uint16) *topicAliases {
	return &topicAliases{
		outTopics: make(map[string]uint16),
		outNext:   1,
		outMax:    outMax,
		inTopics:  make(map[uint16]string),
		inMax:     inMax,
	}
}

// outbound returns the alias of topic. known reports whether the server
// already has the mapping, in which case the topic may be omitted. alias is
// 0 when no alias can be used.
func (a *topicAliases) outbound(topic string) (alias uint16, known bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outMax == 0 {
		return 0, false
	}
	if alias, ok := a.outTopics[topic]; ok {
		return alias, true
	}
	if a.outNext > a.outMax {
		return 0, false
	}
	alias = a.outNext
	a.outNext++
	a.outTopics[topic] = alias
	return alias, false
}

// registerInbound records a mapping sent by the server.
func (a *topicAliases) registerInbound(alias uint16, topic string) bool {
	if alias == 0 || alias > a.inMax {
		return false
	}
	a.mu.Lock()
	a.inTopics[alias] = topic
	a.mu.Unlock()
	return true
}

func (a *topicAliases) resolveInbound(alias uint16) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	topic, ok := a.inTopics[alias]
	return topic, ok
}
