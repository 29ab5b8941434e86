// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"math/rand/v2"
	"sync"
)

// Target is the merged delivery decision for one client.
type Target struct {
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	SubscriptionIDs   []uint32
}

func (t *Target) merge(sub Subscriber) {
	if sub.QoS > t.QoS {
		t.QoS = sub.QoS
	}
	t.NoLocal = t.NoLocal && sub.NoLocal
	t.RetainAsPublished = t.RetainAsPublished || sub.RetainAsPublished
	if sub.SubscriptionID != 0 {
		t.SubscriptionIDs = append(t.SubscriptionIDs, sub.SubscriptionID)
	}
}

func newTarget(sub Subscriber) *Target {
	t := &Target{
		QoS:               sub.QoS,
		NoLocal:           sub.NoLocal,
		RetainAsPublished: sub.RetainAsPublished,
	}
	if sub.SubscriptionID != 0 {
		t.SubscriptionIDs = []uint32{sub.SubscriptionID}
	}
	return t
}

// Result holds the candidates of a lookup, per scope.
type Result struct {
	Direct []Entry
	Queue  []Entry
	Shared map[string][]Entry
}

// Matcher routes topics over three scopes: ordinary subscriptions,
// "$queue/" subscriptions and one scope per "$share/" group.
type Matcher struct {
	direct *Trie
	queue  *Trie

	// mu guards the groups map only, not the tries in it.
	mu     sync.RWMutex
	groups map[string]*Trie

	pick func(n int) int
}

// NewMatcher returns an empty matcher that picks shared subscribers
// uniformly at random.
func NewMatcher() *Matcher {
	return &Matcher{
		direct: NewTrie(),
		queue:  NewTrie(),
		groups: make(map[string]*Trie),
		pick:   rand.IntN,
	}
}

// Subscribe parses filter and stores the subscription of id in the right
// scope. It reports whether the subscription is new.
func (m *Matcher) Subscribe(filter, id string, sub Subscriber) (bool, error) {
	f, err := ParseFilter(filter)
	if err != nil {
		return false, err
	}
	switch f.Kind {
	case KindQueue:
		return m.queue.Insert(f.Topic, id, sub), nil
	case KindShare:
		return m.subscribeGroup(f, id, sub), nil
	default:
		return m.direct.Insert(f.Topic, id, sub), nil
	}
}

func (m *Matcher) subscribeGroup(f Filter, id string, sub Subscriber) bool {
	m.mu.RLock()
	t, ok := m.groups[f.Group]
	if ok {
		// Holding the read lock keeps the group from being dropped
		// between the lookup and the insert.
		added := t.Insert(f.Topic, id, sub)
		m.mu.RUnlock()
		return added
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok = m.groups[f.Group]; !ok {
		t = NewTrie()
		m.groups[f.Group] = t
	}
	return t.Insert(f.Topic, id, sub)
}

// Unsubscribe removes the subscription of id on filter. Removing a missing
// subscription is not an error.
func (m *Matcher) Unsubscribe(filter, id string) (bool, error) {
	f, err := ParseFilter(filter)
	if err != nil {
		return false, err
	}
	switch f.Kind {
	case KindQueue:
		return m.queue.Remove(f.Topic, id), nil
	case KindShare:
		m.mu.RLock()
		t, ok := m.groups[f.Group]
		m.mu.RUnlock()
		if !ok {
			return false, nil
		}
		removed := t.Remove(f.Topic, id)
		if t.Empty() {
			m.dropGroup(f.Group, t)
		}
		return removed, nil
	default:
		return m.direct.Remove(f.Topic, id), nil
	}
}

func (m *Matcher) dropGroup(name string, t *Trie) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.groups[name] == t && t.Empty() {
		delete(m.groups, name)
	}
}

// RemoveAll removes every subscription of id in every scope.
func (m *Matcher) RemoveAll(id string) int {
	n := m.direct.RemoveAll(id) + m.queue.RemoveAll(id)

	m.mu.RLock()
	groups := make(map[string]*Trie, len(m.groups))
	for name, t := range m.groups {
		groups[name] = t
	}
	m.mu.RUnlock()

	for name, t := range groups {
		n += t.RemoveAll(id)
		if t.Empty() {
			m.dropGroup(name, t)
		}
	}
	return n
}

// Match returns the candidates for topic in every scope without picking
// shared winners.
func (m *Matcher) Match(topic string) Result {
	res := Result{
		Direct: m.direct.Match(topic),
		Queue:  m.queue.Match(topic),
	}

	m.mu.RLock()
	groups := make(map[string]*Trie, len(m.groups))
	for name, t := range m.groups {
		groups[name] = t
	}
	m.mu.RUnlock()

	for name, t := range groups {
		if entries := t.Match(topic); len(entries) > 0 {
			if res.Shared == nil {
				res.Shared = make(map[string][]Entry)
			}
			res.Shared[name] = entries
		}
	}
	return res
}

// Route resolves topic to the set of clients that receive it. Every direct
// match is included; each shared scope contributes one member chosen
// uniformly at random. A client matched several times gets the merged
// options of all its matches.
func (m *Matcher) Route(topic string) map[string]*Target {
	res := m.Match(topic)
	out := make(map[string]*Target)
	add := func(e Entry) {
		if t, ok := out[e.ClientID]; ok {
			t.merge(e.Subscriber)
			return
		}
		out[e.ClientID] = newTarget(e.Subscriber)
	}

	for _, e := range res.Direct {
		add(e)
	}
	for _, e := range m.winner(res.Queue) {
		add(e)
	}
	for _, entries := range res.Shared {
		for _, e := range m.winner(entries) {
			add(e)
		}
	}
	return out
}

// winner picks one client among the candidates and returns all of its
// entries in the scope.
func (m *Matcher) winner(entries []Entry) []Entry {
	if len(entries) == 0 {
		return nil
	}
	var ids []string
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.ClientID]; !ok {
			seen[e.ClientID] = struct{}{}
			ids = append(ids, e.ClientID)
		}
	}
	chosen := ids[m.pick(len(ids))]
	var out []Entry
	for _, e := range entries {
		if e.ClientID == chosen {
			out = append(out, e)
		}
	}
	return out
}
