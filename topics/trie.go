// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"strings"
	"sync"
)

// Subscriber holds the options one client subscribed a filter with.
type Subscriber struct {
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	// SubscriptionID is the v5 subscription identifier, 0 when absent.
	SubscriptionID uint32
}

// Entry is a subscriber found by a lookup.
type Entry struct {
	ClientID string
	Subscriber
}

type node struct {
	mu       sync.RWMutex
	parent   *node
	segment  string
	children map[string]*node
	subs     map[string]Subscriber
	// dead is set once the node is unlinked from its parent. Writers that
	// reach a dead node start over from the root.
	dead bool
}

func newNode(parent *node, segment string) *node {
	return &node{
		parent:   parent,
		segment:  segment,
		children: make(map[string]*node),
		subs:     make(map[string]Subscriber),
	}
}

func (n *node) empty() bool {
	return len(n.subs) == 0 && len(n.children) == 0
}

// Trie indexes subscriptions by filter level. Every node has its own lock;
// inserts and lookups hold one node lock at a time, pruning holds a parent
// and then its child. Lookups running concurrently with writers may or may
// not observe them.
type Trie struct {
	root *node
}

// NewTrie returns an empty trie.
func NewTrie() *Trie {
	return &Trie{root: newNode(nil, "")}
}

// Insert adds or updates the subscription of id on filter. An existing
// subscription keeps the higher QoS and takes the other options from sub.
// It reports whether the subscription is new.
func (t *Trie) Insert(filter, id string, sub Subscriber) bool {
	levels := strings.Split(filter, "/")
	for {
		if added, ok := t.insert(levels, id, sub); ok {
			return added
		}
	}
}

func (t *Trie) insert(levels []string, id string, sub Subscriber) (added, ok bool) {
	n := t.root
	for _, level := range levels {
		n.mu.Lock()
		if n.dead {
			n.mu.Unlock()
			return false, false
		}
		child, found := n.children[level]
		if !found {
			child = newNode(n, level)
			n.children[level] = child
		}
		n.mu.Unlock()
		n = child
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dead {
		return false, false
	}
	old, exists := n.subs[id]
	if exists && old.QoS > sub.QoS {
		sub.QoS = old.QoS
	}
	n.subs[id] = sub
	return !exists, true
}

// Remove deletes the subscription of id on filter. It reports whether one
// existed.
func (t *Trie) Remove(filter, id string) bool {
	n := t.find(strings.Split(filter, "/"))
	if n == nil {
		return false
	}
	n.mu.Lock()
	_, ok := n.subs[id]
	delete(n.subs, id)
	empty := n.empty()
	n.mu.Unlock()
	if empty {
		t.prune(n)
	}
	return ok
}

// RemoveAll deletes every subscription of id and returns how many there were.
func (t *Trie) RemoveAll(id string) int {
	var removed int
	var emptied []*node
	var walk func(n *node)
	walk = func(n *node) {
		n.mu.Lock()
		if _, ok := n.subs[id]; ok {
			delete(n.subs, id)
			removed++
		}
		if n.empty() {
			emptied = append(emptied, n)
		}
		children := make([]*node, 0, len(n.children))
		for _, c := range n.children {
			children = append(children, c)
		}
		n.mu.Unlock()
		for _, c := range children {
			walk(c)
		}
	}
	walk(t.root)
	for _, n := range emptied {
		t.prune(n)
	}
	return removed
}

// Get returns the subscription of id on filter.
func (t *Trie) Get(filter, id string) (Subscriber, bool) {
	n := t.find(strings.Split(filter, "/"))
	if n == nil {
		return Subscriber{}, false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	sub, ok := n.subs[id]
	return sub, ok
}

// Empty reports whether the trie holds no subscriptions.
func (t *Trie) Empty() bool {
	t.root.mu.RLock()
	defer t.root.mu.RUnlock()
	return t.root.empty()
}

// Match returns every subscription whose filter matches topic. A client
// appears once per matching filter.
func (t *Trie) Match(topic string) []Entry {
	var out []Entry
	t.match(t.root, strings.Split(topic, "/"), true, &out)
	return out
}

func (t *Trie) match(n *node, levels []string, first bool, out *[]Entry) {
	n.mu.RLock()
	if len(levels) == 0 {
		collect(n.subs, out)
		hash := n.children["#"]
		n.mu.RUnlock()
		// "a/#" also matches "a".
		if hash != nil {
			hash.mu.RLock()
			collect(hash.subs, out)
			hash.mu.RUnlock()
		}
		return
	}

	level := levels[0]
	var hash, plus *node
	if !first || !strings.HasPrefix(level, "$") {
		hash = n.children["#"]
		plus = n.children["+"]
	}
	exact := n.children[level]
	n.mu.RUnlock()

	if hash != nil {
		hash.mu.RLock()
		collect(hash.subs, out)
		hash.mu.RUnlock()
	}
	if plus != nil {
		t.match(plus, levels[1:], false, out)
	}
	if exact != nil && exact != plus && exact != hash {
		t.match(exact, levels[1:], false, out)
	}
}

func collect(subs map[string]Subscriber, out *[]Entry) {
	for id, sub := range subs {
		*out = append(*out, Entry{ClientID: id, Subscriber: sub})
	}
}

func (t *Trie) find(levels []string) *node {
	n := t.root
	for _, level := range levels {
		n.mu.RLock()
		child := n.children[level]
		n.mu.RUnlock()
		if child == nil {
			return nil
		}
		n = child
	}
	return n
}

// prune unlinks n and then its ancestors for as long as they are empty.
func (t *Trie) prune(n *node) {
	for n != t.root && n != nil {
		p := n.parent
		p.mu.Lock()
		n.mu.Lock()
		if n.dead || !n.empty() || p.children[n.segment] != n {
			n.mu.Unlock()
			p.mu.Unlock()
			return
		}
		n.dead = true
		delete(p.children, n.segment)
		n.mu.Unlock()
		p.mu.Unlock()
		n = p
	}
}
