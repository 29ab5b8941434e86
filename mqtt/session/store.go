// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const numShards = 64

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Store keeps sessions by client identity. Sessions are split across shards,
// each with its own RWMutex, so operations on different clients don't block
// each other.
type Store struct {
	shards [numShards]shard
	count  atomic.Int64
}

// NewStore creates an empty session store.
func NewStore() *Store {
	st := &Store{}
	for i := range st.shards {
		st.shards[i].sessions = make(map[string]*Session)
	}
	return st
}

func (st *Store) shard(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &st.shards[h.Sum32()%numShards]
}

// GetOrCreate returns the session of id, creating it with opts if absent.
// The boolean reports whether it was created. An existing session is
// returned unchanged.
func (st *Store) GetOrCreate(id string, opts Options) (*Session, bool) {
	sh := st.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if s, ok := sh.sessions[id]; ok {
		return s, false
	}
	s := New(id, opts)
	sh.sessions[id] = s
	st.count.Add(1)
	return s, true
}

// Get returns the session of id, or nil.
func (st *Store) Get(id string) *Session {
	sh := st.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.sessions[id]
}

// HasSession reports whether id has a session holding any state.
func (st *Store) HasSession(id string) bool {
	s := st.Get(id)
	return s != nil && s.HasState()
}

// Remove deletes the session of id, stops its pending timers and returns
// it. It returns nil if there was none.
func (st *Store) Remove(id string) *Session {
	sh := st.shard(id)
	sh.mu.Lock()
	s, ok := sh.sessions[id]
	if ok {
		delete(sh.sessions, id)
		st.count.Add(-1)
	}
	sh.mu.Unlock()

	if s != nil {
		s.Close()
	}
	return s
}

// RemoveIf deletes the session of id only if it is still s.
func (st *Store) RemoveIf(id string, s *Session) bool {
	sh := st.shard(id)
	sh.mu.Lock()
	cur, ok := sh.sessions[id]
	if !ok || cur != s {
		sh.mu.Unlock()
		return false
	}
	delete(sh.sessions, id)
	st.count.Add(-1)
	sh.mu.Unlock()

	s.Close()
	return true
}

// Clean removes every session.
func (st *Store) Clean() {
	for i := range st.shards {
		sh := &st.shards[i]
		sh.mu.Lock()
		sessions := sh.sessions
		sh.sessions = make(map[string]*Session)
		st.count.Add(-int64(len(sessions)))
		sh.mu.Unlock()

		for _, s := range sessions {
			s.Close()
		}
	}
}

// Count returns the number of sessions.
func (st *Store) Count() int {
	return int(st.count.Load())
}

// ConnectedCount returns the number of sessions with a bound connection.
func (st *Store) ConnectedCount() int {
	n := 0
	st.ForEach(func(s *Session) {
		if s.IsConnected() {
			n++
		}
	})
	return n
}

// ForEach calls fn for every session. fn must not call back into the store.
func (st *Store) ForEach(fn func(*Session)) {
	for i := range st.shards {
		sh := &st.shards[i]
		sh.mu.RLock()
		for _, s := range sh.sessions {
			fn(s)
		}
		sh.mu.RUnlock()
	}
}
