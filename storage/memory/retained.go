// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/mqttcore/storage"
	"github.com/absmach/mqttcore/topics"
	"github.com/benbjohnson/clock"
)

var _ storage.RetainedStore = (*RetainedStore)(nil)

// RetainedStore is an in-memory storage.RetainedStore.
type RetainedStore struct {
	clock clock.Clock
	mu    sync.RWMutex
	data  map[string]*storage.Message // topic -> message
}

// NewRetainedStore creates an empty retained message store.
func NewRetainedStore(clk clock.Clock) *RetainedStore {
	if clk == nil {
		clk = clock.New()
	}
	return &RetainedStore{
		clock: clk,
		data:  make(map[string]*storage.Message),
	}
}

// Set stores or replaces the message retained on topic.
func (s *RetainedStore) Set(_ context.Context, topic string, msg *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg == nil || len(msg.Payload) == 0 {
		delete(s.data, topic)
		return nil
	}
	s.data[topic] = storage.CopyMessage(msg)
	return nil
}

// Get returns the message retained on topic.
func (s *RetainedStore) Get(_ context.Context, topic string) (*storage.Message, error) {
	s.mu.RLock()
	msg, ok := s.data[topic]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	if msg.Expired(s.clock.Now()) {
		s.evict(topic, msg)
		return nil, storage.ErrNotFound
	}
	return storage.CopyMessage(msg), nil
}

// Delete removes the message retained on topic.
func (s *RetainedStore) Delete(_ context.Context, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, topic)
	return nil
}

// Match returns the retained messages matching filter. Expired messages are
// dropped on the way.
func (s *RetainedStore) Match(_ context.Context, filter string) ([]*storage.Message, error) {
	now := s.clock.Now()
	var (
		result  []*storage.Message
		expired map[string]*storage.Message
	)

	s.mu.RLock()
	for topic, msg := range s.data {
		if !topics.TopicMatch(filter, topic) {
			continue
		}
		if msg.Expired(now) {
			if expired == nil {
				expired = make(map[string]*storage.Message)
			}
			expired[topic] = msg
			continue
		}
		result = append(result, storage.CopyMessage(msg))
	}
	s.mu.RUnlock()

	for topic, msg := range expired {
		s.evict(topic, msg)
	}
	return result, nil
}

// Count returns the number of stored messages, expired ones included.
func (s *RetainedStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// evict removes topic only if it still holds msg.
func (s *RetainedStore) evict(topic string, msg *storage.Message) {
	s.mu.Lock()
	if s.data[topic] == msg {
		delete(s.data, topic)
	}
	s.mu.Unlock()
}
