// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/mqttcore/storage"
)

var _ storage.WillStore = (*WillStore)(nil)

// WillStore is an in-memory storage.WillStore.
type WillStore struct {
	mu   sync.RWMutex
	data map[string]*storage.WillMessage // clientID -> will
}

// NewWillStore creates an empty will store.
func NewWillStore() *WillStore {
	return &WillStore{
		data: make(map[string]*storage.WillMessage),
	}
}

// Set stores the will of clientID, replacing any previous one.
func (s *WillStore) Set(_ context.Context, clientID string, will *storage.WillMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[clientID] = storage.CopyWill(will)
	return nil
}

// Get returns the will of clientID.
func (s *WillStore) Get(_ context.Context, clientID string) (*storage.WillMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	will, ok := s.data[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.CopyWill(will), nil
}

// Delete removes the will of clientID.
func (s *WillStore) Delete(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, clientID)
	return nil
}
