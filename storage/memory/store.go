// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides the in-process storage backend.
package memory

import (
	"github.com/absmach/mqttcore/storage"
	"github.com/benbjohnson/clock"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	retained *RetainedStore
	wills    *WillStore
}

// New creates an in-memory store. Retained message expiry is evaluated
// against clk; nil uses the wall clock.
func New(clk clock.Clock) *Store {
	return &Store{
		retained: NewRetainedStore(clk),
		wills:    NewWillStore(),
	}
}

// Retained returns the retained message store.
func (s *Store) Retained() storage.RetainedStore {
	return s.retained
}

// Wills returns the will message store.
func (s *Store) Wills() storage.WillStore {
	return s.wills
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
