// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a BadgerDB storage backend.
package badger

import (
	"sync"
	"time"

	"github.com/absmach/mqttcore/storage"
	"github.com/benbjohnson/clock"
	"github.com/dgraph-io/badger/v4"
)

const defaultGCInterval = 5 * time.Minute

var _ storage.Store = (*Store)(nil)

// Config holds BadgerDB configuration.
type Config struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps all data in memory.
	InMemory bool
	// GCInterval is the value log GC period; zero uses five minutes.
	GCInterval time.Duration
	// Clock evaluates message expiry; nil uses the wall clock.
	Clock clock.Clock
}

// Store is the composite BadgerDB store.
type Store struct {
	db *badger.DB

	retained *RetainedStore
	wills    *WillStore

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	// Retained and will messages are re-published by clients; fsync per
	// write is not needed.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2
	opts.NumLevelZeroTables = 5
	opts.NumLevelZeroTablesStall = 15

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	s := &Store{
		db:       db,
		retained: NewRetainedStore(db, clk),
		wills:    NewWillStore(db),
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	if cfg.InMemory {
		// No value log to collect.
		close(s.gcDone)
		return s, nil
	}
	interval := cfg.GCInterval
	if interval <= 0 {
		interval = defaultGCInterval
	}
	go s.runGC(interval)

	return s, nil
}

// Retained returns the retained message store.
func (s *Store) Retained() storage.RetainedStore {
	return s.retained
}

// Wills returns the will message store.
func (s *Store) Wills() storage.WillStore {
	return s.wills
}

// Close stops the GC loop and closes the database. Repeated calls are
// no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when nothing was rewritten.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			// No final GC: collecting while closing corrupts the value log.
			return
		}
	}
}
