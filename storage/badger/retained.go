// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/mqttcore/storage"
	"github.com/absmach/mqttcore/topics"
	"github.com/benbjohnson/clock"
	"github.com/dgraph-io/badger/v4"
)

const retainedPrefix = "retained:"

var _ storage.RetainedStore = (*RetainedStore)(nil)

// RetainedStore implements storage.RetainedStore on BadgerDB. Messages with
// an expiry are written with a matching TTL.
//
// Key format: retained:{topic}.
type RetainedStore struct {
	db    *badger.DB
	clock clock.Clock
}

// NewRetainedStore creates a retained message store on db.
func NewRetainedStore(db *badger.DB, clk clock.Clock) *RetainedStore {
	if clk == nil {
		clk = clock.New()
	}
	return &RetainedStore{db: db, clock: clk}
}

// Set stores or replaces the message retained on topic.
func (r *RetainedStore) Set(ctx context.Context, topic string, msg *storage.Message) error {
	if msg == nil || len(msg.Payload) == 0 {
		return r.Delete(ctx, topic)
	}

	now := r.clock.Now()
	if msg.Expired(now) {
		return r.Delete(ctx, topic)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal retained message: %w", err)
	}

	entry := badger.NewEntry([]byte(retainedPrefix+topic), data)
	if !msg.Expiry.IsZero() {
		entry = entry.WithTTL(msg.Expiry.Sub(now))
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

// Get returns the message retained on topic.
func (r *RetainedStore) Get(_ context.Context, topic string) (*storage.Message, error) {
	var msg *storage.Message

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(retainedPrefix + topic))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			msg = &storage.Message{}
			return json.Unmarshal(val, msg)
		})
	})
	if err != nil {
		return nil, err
	}
	if msg.Expired(r.clock.Now()) {
		return nil, storage.ErrNotFound
	}
	return msg, nil
}

// Delete removes the message retained on topic.
func (r *RetainedStore) Delete(_ context.Context, topic string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(retainedPrefix + topic))
	})
}

// Match returns the unexpired retained messages matching filter.
func (r *RetainedStore) Match(_ context.Context, filter string) ([]*storage.Message, error) {
	now := r.clock.Now()
	var matched []*storage.Message

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(retainedPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			topic := string(item.Key()[len(retainedPrefix):])
			if !topics.TopicMatch(filter, topic) {
				continue
			}
			var msg storage.Message
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return fmt.Errorf("failed to unmarshal retained message: %w", err)
			}
			if msg.Expired(now) {
				continue
			}
			matched = append(matched, &msg)
		}
		return nil
	})

	return matched, err
}
