// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/mqttcore/storage"
	"github.com/dgraph-io/badger/v4"
)

const willPrefix = "will:"

var _ storage.WillStore = (*WillStore)(nil)

// WillStore implements storage.WillStore on BadgerDB.
//
// Key format: will:{clientID}.
type WillStore struct {
	db *badger.DB
}

// NewWillStore creates a will store on db.
func NewWillStore(db *badger.DB) *WillStore {
	return &WillStore{db: db}
}

// Set stores the will of clientID, replacing any previous one.
func (w *WillStore) Set(_ context.Context, clientID string, will *storage.WillMessage) error {
	data, err := json.Marshal(will)
	if err != nil {
		return fmt.Errorf("failed to marshal will message: %w", err)
	}

	return w.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(willPrefix+clientID), data)
	})
}

// Get returns the will of clientID.
func (w *WillStore) Get(_ context.Context, clientID string) (*storage.WillMessage, error) {
	var will *storage.WillMessage

	err := w.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(willPrefix + clientID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			will = &storage.WillMessage{}
			return json.Unmarshal(val, will)
		})
	})
	if err != nil {
		return nil, err
	}
	return will, nil
}

// Delete removes the will of clientID.
func (w *WillStore) Delete(_ context.Context, clientID string) error {
	return w.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(willPrefix + clientID))
	})
}
