/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package checkpointstore is an implementation of the persistence
// collaborator: it durably stores the checkpoints the execution consumer
// captures (monolithic snapshots, or descriptors and parts of a divisible
// state) so that a restarting replica can recover from its latest local
// checkpoint instead of transferring everything from a peer. The storage
// contract is only that stored values round-trip exactly.
package checkpointstore

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"

	"github.com/hyperledger-labs/smrexec/pkg/serializing"
	"github.com/hyperledger-labs/smrexec/pkg/state"
	t "github.com/hyperledger-labs/smrexec/pkg/types"
)

// ErrNotFound is returned by the Get functions when nothing is stored under the key.
var ErrNotFound = errors.Errorf("no checkpoint data stored under this key")

func appStateKey(sn t.SeqNr) []byte {
	return []byte(fmt.Sprintf("appstate-%020d", sn.Pb()))
}

func descriptorKey(sn t.SeqNr) []byte {
	return []byte(fmt.Sprintf("descriptor-%020d", sn.Pb()))
}

func partKey(id string) []byte {
	return []byte(fmt.Sprintf("part-%s", id))
}

// Store is a badger-backed checkpoint store.
type Store struct {
	db *badger.DB
}

// Open opens the store under dirPath. An empty dirPath yields a
// non-persistent in-memory store, useful for testing.
func Open(dirPath string) (*Store, error) {
	var badgerOpts badger.Options
	if dirPath == "" {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(dirPath).WithSyncWrites(false).WithTruncate(true)
	}
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, errors.WithMessage(err, "could not open backing db")
	}

	return &Store{db: db}, nil
}

func (s *Store) put(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *Store) get(key []byte) ([]byte, error) {
	var valCopy []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		valCopy, err = item.ValueCopy(nil)
		return err
	})

	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	return valCopy, err
}

// latest returns the value under the lexicographically greatest key with the
// given prefix. The sequence-numbered keys are fixed-width, so this is the
// most recent checkpoint.
func (s *Store) latest(prefix []byte) ([]byte, error) {
	var valCopy []byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek to just past the prefix range, then the first valid item is the greatest key.
		seekKey := append(append([]byte{}, prefix...), 0xff)
		it.Seek(seekKey)
		if !it.ValidForPrefix(prefix) {
			return badger.ErrKeyNotFound
		}
		var err error
		valCopy, err = it.Item().ValueCopy(nil)
		return err
	})

	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	return valCopy, err
}

// PutAppState stores a monolithic checkpoint under its sequence number.
func (s *Store) PutAppState(appState *state.AppState) error {
	return s.put(appStateKey(appState.SeqNr), serializing.AppState(appState))
}

// GetAppState returns the monolithic checkpoint stored under sn.
func (s *Store) GetAppState(sn t.SeqNr) (*state.AppState, error) {
	data, err := s.get(appStateKey(sn))
	if err != nil {
		return nil, err
	}
	return serializing.DecodeAppState(data)
}

// LatestAppState returns the stored monolithic checkpoint with the greatest
// sequence number.
func (s *Store) LatestAppState() (*state.AppState, error) {
	data, err := s.latest([]byte("appstate-"))
	if err != nil {
		return nil, err
	}
	return serializing.DecodeAppState(data)
}

// PutDescriptor stores a state descriptor under its sequence number.
func (s *Store) PutDescriptor(descriptor *state.Descriptor) error {
	return s.put(descriptorKey(descriptor.SeqNr()), serializing.Descriptor(descriptor))
}

// GetDescriptor returns the state descriptor stored under sn.
func (s *Store) GetDescriptor(sn t.SeqNr) (*state.Descriptor, error) {
	data, err := s.get(descriptorKey(sn))
	if err != nil {
		return nil, err
	}
	return serializing.DecodeDescriptor(data)
}

// LatestDescriptor returns the stored descriptor with the greatest sequence number.
func (s *Store) LatestDescriptor() (*state.Descriptor, error) {
	data, err := s.latest([]byte("descriptor-"))
	if err != nil {
		return nil, err
	}
	return serializing.DecodeDescriptor(data)
}

// PutPart stores a state part under its ID, replacing previous content.
func (s *Store) PutPart(part *state.Part) error {
	return s.put(partKey(part.ID), serializing.Part(part))
}

// GetPart returns the state part stored under id.
func (s *Store) GetPart(id string) (*state.Part, error) {
	data, err := s.get(partKey(id))
	if err != nil {
		return nil, err
	}
	return serializing.DecodePart(data)
}

// Sync blocks until the effects of all preceding Put invocations are persisted.
func (s *Store) Sync() error {
	return s.db.Sync()
}

// Close closes the backing db.
func (s *Store) Close() error {
	return s.db.Close()
}
