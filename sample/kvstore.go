/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package sample provides a deterministic key-value store application used by
// the demo binary and the test suites. It implements every capability set of
// pkg/app: plain and batch-optimized execution, monolithic serialization, and
// divisible state with one content-addressed part per key.
package sample

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/tchajed/marshal"

	"github.com/hyperledger-labs/smrexec/pkg/state"
	t "github.com/hyperledger-labs/smrexec/pkg/types"
	"github.com/hyperledger-labs/smrexec/pkg/update"
)

// KVStore is a replicated map from string keys to byte-slice values.
// A put or delete reply carries the previous value of the key; a get reply
// carries the current value. Missing keys yield empty replies.
//
// It is not safe for concurrent use; the execution dispatcher is its only
// caller.
type KVStore struct {
	values map[string][]byte

	// Keys altered since the last checkpoint.
	dirty map[string]struct{}

	// Sequence number of the last checkpoint.
	checkpointSeqNr t.SeqNr
}

// NewKVStore returns a KVStore at its initial (empty) state.
func NewKVStore() *KVStore {
	kv := &KVStore{}
	_ = kv.InitialState()
	return kv
}

// InitialState resets the store to the empty map.
func (kv *KVStore) InitialState() error {
	kv.values = make(map[string][]byte)
	kv.dirty = make(map[string]struct{})
	kv.checkpointSeqNr = 0
	return nil
}

// Update applies one ordered operation.
func (kv *KVStore) Update(operation []byte) ([]byte, error) {
	op, err := decodeOp(operation)
	if err != nil {
		return nil, err
	}

	switch op.code {
	case opPut:
		previous := kv.values[op.key]
		kv.values[op.key] = op.value
		kv.dirty[op.key] = struct{}{}
		return previous, nil
	case opDelete:
		previous := kv.values[op.key]
		delete(kv.values, op.key)
		kv.dirty[op.key] = struct{}{}
		return previous, nil
	case opGet:
		return kv.values[op.key], nil
	default:
		return nil, errors.Errorf("unknown operation code %d", op.code)
	}
}

// UnorderedExecution executes a read-only operation. Mutating operations are
// rejected rather than applied out of order.
func (kv *KVStore) UnorderedExecution(operation []byte) ([]byte, error) {
	op, err := decodeOp(operation)
	if err != nil {
		return nil, err
	}
	if op.code != opGet {
		return nil, errors.Errorf("unordered execution cannot mutate the store")
	}
	return kv.values[op.key], nil
}

// UpdateBatch applies all updates of an ordered batch in batch order.
func (kv *KVStore) UpdateBatch(batch *update.Batch) (*update.Replies, error) {
	replies := update.NewRepliesWithCap(batch.Len())
	updates := batch.Updates()
	for i := range updates {
		u := &updates[i]
		payload, err := kv.Update(u.Operation())
		if err != nil {
			return nil, err
		}
		replies.Add(u.From(), u.Session(), u.OpNo(), payload)
	}
	return replies, nil
}

// UnorderedBatchedExecution executes all updates of an unordered batch.
func (kv *KVStore) UnorderedBatchedExecution(batch *update.UnorderedBatch) (*update.Replies, error) {
	replies := update.NewRepliesWithCap(batch.Len())
	updates := batch.Updates()
	for i := range updates {
		u := &updates[i]
		payload, err := kv.UnorderedExecution(u.Operation())
		if err != nil {
			return nil, err
		}
		replies.Add(u.From(), u.Session(), u.OpNo(), payload)
	}
	return replies, nil
}

func (kv *KVStore) sortedKeys() []string {
	keys := make([]string, 0, len(kv.values))
	for k := range kv.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Serialize encodes the entire store deterministically: entry count followed
// by key/value pairs in key order.
func (kv *KVStore) Serialize() ([]byte, error) {
	enc := marshal.WriteInt(nil, uint64(len(kv.values)))
	for _, k := range kv.sortedKeys() {
		enc = marshal.WriteInt(enc, uint64(len(k)))
		enc = marshal.WriteBytes(enc, []byte(k))
		enc = marshal.WriteInt(enc, uint64(len(kv.values[k])))
		enc = marshal.WriteBytes(enc, kv.values[k])
	}
	return enc, nil
}

// Deserialize replaces the entire store with the one encoded in the snapshot.
func (kv *KVStore) Deserialize(snapshot []byte) error {
	if len(snapshot) < 8 {
		return errors.Errorf("truncated snapshot")
	}
	n, dec := marshal.ReadInt(snapshot)
	// Every entry occupies at least its two length prefixes; a count beyond
	// that cannot be honest and must not drive the allocation below.
	if n > uint64(len(dec))/16 {
		return errors.Errorf("snapshot entry count %d exceeds the snapshot length", n)
	}

	values := make(map[string][]byte, n)
	for i := uint64(0); i < n; i++ {
		if len(dec) < 8 {
			return errors.Errorf("truncated snapshot key")
		}
		var keyLen uint64
		keyLen, dec = marshal.ReadInt(dec)
		if uint64(len(dec)) < keyLen {
			return errors.Errorf("truncated snapshot key")
		}
		var key []byte
		key, dec = marshal.ReadBytesCopy(dec, keyLen)

		if len(dec) < 8 {
			return errors.Errorf("truncated snapshot value")
		}
		var valLen uint64
		valLen, dec = marshal.ReadInt(dec)
		if uint64(len(dec)) < valLen {
			return errors.Errorf("truncated snapshot value")
		}
		var val []byte
		val, dec = marshal.ReadBytesCopy(dec, valLen)

		values[string(key)] = val
	}

	kv.values = values
	kv.dirty = make(map[string]struct{})
	return nil
}

// GetDescriptor returns the descriptor of the current state: one part per
// key, ordered by the last checkpoint's sequence number.
func (kv *KVStore) GetDescriptor() (*state.Descriptor, error) {
	parts := make([]state.PartDescription, 0, len(kv.values))
	for k, v := range kv.values {
		p := state.Part{ID: k, Data: v}
		parts = append(parts, p.Description())
	}
	return state.NewDescriptor(kv.checkpointSeqNr, parts), nil
}

// AcceptParts merges transferred parts into the store.
func (kv *KVStore) AcceptParts(parts []*state.Part) error {
	for _, p := range parts {
		kv.values[p.ID] = p.Data
		kv.dirty[p.ID] = struct{}{}
	}
	return nil
}

// PrepareCheckpoint captures a checkpoint at sequence number sn: the full
// descriptor plus the parts of every key altered since the last checkpoint.
// Deleted keys simply disappear from the descriptor.
func (kv *KVStore) PrepareCheckpoint(sn t.SeqNr) (*state.Descriptor, []*state.Part, error) {
	altered := make([]*state.Part, 0, len(kv.dirty))
	for k := range kv.dirty {
		if v, ok := kv.values[k]; ok {
			altered = append(altered, &state.Part{ID: k, Data: v})
		}
	}
	sort.Slice(altered, func(i, j int) bool { return altered[i].ID < altered[j].ID })

	kv.dirty = make(map[string]struct{})
	kv.checkpointSeqNr = sn

	descriptor, err := kv.GetDescriptor()
	if err != nil {
		return nil, nil, err
	}
	return descriptor, altered, nil
}

// GetParts returns the parts matching the given descriptions. A description
// whose content digest no longer matches the current value of the key cannot
// be served and is an error; the state moved past the requested checkpoint.
func (kv *KVStore) GetParts(descs []state.PartDescription) ([]*state.Part, error) {
	parts := make([]*state.Part, 0, len(descs))
	for _, pd := range descs {
		v, ok := kv.values[pd.ID]
		if !ok {
			return nil, errors.Errorf("no part stored under key %q", pd.ID)
		}
		p := &state.Part{ID: pd.ID, Data: v}
		if p.Description() != pd {
			return nil, errors.Errorf("part %q diverged from the requested description", pd.ID)
		}
		parts = append(parts, p)
	}
	return parts, nil
}
