/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package batchlog persistently records the ordered batches a replica has
// applied, keyed by their consensus sequence number. The recovery
// collaborator reads ranges out of it to serve catch-up requests from
// replicas that just installed a checkpoint and must replay the history
// between the checkpoint and the current sequence.
package batchlog

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/wal"

	"github.com/hyperledger-labs/smrexec/pkg/serializing"
	t "github.com/hyperledger-labs/smrexec/pkg/types"
	"github.com/hyperledger-labs/smrexec/pkg/update"
)

// ErrNotFound is returned by Get for a sequence number outside the retained range.
var ErrNotFound = errors.Errorf("no batch recorded under this sequence number")

// Log is an append-only log of applied ordered batches.
// Batches must be appended with contiguous sequence numbers, mirroring the
// order in which the execution consumer applied them.
type Log struct {
	mutex sync.Mutex
	log   *wal.Log

	// Maps a sequence number to an index of the underlying log:
	// index = sn - firstSeq + 1, where firstSeq is the sequence number of
	// the first batch ever written. Zero is a valid first sequence number,
	// so the mapping never subtracts below firstSeq. Indices of the
	// underlying log start at 1 and stay stable across truncation.
	// Only valid while the log is non-empty.
	firstSeq uint64
	empty    bool
}

// Open opens the batch log at the given path, creating it if necessary.
func Open(path string) (*Log, error) {
	log, err := wal.Open(path, &wal.Options{
		NoSync: true,
		NoCopy: true,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not open batch log")
	}

	l := &Log{log: log}

	firstIndex, err := log.FirstIndex()
	if err != nil {
		return nil, errors.WithMessage(err, "could not read first batch log index")
	}
	if firstIndex == 0 {
		// Log is empty. The offset is established by the first Append.
		l.empty = true
		return l, nil
	}

	// The sequence number is part of the encoded batch,
	// so the mapping to log indices survives reopening and truncation.
	data, err := log.Read(firstIndex)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not read batch log index %d", firstIndex)
	}
	batch, err := serializing.DecodeBatch(data)
	if err != nil {
		return nil, errors.WithMessage(err, "error decoding batch, is the log corrupt?")
	}
	l.firstSeq = batch.SeqNr().Pb() - (firstIndex - 1)

	return l, nil
}

// Append records one applied batch. Its sequence number must be exactly one
// greater than that of the previously appended batch.
func (l *Log) Append(batch *update.Batch) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.empty {
		// First entry at the underlying index 1.
		l.firstSeq = batch.SeqNr().Pb()
		if err := l.log.Write(1, serializing.Batch(batch)); err != nil {
			return errors.WithMessagef(err, "failed to record batch %d", batch.SeqNr())
		}
		l.empty = false
		return nil
	}

	lastIndex, err := l.log.LastIndex()
	if err != nil {
		return errors.WithMessage(err, "could not read last batch log index")
	}
	if batch.SeqNr().Pb() < l.firstSeq {
		return errors.Errorf("batch %d precedes the first recorded batch %d",
			batch.SeqNr(), t.SeqNr(l.firstSeq))
	}
	index := batch.SeqNr().Pb() - l.firstSeq + 1
	if index != lastIndex+1 {
		return errors.Errorf("batch %d does not follow the last recorded batch %d",
			batch.SeqNr(), t.SeqNr(lastIndex+l.firstSeq-1))
	}

	if err := l.log.Write(index, serializing.Batch(batch)); err != nil {
		return errors.WithMessagef(err, "failed to record batch %d", batch.SeqNr())
	}
	return nil
}

// Get returns the recorded batch with the given sequence number.
func (l *Log) Get(sn t.SeqNr) (*update.Batch, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.read(sn)
}

func (l *Log) read(sn t.SeqNr) (*update.Batch, error) {
	if l.empty || sn.Pb() < l.firstSeq {
		return nil, ErrNotFound
	}
	data, err := l.log.Read(sn.Pb() - l.firstSeq + 1)
	if err == wal.ErrNotFound || err == wal.ErrOutOfRange {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "could not read batch %d", sn)
	}
	batch, err := serializing.DecodeBatch(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "error decoding batch %d, is the log corrupt?", sn)
	}
	return batch, nil
}

// Range returns the recorded batches with sequence numbers in [from, to],
// in sequence order. All of the range must be retained.
func (l *Log) Range(from, to t.SeqNr) ([]*update.Batch, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if to < from {
		return nil, errors.Errorf("invalid batch range [%d, %d]", from, to)
	}
	batches := make([]*update.Batch, 0, to-from+1)
	for sn := from; sn <= to; sn++ {
		batch, err := l.read(sn)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// Truncate drops all batches with sequence numbers below sn.
// Used after a stable checkpoint bounds the history peers may still need.
func (l *Log) Truncate(sn t.SeqNr) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.empty || sn.Pb() <= l.firstSeq {
		return nil
	}
	lastIndex, err := l.log.LastIndex()
	if err != nil {
		return errors.WithMessage(err, "could not read last batch log index")
	}
	index := sn.Pb() - l.firstSeq + 1
	if index > lastIndex {
		index = lastIndex
	}
	if err := l.log.TruncateFront(index); err != nil {
		return errors.WithMessagef(err, "failed to truncate batch log to %d", sn)
	}
	return nil
}

// Sync blocks until all previously appended batches are persisted.
func (l *Log) Sync() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.log.Sync()
}

// Close closes the underlying log.
func (l *Log) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.log.Close()
}
