/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package executor

import (
	"time"

	t "github.com/hyperledger-labs/smrexec/pkg/types"
	"github.com/hyperledger-labs/smrexec/pkg/update"
)

// Request is one unit of dispatcher work, constructed by a producer call on
// the Handle and consumed exactly once by the execution consumer.
type Request interface {
	isRequest()
}

type pollStateChannel struct{}

type catchUp struct {
	batches []*update.Batch
}

type ordered struct {
	batch *update.Batch

	// Time at which the batch was handed to the dispatcher.
	ts time.Time

	// True if the consumer captures a checkpoint after applying the batch.
	checkpoint bool
}

type unordered struct {
	batch *update.UnorderedBatch
}

type readState struct {
	from t.NodeID
}

func (pollStateChannel) isRequest() {}
func (catchUp) isRequest()          {}
func (ordered) isRequest()          {}
func (unordered) isRequest()        {}
func (readState) isRequest()        {}

// Handle is the producer side of the execution dispatcher. It may be copied
// and used concurrently from any number of goroutines; all copies feed the
// same consumer. Sends block when the request channel is full (backpressure)
// and fail with ErrStopped once the executor halted. A request is never
// silently dropped.
type Handle struct {
	requests chan<- Request
	done     <-chan struct{}
}

func (h *Handle) send(req Request) error {
	// Checked separately first: when the executor has halted but the request
	// channel still has free capacity, the combined select below could pick
	// the send case and silently drop the request.
	select {
	case <-h.done:
		return ErrStopped
	default:
	}
	select {
	case h.requests <- req:
		return nil
	case <-h.done:
		return ErrStopped
	}
}

// PollStateChannel signals the consumer to check for pending state-transfer
// work on its install channel. It carries no payload.
func (h *Handle) PollStateChannel() error {
	return h.send(pollStateChannel{})
}

// CatchUpToQuorum enqueues previously missed ordered batches, to be applied
// in the given sequence before any subsequently queued ordered batch.
// Used after a state transfer to replay the history the replica missed.
func (h *Handle) CatchUpToQuorum(batches []*update.Batch) error {
	return h.send(catchUp{batches: batches})
}

// QueueUpdate enqueues one ordered batch for execution.
func (h *Handle) QueueUpdate(batch *update.Batch) error {
	return h.send(ordered{batch: batch, ts: time.Now()})
}

// QueueUpdateUnordered enqueues a read-only batch for execution.
// It is never applied ahead of an earlier-submitted ordered batch,
// but may be processed between ordered batches.
func (h *Handle) QueueUpdateUnordered(batch *update.UnorderedBatch) error {
	return h.send(unordered{batch: batch})
}

// QueueUpdateAndGetAppState enqueues one ordered batch and marks it as a
// checkpoint boundary: after applying it, the consumer captures a state
// snapshot and forwards it to the checkpoint sink before accepting further
// ordered batches. The snapshot reflects the state at the batch's sequence
// number, i.e. it is taken after the batch's updates are applied.
func (h *Handle) QueueUpdateAndGetAppState(batch *update.Batch) error {
	return h.send(ordered{batch: batch, ts: time.Now(), checkpoint: true})
}

// Read signals the consumer to capture the current state and forward it to
// the checkpoint sink, tagged with the sequence number of the last applied
// ordered batch. Used by the state transfer protocol when a node requests
// our state.
func (h *Handle) Read(from t.NodeID) error {
	return h.send(readState{from: from})
}
