/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package update

import (
	"time"

	t "github.com/hyperledger-labs/smrexec/pkg/types"
)

// BatchMeta carries timing metadata attached to an ordered batch,
// used for throughput and latency measurements. It never influences execution.
type BatchMeta struct {

	// Time at which the ordering layer received the first update of the batch.
	ReceptionTime time.Time

	// Time at which the batch was handed to the execution dispatcher.
	DispatchTime time.Time

	// Time at which the execution consumer finished applying the batch.
	ExecutionTime time.Time
}

// Batch is an ordered sequence of updates together with the sequence number
// the ordering protocol assigned to it (its position in the total order).
// Sequence numbers of batches delivered to one dispatcher strictly increase.
// A batch may be empty; the dispatcher tolerates zero-length batches.
type Batch struct {
	seqNr   t.SeqNr
	updates []Update
	meta    *BatchMeta
}

// NewBatch returns a new, empty ordered batch with the given sequence number.
func NewBatch(sn t.SeqNr) *Batch {
	return &Batch{seqNr: sn}
}

// NewBatchWithCap returns a new, empty ordered batch
// with storage preallocated for capacity updates.
func NewBatchWithCap(sn t.SeqNr, capacity int) *Batch {
	return &Batch{
		seqNr:   sn,
		updates: make([]Update, 0, capacity),
	}
}

// SeqNr returns the consensus-assigned sequence number of the batch.
func (b *Batch) SeqNr() t.SeqNr {
	return b.seqNr
}

// Add appends a new update to the batch.
func (b *Batch) Add(from t.NodeID, session t.SessionID, opNo t.OpNo, operation []byte) {
	b.updates = append(b.updates, NewUpdate(from, session, opNo, operation))
}

// Updates returns the updates of the batch in execution order.
func (b *Batch) Updates() []Update {
	return b.updates
}

// Len returns the number of updates in the batch.
func (b *Batch) Len() int {
	return len(b.updates)
}

// SetMeta attaches timing metadata to the batch, replacing any previous metadata.
func (b *Batch) SetMeta(meta *BatchMeta) {
	b.meta = meta
}

// TakeMeta detaches and returns the batch metadata, nil if none was attached.
func (b *Batch) TakeMeta() *BatchMeta {
	meta := b.meta
	b.meta = nil
	return meta
}

// UnorderedBatch is a sequence of updates not subject to the total order.
// Executing it must not mutate the application state.
type UnorderedBatch struct {
	updates []Update
}

// NewUnorderedBatch returns a new, empty unordered batch.
func NewUnorderedBatch() *UnorderedBatch {
	return &UnorderedBatch{}
}

// NewUnorderedBatchWithCap returns a new, empty unordered batch
// with storage preallocated for capacity updates.
func NewUnorderedBatchWithCap(capacity int) *UnorderedBatch {
	return &UnorderedBatch{updates: make([]Update, 0, capacity)}
}

// Add appends a new update to the batch.
func (b *UnorderedBatch) Add(from t.NodeID, session t.SessionID, opNo t.OpNo, operation []byte) {
	b.updates = append(b.updates, NewUpdate(from, session, opNo, operation))
}

// Updates returns the updates of the batch.
func (b *UnorderedBatch) Updates() []Update {
	return b.updates
}

// Len returns the number of updates in the batch.
func (b *UnorderedBatch) Len() int {
	return len(b.updates)
}

// Replies is the ordered collection of replies produced by processing one
// (ordered or unordered) batch. Its length always equals the number of
// updates processed from the originating batch.
type Replies struct {
	replies []Reply
}

// NewRepliesWithCap returns a new, empty reply collection
// with storage preallocated for capacity replies.
func NewRepliesWithCap(capacity int) *Replies {
	return &Replies{replies: make([]Reply, 0, capacity)}
}

// Add appends a new reply to the collection.
func (r *Replies) Add(to t.NodeID, session t.SessionID, opNo t.OpNo, payload []byte) {
	r.replies = append(r.replies, NewReply(to, session, opNo, payload))
}

// Replies returns the replies in the order they were produced.
func (r *Replies) Replies() []Reply {
	return r.replies
}

// Len returns the number of replies in the collection.
func (r *Replies) Len() int {
	return len(r.replies)
}
