/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package serializing implements the deterministic binary encoding of the
// library's value types: updates, batches, replies, state parts, descriptors,
// and checkpoint snapshots. The encoding is byte-exact across replicas, so
// digests computed over encoded values are comparable between nodes.
//
// Malformed input is surfaced as a decode error naming the structure that
// failed; no value is ever silently substituted.
package serializing

import (
	"github.com/pkg/errors"
	"github.com/tchajed/marshal"

	"github.com/hyperledger-labs/smrexec/pkg/state"
	t "github.com/hyperledger-labs/smrexec/pkg/types"
	"github.com/hyperledger-labs/smrexec/pkg/update"
)

// ErrMalformed is the root cause of all decode failures of this package.
var ErrMalformed = errors.New("malformed encoding")

func readInt(dec []byte, what string) (uint64, []byte, error) {
	if len(dec) < 8 {
		return 0, nil, errors.WithMessagef(ErrMalformed, "truncated %s", what)
	}
	v, rest := marshal.ReadInt(dec)
	return v, rest, nil
}

// readCount reads a count prefix and validates it against the input that
// remains: every counted element occupies at least elemSize encoded bytes, so
// a count that cannot fit is malformed. This keeps a forged count from
// driving the preallocation of the decoded collection.
func readCount(dec []byte, elemSize uint64, what string) (uint64, []byte, error) {
	n, dec, err := readInt(dec, what)
	if err != nil {
		return 0, nil, err
	}
	if n > uint64(len(dec))/elemSize {
		return 0, nil, errors.WithMessagef(ErrMalformed, "%s %d exceeds the input", what, n)
	}
	return n, dec, nil
}

func readBytes(dec []byte, n uint64, what string) ([]byte, []byte, error) {
	if uint64(len(dec)) < n {
		return nil, nil, errors.WithMessagef(ErrMalformed, "truncated %s", what)
	}
	v, rest := marshal.ReadBytesCopy(dec, n)
	return v, rest, nil
}

func writeByteSlice(enc []byte, data []byte) []byte {
	enc = marshal.WriteInt(enc, uint64(len(data)))
	return marshal.WriteBytes(enc, data)
}

func readByteSlice(dec []byte, what string) ([]byte, []byte, error) {
	n, dec, err := readInt(dec, what)
	if err != nil {
		return nil, nil, err
	}
	return readBytes(dec, n, what)
}

// ================================================================================
// Updates and batches
// ================================================================================

func appendUpdate(enc []byte, u *update.Update) []byte {
	enc = marshal.WriteInt(enc, u.From().Pb())
	enc = marshal.WriteInt(enc, u.Session().Pb())
	enc = marshal.WriteInt(enc, u.OpNo().Pb())
	return writeByteSlice(enc, u.Operation())
}

func readUpdate(dec []byte) (update.Update, []byte, error) {
	from, dec, err := readInt(dec, "update origin")
	if err != nil {
		return update.Update{}, nil, err
	}
	session, dec, err := readInt(dec, "update session")
	if err != nil {
		return update.Update{}, nil, err
	}
	opNo, dec, err := readInt(dec, "update operation number")
	if err != nil {
		return update.Update{}, nil, err
	}
	op, dec, err := readByteSlice(dec, "update operation")
	if err != nil {
		return update.Update{}, nil, err
	}
	return update.NewUpdate(t.NodeID(from), t.SessionID(session), t.OpNo(opNo), op), dec, nil
}

// Batch encodes an ordered batch: sequence number, update count, updates.
// Batch metadata is local to a node and deliberately not encoded.
func Batch(b *update.Batch) []byte {
	enc := marshal.WriteInt(nil, b.SeqNr().Pb())
	enc = marshal.WriteInt(enc, uint64(b.Len()))
	updates := b.Updates()
	for i := range updates {
		enc = appendUpdate(enc, &updates[i])
	}
	return enc
}

// DecodeBatch decodes an ordered batch produced by Batch.
func DecodeBatch(data []byte) (*update.Batch, error) {
	sn, dec, err := readInt(data, "batch sequence number")
	if err != nil {
		return nil, err
	}
	n, dec, err := readCount(dec, 32, "batch length")
	if err != nil {
		return nil, err
	}
	b := update.NewBatchWithCap(t.SeqNr(sn), int(n))
	for i := uint64(0); i < n; i++ {
		var u update.Update
		u, dec, err = readUpdate(dec)
		if err != nil {
			return nil, errors.WithMessagef(err, "batch %d, update %d", sn, i)
		}
		b.Add(u.From(), u.Session(), u.OpNo(), u.Operation())
	}
	return b, nil
}

// UnorderedBatch encodes an unordered batch: update count, updates.
func UnorderedBatch(b *update.UnorderedBatch) []byte {
	enc := marshal.WriteInt(nil, uint64(b.Len()))
	updates := b.Updates()
	for i := range updates {
		enc = appendUpdate(enc, &updates[i])
	}
	return enc
}

// DecodeUnorderedBatch decodes an unordered batch produced by UnorderedBatch.
func DecodeUnorderedBatch(data []byte) (*update.UnorderedBatch, error) {
	n, dec, err := readCount(data, 32, "unordered batch length")
	if err != nil {
		return nil, err
	}
	b := update.NewUnorderedBatchWithCap(int(n))
	for i := uint64(0); i < n; i++ {
		var u update.Update
		u, dec, err = readUpdate(dec)
		if err != nil {
			return nil, errors.WithMessagef(err, "unordered batch, update %d", i)
		}
		b.Add(u.From(), u.Session(), u.OpNo(), u.Operation())
	}
	return b, nil
}

// Replies encodes a reply collection: reply count, replies.
func Replies(r *update.Replies) []byte {
	enc := marshal.WriteInt(nil, uint64(r.Len()))
	replies := r.Replies()
	for i := range replies {
		reply := &replies[i]
		enc = marshal.WriteInt(enc, reply.To().Pb())
		enc = marshal.WriteInt(enc, reply.Session().Pb())
		enc = marshal.WriteInt(enc, reply.OpNo().Pb())
		enc = writeByteSlice(enc, reply.Payload())
	}
	return enc
}

// DecodeReplies decodes a reply collection produced by Replies.
func DecodeReplies(data []byte) (*update.Replies, error) {
	n, dec, err := readCount(data, 32, "replies length")
	if err != nil {
		return nil, err
	}
	r := update.NewRepliesWithCap(int(n))
	for i := uint64(0); i < n; i++ {
		var to, session, opNo uint64
		var payload []byte
		if to, dec, err = readInt(dec, "reply destination"); err != nil {
			return nil, errors.WithMessagef(err, "reply %d", i)
		}
		if session, dec, err = readInt(dec, "reply session"); err != nil {
			return nil, errors.WithMessagef(err, "reply %d", i)
		}
		if opNo, dec, err = readInt(dec, "reply operation number"); err != nil {
			return nil, errors.WithMessagef(err, "reply %d", i)
		}
		if payload, dec, err = readByteSlice(dec, "reply payload"); err != nil {
			return nil, errors.WithMessagef(err, "reply %d", i)
		}
		r.Add(t.NodeID(to), t.SessionID(session), t.OpNo(opNo), payload)
	}
	return r, nil
}

// ================================================================================
// State descriptors and parts
// ================================================================================

// Descriptor encodes a state descriptor: sequence number, part count,
// (ID, digest) pairs in descriptor order.
func Descriptor(d *state.Descriptor) []byte {
	enc := marshal.WriteInt(nil, d.SeqNr().Pb())
	enc = marshal.WriteInt(enc, uint64(len(d.Parts())))
	for _, pd := range d.Parts() {
		enc = writeByteSlice(enc, []byte(pd.ID))
		enc = marshal.WriteBytes(enc, pd.Digest[:])
	}
	return enc
}

// DecodeDescriptor decodes a state descriptor produced by Descriptor.
func DecodeDescriptor(data []byte) (*state.Descriptor, error) {
	sn, dec, err := readInt(data, "descriptor sequence number")
	if err != nil {
		return nil, err
	}
	n, dec, err := readCount(dec, 8+state.DigestSize, "descriptor part count")
	if err != nil {
		return nil, err
	}
	parts := make([]state.PartDescription, 0, n)
	for i := uint64(0); i < n; i++ {
		var id, digest []byte
		if id, dec, err = readByteSlice(dec, "part ID"); err != nil {
			return nil, errors.WithMessagef(err, "descriptor at %d, part %d", sn, i)
		}
		if digest, dec, err = readBytes(dec, state.DigestSize, "part digest"); err != nil {
			return nil, errors.WithMessagef(err, "descriptor at %d, part %d", sn, i)
		}
		pd := state.PartDescription{ID: string(id)}
		copy(pd.Digest[:], digest)
		parts = append(parts, pd)
	}
	return state.NewDescriptor(t.SeqNr(sn), parts), nil
}

// PartDescriptions encodes a list of part descriptions,
// as exchanged when requesting missing parts.
func PartDescriptions(pds []state.PartDescription) []byte {
	enc := marshal.WriteInt(nil, uint64(len(pds)))
	for _, pd := range pds {
		enc = writeByteSlice(enc, []byte(pd.ID))
		enc = marshal.WriteBytes(enc, pd.Digest[:])
	}
	return enc
}

// DecodePartDescriptions decodes a list produced by PartDescriptions.
func DecodePartDescriptions(data []byte) ([]state.PartDescription, error) {
	n, dec, err := readCount(data, 8+state.DigestSize, "part description count")
	if err != nil {
		return nil, err
	}
	pds := make([]state.PartDescription, 0, n)
	for i := uint64(0); i < n; i++ {
		var id, digest []byte
		if id, dec, err = readByteSlice(dec, "part ID"); err != nil {
			return nil, errors.WithMessagef(err, "part description %d", i)
		}
		if digest, dec, err = readBytes(dec, state.DigestSize, "part digest"); err != nil {
			return nil, errors.WithMessagef(err, "part description %d", i)
		}
		pd := state.PartDescription{ID: string(id)}
		copy(pd.Digest[:], digest)
		pds = append(pds, pd)
	}
	return pds, nil
}

// Parts encodes a list of state parts, as carried by one transfer message.
func Parts(ps []*state.Part) []byte {
	enc := marshal.WriteInt(nil, uint64(len(ps)))
	for _, p := range ps {
		enc = writeByteSlice(enc, []byte(p.ID))
		enc = writeByteSlice(enc, p.Data)
	}
	return enc
}

// DecodeParts decodes a list produced by Parts.
func DecodeParts(data []byte) ([]*state.Part, error) {
	n, dec, err := readCount(data, 16, "part count")
	if err != nil {
		return nil, err
	}
	ps := make([]*state.Part, 0, n)
	for i := uint64(0); i < n; i++ {
		var id, payload []byte
		if id, dec, err = readByteSlice(dec, "part ID"); err != nil {
			return nil, errors.WithMessagef(err, "part %d", i)
		}
		if payload, dec, err = readByteSlice(dec, "part payload"); err != nil {
			return nil, errors.WithMessagef(err, "part %d", i)
		}
		ps = append(ps, &state.Part{ID: string(id), Data: payload})
	}
	return ps, nil
}

// Part encodes a single state part, as stored by the checkpoint store.
func Part(p *state.Part) []byte {
	enc := writeByteSlice(nil, []byte(p.ID))
	return writeByteSlice(enc, p.Data)
}

// DecodePart decodes a part produced by Part.
func DecodePart(data []byte) (*state.Part, error) {
	id, dec, err := readByteSlice(data, "part ID")
	if err != nil {
		return nil, err
	}
	payload, _, err := readByteSlice(dec, "part payload")
	if err != nil {
		return nil, errors.WithMessagef(err, "part %q", string(id))
	}
	return &state.Part{ID: string(id), Data: payload}, nil
}

// ================================================================================
// Checkpoint snapshots
// ================================================================================

// AppState encodes a monolithic checkpoint message:
// sequence number, digest, snapshot.
func AppState(as *state.AppState) []byte {
	enc := marshal.WriteInt(nil, as.SeqNr.Pb())
	enc = marshal.WriteBytes(enc, as.Digest[:])
	return writeByteSlice(enc, as.Snapshot)
}

// DecodeAppState decodes a checkpoint message produced by AppState.
func DecodeAppState(data []byte) (*state.AppState, error) {
	sn, dec, err := readInt(data, "checkpoint sequence number")
	if err != nil {
		return nil, err
	}
	digest, dec, err := readBytes(dec, state.DigestSize, "checkpoint digest")
	if err != nil {
		return nil, err
	}
	snapshot, _, err := readByteSlice(dec, "checkpoint snapshot")
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint at %d", sn)
	}
	as := &state.AppState{SeqNr: t.SeqNr(sn), Snapshot: snapshot}
	copy(as.Digest[:], digest)
	return as, nil
}
