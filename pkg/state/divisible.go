/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package state defines the two models of replicated application state this
// library transfers between nodes: monolithic state, serialized and installed
// as one opaque snapshot, and divisible state, addressed and transferred as
// independent content-addressed parts.
package state

import (
	"bytes"
	"crypto/sha256"
	"sort"

	t "github.com/hyperledger-labs/smrexec/pkg/types"
)

// DigestSize is the size of all content digests used by the state abstraction.
const DigestSize = sha256.Size

// PartDescription identifies one part of a divisible state without carrying
// its content. It is a comparable value type with a total order, so that
// descriptor diffing can use a sorted merge.
type PartDescription struct {

	// Stable identifier of the part (e.g. a key or a range label).
	ID string

	// Digest of the part content this description refers to.
	Digest [DigestSize]byte
}

// Less establishes the total order over part descriptions:
// by ID first, by content digest second.
func (pd PartDescription) Less(other PartDescription) bool {
	if pd.ID != other.ID {
		return pd.ID < other.ID
	}
	return bytes.Compare(pd.Digest[:], other.Digest[:]) < 0
}

// Part is the serialized payload of one part of a divisible state.
// Each part is independently installable.
type Part struct {
	ID   string
	Data []byte
}

// Description computes the part description matching the current content of the part.
func (p *Part) Description() PartDescription {
	return PartDescription{
		ID:     p.ID,
		Digest: sha256.Sum256(p.Data),
	}
}

// Descriptor describes a divisible state at one checkpoint: the sequence
// number of the last ordered batch reflected in the state and the complete
// set of part descriptions needed to reconstruct it.
type Descriptor struct {
	seqNr t.SeqNr
	parts []PartDescription
}

// NewDescriptor returns a descriptor for the state at sequence number sn,
// consisting of the given parts. The parts are sorted; the caller need not
// pass them in any particular order.
func NewDescriptor(sn t.SeqNr, parts []PartDescription) *Descriptor {
	sorted := make([]PartDescription, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Less(sorted[j])
	})
	return &Descriptor{
		seqNr: sn,
		parts: sorted,
	}
}

// SeqNr returns the sequence number of the checkpoint the descriptor reflects.
func (d *Descriptor) SeqNr() t.SeqNr {
	return d.seqNr
}

// Parts returns all part descriptions of the descriptor, sorted.
func (d *Descriptor) Parts() []PartDescription {
	return d.parts
}

// Equal reports whether two descriptors describe the same state at the same sequence number.
func (d *Descriptor) Equal(other *Descriptor) bool {
	if d.seqNr != other.seqNr || len(d.parts) != len(other.parts) {
		return false
	}
	for i, pd := range d.parts {
		if pd != other.parts[i] {
			return false
		}
	}
	return true
}

// Compare returns exactly the part descriptions present in other but missing
// from d, or present in d under the same ID with different content. These are
// the parts a node holding d must fetch to reach the state described by other.
func (d *Descriptor) Compare(other *Descriptor) []PartDescription {
	mine := make(map[string][DigestSize]byte, len(d.parts))
	for _, pd := range d.parts {
		mine[pd.ID] = pd.Digest
	}

	var missing []PartDescription
	for _, pd := range other.parts {
		if digest, ok := mine[pd.ID]; !ok || digest != pd.Digest {
			missing = append(missing, pd)
		}
	}
	return missing
}
