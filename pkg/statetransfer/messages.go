/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package statetransfer

import (
	"fmt"

	"github.com/hyperledger-labs/smrexec/pkg/state"
	t "github.com/hyperledger-labs/smrexec/pkg/types"
)

// Message is a logical state transfer message. The wire encoding of messages
// is the networking collaborator's responsibility (pkg/serializing provides
// codecs for the carried values); this package only defines the message
// sequence of the protocol.
//
// The divisible handshake is Descriptor -> Parts -> Done, with the
// receiver-side PartRequest in between identifying exactly the parts the
// receiver is missing. The monolithic exchange is SnapshotRequest -> Snapshot.
type Message interface {
	isMessage()
}

// DescriptorRequest asks a peer to announce its current checkpoint descriptor.
type DescriptorRequest struct{}

// Descriptor announces the sender's checkpoint descriptor, opening a
// divisible transfer session.
type Descriptor struct {
	Descriptor *state.Descriptor
}

// PartRequest asks for the payloads of exactly the listed parts,
// computed by the receiver as the diff of the two descriptors.
type PartRequest struct {
	Parts []state.PartDescription
}

// Parts carries one batch of requested part payloads. Order within a batch is
// irrelevant; every part is independently installable.
type Parts struct {
	Parts []*state.Part
}

// Done is terminal: no more parts follow for the checkpoint at SeqNr.
type Done struct {
	SeqNr t.SeqNr
}

// SnapshotRequest asks a peer for its latest monolithic checkpoint.
type SnapshotRequest struct{}

// Snapshot carries a full monolithic checkpoint.
type Snapshot struct {
	AppState *state.AppState
}

func (DescriptorRequest) isMessage() {}
func (Descriptor) isMessage()        {}
func (PartRequest) isMessage()       {}
func (Parts) isMessage()             {}
func (Done) isMessage()              {}
func (SnapshotRequest) isMessage()   {}
func (Snapshot) isMessage()          {}

// IntegrityError reports a transferred value failing digest verification:
// a snapshot not matching its digest, or a part not matching the description
// it was requested under. It is fatal to the current transfer attempt; the
// recovery collaborator restarts the transfer from a different source.
type IntegrityError struct {

	// Peer the failing value was received from.
	From t.NodeID

	// ID of the failing part; empty for a monolithic snapshot.
	PartID string

	// Checkpoint sequence number of the failing transfer, when known.
	SeqNr t.SeqNr
}

func (e *IntegrityError) Error() string {
	if e.PartID == "" {
		return fmt.Sprintf("snapshot from node %d at sequence %d failed digest verification", e.From, e.SeqNr)
	}
	return fmt.Sprintf("part %q from node %d failed digest verification", e.PartID, e.From)
}
