/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package state

import (
	"crypto/sha256"

	t "github.com/hyperledger-labs/smrexec/pkg/types"
)

// AppState is the checkpoint message produced by the execution consumer for a
// monolithic application: the full serialized state after applying the batch
// with sequence number SeqNr, together with its content digest.
type AppState struct {
	SeqNr    t.SeqNr
	Snapshot []byte
	Digest   [DigestSize]byte
}

// NewAppState returns a checkpoint message for the given serialized snapshot,
// computing its digest.
func NewAppState(sn t.SeqNr, snapshot []byte) *AppState {
	return &AppState{
		SeqNr:    sn,
		Snapshot: snapshot,
		Digest:   sha256.Sum256(snapshot),
	}
}

// Verify reports whether the snapshot still matches the recorded digest.
func (as *AppState) Verify() bool {
	return sha256.Sum256(as.Snapshot) == as.Digest
}

// DivisibleAppState is the checkpoint message produced by the execution
// consumer for a divisible application: the descriptor of the checkpointed
// state and the parts altered since the previous checkpoint.
type DivisibleAppState struct {
	SeqNr        t.SeqNr
	Descriptor   *Descriptor
	AlteredParts []*Part
}

// Install messages flow in the opposite direction: from the state transfer
// protocol into the execution consumer, over the executor's state channel.
// The consumer drains them when nudged via PollStateChannel.

// InstallMessage is one unit of state installation work.
// Exactly one of the concrete types below is delivered at a time.
type InstallMessage interface {
	isInstallMessage()
}

// InstallSnapshot replaces the entire monolithic state with the carried
// snapshot. The consumer verifies the digest before installing.
type InstallSnapshot struct {
	SeqNr    t.SeqNr
	Snapshot []byte
	Digest   [DigestSize]byte
}

func (*InstallSnapshot) isInstallMessage() {}

// Verify reports whether the snapshot matches the carried digest.
func (is *InstallSnapshot) Verify() bool {
	return sha256.Sum256(is.Snapshot) == is.Digest
}

// InstallParts merges the carried parts into the local divisible state.
type InstallParts struct {
	Parts []*Part
}

func (*InstallParts) isInstallMessage() {}

// InstallDone signals that no more parts follow. SeqNr is the checkpoint
// sequence number the installed state corresponds to; the dispatcher's
// catch-up path replays any ordered batches past it.
type InstallDone struct {
	SeqNr t.SeqNr
}

func (*InstallDone) isInstallMessage() {}
