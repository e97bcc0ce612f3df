/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package app defines the interfaces an application must implement to be
// replicated by this library. The interfaces form capability sets selected at
// construction time: every application implements App, batch-optimized
// applications additionally implement BatchApp, and exactly one of Monolithic
// or Divisible declares the state model used for checkpoints and transfer.
package app

import (
	"github.com/hyperledger-labs/smrexec/pkg/state"
	t "github.com/hyperledger-labs/smrexec/pkg/types"
	"github.com/hyperledger-labs/smrexec/pkg/update"
)

// App is a deterministic replicated application.
// The library guarantees that at each node the same sequence of ordered
// updates is fed to all replicas of the application. The consumer of the
// library is responsible for processing being deterministic, so that the
// application state stays consistent across replicas.
//
// No method of App is ever invoked concurrently: the execution dispatcher is
// the single caller for the lifetime of the process, which is what makes
// synchronization inside the application unnecessary.
type App interface {

	// InitialState resets the application to its deterministic initial state.
	// Invoked once, before any update is applied.
	InitialState() error

	// Update applies one ordered operation to the application state
	// and returns the corresponding reply payload.
	Update(operation []byte) ([]byte, error)

	// UnorderedExecution executes a read-only operation against the current
	// state and returns the corresponding reply payload.
	// It must not alter the application state.
	UnorderedExecution(operation []byte) ([]byte, error)
}

// BatchApp is implemented by applications with a batch-optimized execution
// path. When an application does not implement BatchApp, the dispatcher falls
// back to invoking Update / UnorderedExecution once per update, in batch order.
type BatchApp interface {
	App

	// UpdateBatch applies all updates of an ordered batch, strictly in the
	// order they appear in the batch, and returns one reply per update.
	UpdateBatch(batch *update.Batch) (*update.Replies, error)

	// UnorderedBatchedExecution executes all updates of an unordered batch
	// against a read-only view of the state and returns one reply per update.
	UnorderedBatchedExecution(batch *update.UnorderedBatch) (*update.Replies, error)
}

// Monolithic is the capability set of applications whose state is
// checkpointed and transferred as one opaque snapshot.
type Monolithic interface {
	App

	// Serialize returns the entire application state as a byte slice.
	// Deserialize must be able to restore the state from the returned value.
	Serialize() ([]byte, error)

	// Deserialize replaces the entire application state with the one
	// encoded in the snapshot.
	Deserialize(snapshot []byte) error
}

// Divisible is the capability set of applications whose state is addressable
// as independent content-addressed parts, enabling incremental transfer.
type Divisible interface {
	App

	// GetDescriptor returns the descriptor of the current state.
	GetDescriptor() (*state.Descriptor, error)

	// AcceptParts merges the given parts into the local state,
	// replacing any previous content of parts with the same ID.
	AcceptParts(parts []*state.Part) error

	// PrepareCheckpoint captures a checkpoint of the state at sequence
	// number sn, returning its descriptor and the parts altered since the
	// previous checkpoint. Until the returned values are handed off, the
	// application must not be asked to mutate the captured parts; the
	// dispatcher's single-writer discipline provides this.
	PrepareCheckpoint(sn t.SeqNr) (*state.Descriptor, []*state.Part, error)

	// GetParts returns the parts matching the given part descriptions.
	GetParts(descs []state.PartDescription) ([]*state.Part, error)
}
