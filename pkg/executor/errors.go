/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package executor

import (
	"fmt"

	"github.com/pkg/errors"

	t "github.com/hyperledger-labs/smrexec/pkg/types"
)

// ErrStopped is returned by all Handle operations once the executor halted.
// The producer decides whether the lost enqueue warrants a retry elsewhere.
var ErrStopped = errors.Errorf("executor stopped")

// ErrSnapshotIntegrity is the root cause of a monolithic state install
// failing digest verification. The install is discarded; the recovery
// collaborator restarts the transfer from a different source.
var ErrSnapshotIntegrity = errors.Errorf("snapshot digest mismatch")

// ErrStaleInstall is the root cause of a state install rejected because it
// does not advance the applied sequence. Accepting it would rewind the
// consumer behind batches already executed.
var ErrStaleInstall = errors.Errorf("state install behind the applied sequence")

// SequenceError reports an ordered batch enqueued out of sequence: its
// sequence number is not the one the consumer expects next and no catch-up
// covering the gap preceded it. The batch is not applied. This is a contract
// violation by the producer (the ordering layer), surfaced rather than fixed.
type SequenceError struct {

	// Sequence number the consumer expected.
	Expected t.SeqNr

	// Sequence number the rejected batch carried.
	Got t.SeqNr

	// True if the violation occurred inside a catch-up range.
	CatchUp bool
}

func (e *SequenceError) Error() string {
	if e.CatchUp {
		return fmt.Sprintf("catch-up batch out of sequence: expected %d, got %d", e.Expected, e.Got)
	}
	return fmt.Sprintf("ordered batch out of sequence: expected %d, got %d", e.Expected, e.Got)
}
