/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package types

// ================================================================================

// NodeID represents the numeric ID of a node (replica or client host).
type NodeID uint64

// Pb converts a NodeID to its underlying native type.
func (nid NodeID) Pb() uint64 {
	return uint64(nid)
}

// ================================================================================

// SessionID represents the numeric ID of a client session.
// Operation numbers are scoped to a (NodeID, SessionID) pair.
type SessionID uint64

// Pb converts a SessionID to its underlying native type.
func (sid SessionID) Pb() uint64 {
	return uint64(sid)
}

// ================================================================================

// SeqNr represents the sequence number of a batch as assigned by the ordering protocol.
type SeqNr uint64

// Pb converts a SeqNr to its underlying native type.
func (sn SeqNr) Pb() uint64 {
	return uint64(sn)
}

// ================================================================================

// OpNo represents the operation number a client session assigns to its operations.
// It increases monotonically within a session.
type OpNo uint64

// Pb converts an OpNo to its underlying native type.
func (on OpNo) Pb() uint64 {
	return uint64(on)
}
