/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package update holds the value types moved between the ordering layer,
// the execution dispatcher, and the application: single client updates,
// ordered and unordered batches of updates, and the matching replies.
// These are plain containers; all execution logic lives in pkg/executor.
package update

import (
	t "github.com/hyperledger-labs/smrexec/pkg/types"
)

// Update represents a single client operation to be executed.
// An update is uniquely identified by (From, Session, OpNo) within a session,
// with OpNo increasing monotonically per (From, Session).
type Update struct {
	from      t.NodeID
	session   t.SessionID
	opNo      t.OpNo
	operation []byte
}

// NewUpdate returns an update carrying the given operation payload.
func NewUpdate(from t.NodeID, session t.SessionID, opNo t.OpNo, operation []byte) Update {
	return Update{
		from:      from,
		session:   session,
		opNo:      opNo,
		operation: operation,
	}
}

// From returns the ID of the node the update originates from.
func (u *Update) From() t.NodeID {
	return u.from
}

// Session returns the ID of the client session the update belongs to.
func (u *Update) Session() t.SessionID {
	return u.session
}

// OpNo returns the session-local operation number of the update.
func (u *Update) OpNo() t.OpNo {
	return u.opNo
}

// Operation returns the opaque operation payload.
func (u *Update) Operation() []byte {
	return u.operation
}

// Reply represents the reply produced by executing a single update.
// Its (To, Session, OpNo) mirror the source update's (From, Session, OpNo)
// so the reply-routing collaborator can correlate them.
type Reply struct {
	to      t.NodeID
	session t.SessionID
	opNo    t.OpNo
	payload []byte
}

// NewReply returns a reply destined for node to, correlated by (session, opNo).
func NewReply(to t.NodeID, session t.SessionID, opNo t.OpNo, payload []byte) Reply {
	return Reply{
		to:      to,
		session: session,
		opNo:    opNo,
		payload: payload,
	}
}

// To returns the ID of the node the reply is destined for.
func (r *Reply) To() t.NodeID {
	return r.to
}

// Session returns the ID of the client session the reply belongs to.
func (r *Reply) Session() t.SessionID {
	return r.session
}

// OpNo returns the operation number the reply correlates with.
func (r *Reply) OpNo() t.OpNo {
	return r.opNo
}

// Payload returns the opaque reply payload.
func (r *Reply) Payload() []byte {
	return r.payload
}
