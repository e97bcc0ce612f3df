/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package statetransfer reconciles a replica's application state with a
// checkpointed state held by a peer. It serves transfers out of the latest
// checkpoint captured by the execution consumer (never out of the live
// application state, which has exactly one mutator), and installs received
// state through the executor's install channel, so that all state mutation
// stays serialized behind the dispatcher.
//
// A Transfer instance plays both roles: it answers descriptor, part, and
// snapshot requests from lagging peers, and it drives its own catch-up when
// the recovery collaborator calls RequestState. A stalled session is not
// timed out here; the recovery collaborator restarts the exchange.
package statetransfer

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hyperledger-labs/smrexec/pkg/executor"
	"github.com/hyperledger-labs/smrexec/pkg/state"
	t "github.com/hyperledger-labs/smrexec/pkg/types"
)

const (
	// Up to this many unprocessed transfer work items can be queued before
	// the message receiver or the execution consumer blocks.
	workBufferSize = 4096

	faultBufferSize = 16
)

// Net is the networking collaborator carrying transfer messages to peers.
type Net interface {
	Send(dest t.NodeID, msg Message)
}

// Persist is the persistence collaborator. When configured, every checkpoint
// flowing through the Transfer is handed to it. The only contract is that
// persisted values round-trip exactly.
type Persist interface {
	PutAppState(appState *state.AppState) error
	PutDescriptor(descriptor *state.Descriptor) error
	PutPart(part *state.Part) error
}

// Config collects the collaborators of a Transfer.
type Config struct {
	OwnID t.NodeID

	// Required. Carries transfer messages to peers.
	Net Net

	// Required. Producer handle of the local execution dispatcher,
	// used to nudge the consumer and to trigger state reads.
	Handle *executor.Handle

	// Required. The executor's install channel.
	Installs chan<- state.InstallMessage

	// Optional. Receives every checkpoint for durable storage.
	Persist Persist

	Logger zerolog.Logger
}

// session tracks one inbound divisible transfer in progress.
type session struct {
	source  t.NodeID
	target  *state.Descriptor
	pending map[string]state.PartDescription
}

// Transfer is the state transfer protocol engine of one replica.
// All of its work is processed by a single goroutine; HandleMessage and the
// checkpoint sink methods only enqueue.
type Transfer struct {
	cfg Config

	work     chan workItem
	faults   chan error
	stopC    chan struct{}
	stopOnce sync.Once
	doneC    chan struct{}

	// Latest local checkpoint; served to lagging peers.
	// Only the processing goroutine touches these.
	appState   *state.AppState
	descriptor *state.Descriptor
	parts      map[string]*state.Part

	// Peers waiting for a snapshot that is being read from the executor.
	pendingReaders []t.NodeID

	// Set while an outbound request issued through RequestState awaits its
	// answer. Descriptors and snapshots nobody asked for are ignored; acting
	// on them would let a stale or byzantine peer rewind the dispatcher.
	requested   bool
	requestedOf t.NodeID

	inbound *session

	logger zerolog.Logger
}

type workItem struct {
	// Exactly one of msg (with from), request (with from), and the
	// checkpoint fields is set.
	from    t.NodeID
	msg     Message
	request bool

	appState    *state.AppState
	divAppState *state.DivisibleAppState
}

// New returns a transfer engine. Run must be invoked before use.
func New(cfg Config) (*Transfer, error) {
	if cfg.Net == nil || cfg.Handle == nil || cfg.Installs == nil {
		return nil, errors.Errorf("transfer requires Net, Handle, and Installs")
	}
	cfg.Logger = cfg.Logger.With().Uint64("ownID", cfg.OwnID.Pb()).Logger()
	return &Transfer{
		cfg:    cfg,
		work:   make(chan workItem, workBufferSize),
		faults: make(chan error, faultBufferSize),
		stopC:  make(chan struct{}),
		doneC:  make(chan struct{}),
		parts:  make(map[string]*state.Part),
		logger: cfg.Logger,
	}, nil
}

// Run processes transfer work until Stop is invoked.
// This is the only goroutine that manipulates the data structures of the Transfer.
func (tr *Transfer) Run() {
	defer close(tr.doneC)
	for {
		select {
		case <-tr.stopC:
			return
		case item := <-tr.work:
			tr.process(item)
		}
	}
}

// Stop halts the processing loop and waits until it exits. It is idempotent.
func (tr *Transfer) Stop() {
	tr.stopOnce.Do(func() { close(tr.stopC) })
	<-tr.doneC
}

// Faults returns the channel on which the engine surfaces transfer faults,
// integrity failures above all. Every fault is also logged.
func (tr *Transfer) Faults() <-chan error {
	return tr.faults
}

func (tr *Transfer) fault(err error) {
	tr.logger.Error().Err(err).Msg("State transfer fault.")
	select {
	case tr.faults <- err:
	default:
	}
}

// HandleMessage enqueues a transfer message received from a peer.
func (tr *Transfer) HandleMessage(from t.NodeID, msg Message) {
	tr.work <- workItem{from: from, msg: msg}
}

// RequestState starts a catch-up against the given peer: a descriptor
// exchange for divisible state, a snapshot request for monolithic state.
// Which exchange applies follows from the peer's answer; a replica serves
// whichever checkpoint kind its executor captures.
func (tr *Transfer) RequestState(peer t.NodeID) {
	tr.work <- workItem{from: peer, request: true}
}

// AppState implements executor.AppStateSink: it retains the latest monolithic
// checkpoint for serving and persists it.
func (tr *Transfer) AppState(appState *state.AppState) {
	tr.work <- workItem{appState: appState}
}

// DivisibleAppState implements executor.DivisibleAppStateSink: it folds the
// altered parts of the checkpoint into the served part set and persists them.
func (tr *Transfer) DivisibleAppState(appState *state.DivisibleAppState) {
	tr.work <- workItem{divAppState: appState}
}

func (tr *Transfer) process(item workItem) {
	switch {
	case item.appState != nil:
		tr.retainAppState(item.appState)
	case item.divAppState != nil:
		tr.retainDivisible(item.divAppState)
	case item.request:
		tr.startOutbound(item.from)
	case item.msg != nil:
		tr.handle(item.from, item.msg)
	}
}

func (tr *Transfer) startOutbound(peer t.NodeID) {
	tr.logger.Info().Uint64("peerID", peer.Pb()).Msg("Requesting state.")
	tr.requested = true
	tr.requestedOf = peer
	tr.cfg.Net.Send(peer, DescriptorRequest{})
	tr.cfg.Net.Send(peer, SnapshotRequest{})
}

func (tr *Transfer) retainAppState(appState *state.AppState) {
	tr.appState = appState
	if tr.cfg.Persist != nil {
		if err := tr.cfg.Persist.PutAppState(appState); err != nil {
			tr.fault(errors.WithMessagef(err, "failed to persist checkpoint %d", appState.SeqNr))
		}
	}

	// Answer peers that were waiting for this snapshot.
	for _, peer := range tr.pendingReaders {
		tr.cfg.Net.Send(peer, Snapshot{AppState: appState})
	}
	tr.pendingReaders = nil
}

func (tr *Transfer) retainDivisible(appState *state.DivisibleAppState) {
	tr.descriptor = appState.Descriptor
	for _, p := range appState.AlteredParts {
		tr.parts[p.ID] = p
	}
	if tr.cfg.Persist != nil {
		if err := tr.cfg.Persist.PutDescriptor(appState.Descriptor); err != nil {
			tr.fault(errors.WithMessagef(err, "failed to persist descriptor %d", appState.SeqNr))
		}
		for _, p := range appState.AlteredParts {
			if err := tr.cfg.Persist.PutPart(p); err != nil {
				tr.fault(errors.WithMessagef(err, "failed to persist part %q", p.ID))
			}
		}
	}

	for _, peer := range tr.pendingReaders {
		tr.cfg.Net.Send(peer, Descriptor{Descriptor: appState.Descriptor})
	}
	tr.pendingReaders = nil
}

func (tr *Transfer) handle(from t.NodeID, msg Message) {
	switch m := msg.(type) {
	case DescriptorRequest:
		tr.handleDescriptorRequest(from)
	case Descriptor:
		tr.handleDescriptor(from, m.Descriptor)
	case PartRequest:
		tr.handlePartRequest(from, m.Parts)
	case Parts:
		tr.handleParts(from, m.Parts)
	case Done:
		tr.handleDone(from, m.SeqNr)
	case SnapshotRequest:
		tr.handleSnapshotRequest(from)
	case Snapshot:
		tr.handleSnapshot(from, m.AppState)
	default:
		tr.logger.Warn().Uint64("peerID", from.Pb()).Msgf("Ignoring unexpected transfer message: %T", msg)
	}
}

// ================================================================================
// Serving side
// ================================================================================

func (tr *Transfer) handleDescriptorRequest(from t.NodeID) {
	if tr.descriptor == nil {
		// No checkpoint yet. Trigger a state read so a later request can be served,
		// and remember the peer to answer once the read completes.
		tr.deferReader(from)
		return
	}
	tr.logger.Debug().Uint64("peerID", from.Pb()).Msg("Announcing descriptor.")
	tr.cfg.Net.Send(from, Descriptor{Descriptor: tr.descriptor})
}

func (tr *Transfer) handleSnapshotRequest(from t.NodeID) {
	if tr.appState == nil {
		tr.deferReader(from)
		return
	}
	tr.logger.Info().Uint64("peerID", from.Pb()).Uint64("sn", tr.appState.SeqNr.Pb()).Msg("Sending state snapshot.")
	tr.cfg.Net.Send(from, Snapshot{AppState: tr.appState})
}

// deferReader remembers a peer whose request cannot be served yet and asks
// the executor to read the current state. A peer is deferred at most once;
// both requests of a RequestState exchange are answered by the same read.
func (tr *Transfer) deferReader(from t.NodeID) {
	for _, peer := range tr.pendingReaders {
		if peer == from {
			return
		}
	}
	tr.pendingReaders = append(tr.pendingReaders, from)
	if err := tr.cfg.Handle.Read(from); err != nil {
		tr.fault(errors.WithMessagef(err, "failed to trigger state read for node %d", from))
	}
}

func (tr *Transfer) handlePartRequest(from t.NodeID, descs []state.PartDescription) {
	if tr.descriptor == nil {
		tr.logger.Warn().Uint64("peerID", from.Pb()).Msg("Ignoring part request before first checkpoint.")
		return
	}

	served := make([]*state.Part, 0, len(descs))
	for _, pd := range descs {
		p, ok := tr.parts[pd.ID]
		if !ok {
			// We cannot serve this part; the requester will time out and retry elsewhere.
			tr.logger.Warn().Uint64("peerID", from.Pb()).Str("partID", pd.ID).Msg("Ignoring request for unknown part.")
			continue
		}
		served = append(served, p)
	}

	tr.logger.Debug().Uint64("peerID", from.Pb()).Int("nParts", len(served)).Msg("Sending state parts.")
	tr.cfg.Net.Send(from, Parts{Parts: served})
	tr.cfg.Net.Send(from, Done{SeqNr: tr.descriptor.SeqNr()})
}

// ================================================================================
// Receiving side
// ================================================================================

func (tr *Transfer) handleDescriptor(from t.NodeID, theirs *state.Descriptor) {
	if !tr.requested || from != tr.requestedOf {
		tr.logger.Debug().Uint64("peerID", from.Pb()).Msg("Ignoring unsolicited descriptor.")
		return
	}
	mine := tr.descriptor
	if mine == nil {
		mine = state.NewDescriptor(0, nil)
	}
	if theirs.SeqNr() < mine.SeqNr() {
		tr.logger.Debug().Uint64("peerID", from.Pb()).Msg("Ignoring descriptor older than own checkpoint.")
		return
	}

	tr.requested = false

	missing := mine.Compare(theirs)
	if len(missing) == 0 {
		// Nothing to fetch; the state is already complete at the peer's
		// checkpoint. Conclude immediately so the dispatcher resumes with
		// the catch-up path.
		tr.concludeInbound(theirs)
		return
	}

	tr.logger.Info().
		Uint64("peerID", from.Pb()).
		Uint64("sn", theirs.SeqNr().Pb()).
		Int("nMissing", len(missing)).
		Msg("Starting state transfer.")

	pending := make(map[string]state.PartDescription, len(missing))
	for _, pd := range missing {
		pending[pd.ID] = pd
	}
	// A fresh descriptor replaces any session in progress. The recovery
	// collaborator re-issues the exchange when a session stalls, possibly
	// against a different source.
	tr.inbound = &session{source: from, target: theirs, pending: pending}

	tr.cfg.Net.Send(from, PartRequest{Parts: missing})
}

func (tr *Transfer) handleParts(from t.NodeID, parts []*state.Part) {
	s := tr.inbound
	if s == nil || s.source != from {
		tr.logger.Debug().Uint64("peerID", from.Pb()).Msg("Ignoring parts outside a transfer session.")
		return
	}

	accepted := make([]*state.Part, 0, len(parts))
	for _, p := range parts {
		pd, ok := s.pending[p.ID]
		if !ok {
			// Duplicate or never requested.
			continue
		}
		if p.Description() != pd {
			tr.inbound = nil
			tr.fault(&IntegrityError{From: from, PartID: p.ID, SeqNr: s.target.SeqNr()})
			return
		}
		delete(s.pending, p.ID)
		accepted = append(accepted, p)
	}

	if len(accepted) == 0 {
		return
	}

	tr.install(&state.InstallParts{Parts: accepted})
	for _, p := range accepted {
		tr.parts[p.ID] = p
	}
}

func (tr *Transfer) handleDone(from t.NodeID, sn t.SeqNr) {
	s := tr.inbound
	if s == nil || s.source != from {
		return
	}
	if len(s.pending) > 0 {
		tr.inbound = nil
		tr.fault(errors.Errorf("transfer from node %d concluded with %d parts outstanding", from, len(s.pending)))
		return
	}

	tr.concludeInbound(s.target)
}

// concludeInbound finishes a divisible transfer: the local checkpoint now
// equals the sender's descriptor, and the dispatcher is told that state
// installation is complete. Ordered batches past the checkpoint are the
// dispatcher's catch-up path, not this protocol's concern.
func (tr *Transfer) concludeInbound(target *state.Descriptor) {
	tr.inbound = nil
	tr.descriptor = target
	if tr.cfg.Persist != nil {
		if err := tr.cfg.Persist.PutDescriptor(target); err != nil {
			tr.fault(errors.WithMessagef(err, "failed to persist descriptor %d", target.SeqNr()))
		}
	}

	tr.install(&state.InstallDone{SeqNr: target.SeqNr()})
	tr.logger.Info().Uint64("sn", target.SeqNr().Pb()).Msg("State transfer complete.")
}

func (tr *Transfer) handleSnapshot(from t.NodeID, appState *state.AppState) {
	if !tr.requested || from != tr.requestedOf {
		tr.logger.Debug().Uint64("peerID", from.Pb()).Msg("Ignoring unsolicited snapshot.")
		return
	}
	if !appState.Verify() {
		tr.fault(&IntegrityError{From: from, SeqNr: appState.SeqNr})
		return
	}

	tr.requested = false
	tr.appState = appState
	if tr.cfg.Persist != nil {
		if err := tr.cfg.Persist.PutAppState(appState); err != nil {
			tr.fault(errors.WithMessagef(err, "failed to persist checkpoint %d", appState.SeqNr))
		}
	}

	tr.install(&state.InstallSnapshot{
		SeqNr:    appState.SeqNr,
		Snapshot: appState.Snapshot,
		Digest:   appState.Digest,
	})
	tr.logger.Info().Uint64("peerID", from.Pb()).Uint64("sn", appState.SeqNr.Pb()).Msg("Received state snapshot.")
}

// install forwards one install message to the execution consumer and nudges
// it to poll its state channel.
func (tr *Transfer) install(msg state.InstallMessage) {
	tr.cfg.Installs <- msg
	if err := tr.cfg.Handle.PollStateChannel(); err != nil {
		tr.fault(errors.WithMessage(err, "failed to nudge execution consumer"))
	}
}
