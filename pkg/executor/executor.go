/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package executor implements the single-writer execution pipeline of the
// library: many concurrent producers (the ordering layer, the recovery logic,
// unordered-read handlers, the state transfer protocol) enqueue work through
// a Handle into one bounded channel, and a single consumer goroutine holding
// exclusive access to the application applies it in strict FIFO arrival
// order. Ordered batches are additionally required to arrive with contiguous
// sequence numbers; a gap is surfaced as a SequenceError instead of being
// reordered, so that a stale ordering decision becomes an observable fault
// rather than an invisible bug.
package executor

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hyperledger-labs/smrexec/pkg/app"
	"github.com/hyperledger-labs/smrexec/pkg/state"
	t "github.com/hyperledger-labs/smrexec/pkg/types"
	"github.com/hyperledger-labs/smrexec/pkg/update"
)

const (
	// Default capacity of the request channel if the configuration leaves it unset.
	defaultChannelCapacity = 1024

	// Capacity of the install channel fed by the state transfer protocol.
	installChannelCapacity = 64

	// Capacity of the fault channel.
	faultChannelCapacity = 16
)

// Replier is the reply-routing collaborator. It receives one Replies value
// per processed batch, ordered and unordered alike, for routing back to the
// issuing clients.
type Replier interface {
	Reply(replies *update.Replies)
}

// AppStateSink consumes the checkpoint snapshots of a monolithic application.
type AppStateSink interface {
	AppState(appState *state.AppState)
}

// DivisibleAppStateSink consumes the checkpoint descriptors and altered parts
// of a divisible application.
type DivisibleAppStateSink interface {
	DivisibleAppState(appState *state.DivisibleAppState)
}

// BatchLog persistently records applied ordered batches so the recovery
// collaborator can serve catch-up ranges to lagging replicas.
type BatchLog interface {
	Append(batch *update.Batch) error
}

// Config collects the collaborators and parameters of an Executor.
type Config struct {

	// Capacity of the request channel shared by all producers.
	// Zero selects the default.
	ChannelCapacity int

	// Sequence number the first ordered batch is expected to carry.
	InitialSeqNr t.SeqNr

	// Required. Receives the replies of every processed batch.
	Replier Replier

	// Receives monolithic checkpoints. Required in monolithic mode.
	AppStates AppStateSink

	// Receives divisible checkpoints. Required in divisible mode.
	DivisibleAppStates DivisibleAppStateSink

	// Optional. Records applied ordered batches for serving catch-up.
	BatchLog BatchLog

	Logger zerolog.Logger
}

// Executor is the execution consumer. It is the only mutator of the
// application state for the lifetime of the process; every other component
// observes state exclusively through the snapshots the executor hands out.
type Executor struct {
	cfg Config

	application app.App
	monolithic  app.Monolithic // nil unless monolithic mode
	divisible   app.Divisible  // nil unless divisible mode
	batched     app.BatchApp   // nil unless the application is batch-optimized

	requests chan Request
	installs chan state.InstallMessage
	faults   chan error

	// Sequence number the next ordered batch must carry.
	next t.SeqNr

	stopC    chan struct{}
	stopOnce sync.Once
	doneC    chan struct{}

	logger zerolog.Logger
}

// NewMonolithic returns an executor for an application with monolithic state,
// together with the handle producers enqueue work through.
// The application is reset to its initial state. Run must be invoked on the
// returned executor before the handle is used.
func NewMonolithic(application app.Monolithic, cfg Config) (*Executor, *Handle, error) {
	if cfg.AppStates == nil {
		return nil, nil, errors.Errorf("monolithic executor requires an AppStates sink")
	}
	e, h, err := newExecutor(application, cfg)
	if err != nil {
		return nil, nil, err
	}
	e.monolithic = application
	return e, h, nil
}

// NewDivisible returns an executor for an application with divisible state,
// together with the handle producers enqueue work through.
// The application is reset to its initial state. Run must be invoked on the
// returned executor before the handle is used.
func NewDivisible(application app.Divisible, cfg Config) (*Executor, *Handle, error) {
	if cfg.DivisibleAppStates == nil {
		return nil, nil, errors.Errorf("divisible executor requires a DivisibleAppStates sink")
	}
	e, h, err := newExecutor(application, cfg)
	if err != nil {
		return nil, nil, err
	}
	e.divisible = application
	return e, h, nil
}

func newExecutor(application app.App, cfg Config) (*Executor, *Handle, error) {
	if cfg.Replier == nil {
		return nil, nil, errors.Errorf("executor requires a Replier")
	}
	if cfg.ChannelCapacity == 0 {
		cfg.ChannelCapacity = defaultChannelCapacity
	}

	if err := application.InitialState(); err != nil {
		return nil, nil, errors.WithMessage(err, "application failed to produce its initial state")
	}

	e := &Executor{
		cfg:         cfg,
		application: application,
		requests:    make(chan Request, cfg.ChannelCapacity),
		installs:    make(chan state.InstallMessage, installChannelCapacity),
		faults:      make(chan error, faultChannelCapacity),
		next:        cfg.InitialSeqNr,
		stopC:       make(chan struct{}),
		doneC:       make(chan struct{}),
		logger:      cfg.Logger,
	}
	if batched, ok := application.(app.BatchApp); ok {
		e.batched = batched
	}

	return e, &Handle{requests: e.requests, done: e.doneC}, nil
}

// InstallChannel returns the channel over which the state transfer protocol
// delivers install work. The consumer drains it when nudged through
// Handle.PollStateChannel.
func (e *Executor) InstallChannel() chan<- state.InstallMessage {
	return e.installs
}

// Faults returns the channel on which the executor surfaces non-fatal faults:
// sequence violations, integrity failures of state installs, and batch log
// write failures. Every fault is also logged; if the channel is not drained,
// further faults are dropped from the channel but never from the log.
func (e *Executor) Faults() <-chan error {
	return e.faults
}

// NextSeqNr returns the sequence number the next ordered batch must carry.
// Only meaningful from within the consumer goroutine or while it is stopped.
func (e *Executor) NextSeqNr() t.SeqNr {
	return e.next
}

// Run is the consumption loop. It processes requests in FIFO arrival order
// until Stop is invoked or the application fails, holding exclusive access
// to the application state for its whole lifetime.
func (e *Executor) Run() error {
	defer close(e.doneC)

	for {
		select {
		case <-e.stopC:
			return nil
		case req := <-e.requests:
			if err := e.applyRequest(req); err != nil {
				e.logger.Error().Err(err).Msg("Execution consumer halting.")
				return err
			}
		}
	}
}

// Stop halts the consumption loop and waits until it exits. It is idempotent.
// Subsequent Handle operations fail with ErrStopped.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stopC) })
	<-e.doneC
}

// fault surfaces a non-fatal fault without blocking the consumer.
func (e *Executor) fault(err error) {
	e.logger.Error().Err(err).Msg("Execution fault.")
	select {
	case e.faults <- err:
	default:
	}
}

func (e *Executor) applyRequest(req Request) error {
	switch r := req.(type) {
	case pollStateChannel:
		return e.drainInstalls()
	case catchUp:
		return e.applyCatchUp(r.batches)
	case ordered:
		return e.applyOrdered(r.batch, r.ts, r.checkpoint)
	case unordered:
		return e.applyUnordered(r.batch)
	case readState:
		return e.readAppState(r.from)
	default:
		return errors.Errorf("unexpected execution request type: %T", req)
	}
}

// applyOrdered applies one ordered batch, forwards its replies, and, on a
// checkpoint boundary, captures the state snapshot after the batch.
func (e *Executor) applyOrdered(batch *update.Batch, ts time.Time, checkpoint bool) error {
	sn := batch.SeqNr()
	if sn != e.next {
		e.fault(&SequenceError{Expected: e.next, Got: sn})
		return nil
	}

	if meta := batch.TakeMeta(); meta != nil {
		meta.DispatchTime = ts
		meta.ExecutionTime = time.Now()
		batch.SetMeta(meta)
	}

	replies, err := e.executeOrdered(batch)
	if err != nil {
		return errors.WithMessagef(err, "application failed to apply batch %d", sn)
	}

	e.next = sn + 1
	e.cfg.Replier.Reply(replies)

	if e.cfg.BatchLog != nil {
		if err := e.cfg.BatchLog.Append(batch); err != nil {
			e.fault(errors.WithMessagef(err, "failed to record batch %d", sn))
		}
	}

	if checkpoint {
		return e.captureCheckpoint(sn)
	}
	return nil
}

func (e *Executor) executeOrdered(batch *update.Batch) (*update.Replies, error) {
	if e.batched != nil {
		return e.batched.UpdateBatch(batch)
	}

	// Updates are applied strictly in batch order; the total order was
	// already fixed by the ordering protocol.
	replies := update.NewRepliesWithCap(batch.Len())
	updates := batch.Updates()
	for i := range updates {
		u := &updates[i]
		payload, err := e.application.Update(u.Operation())
		if err != nil {
			return nil, err
		}
		replies.Add(u.From(), u.Session(), u.OpNo(), payload)
	}
	return replies, nil
}

// applyCatchUp replays a range of previously missed ordered batches.
// The range must abut the current applied sequence; a gap inside or before
// the range is a producer contract violation and stops the replay there.
func (e *Executor) applyCatchUp(batches []*update.Batch) error {
	for _, batch := range batches {
		if batch.SeqNr() != e.next {
			e.fault(&SequenceError{Expected: e.next, Got: batch.SeqNr(), CatchUp: true})
			return nil
		}
		if err := e.applyOrdered(batch, time.Now(), false); err != nil {
			return err
		}
	}
	e.logger.Info().Uint64("next", e.next.Pb()).Msg("Caught up to quorum.")
	return nil
}

// applyUnordered executes a read-only batch. The application state must not
// be altered; replies are produced and forwarded like for ordered batches.
func (e *Executor) applyUnordered(batch *update.UnorderedBatch) error {
	var replies *update.Replies
	var err error

	if e.batched != nil {
		replies, err = e.batched.UnorderedBatchedExecution(batch)
	} else {
		replies = update.NewRepliesWithCap(batch.Len())
		updates := batch.Updates()
		for i := range updates {
			u := &updates[i]
			var payload []byte
			payload, err = e.application.UnorderedExecution(u.Operation())
			if err != nil {
				break
			}
			replies.Add(u.From(), u.Session(), u.OpNo(), payload)
		}
	}
	if err != nil {
		return errors.WithMessage(err, "application failed to execute unordered batch")
	}

	e.cfg.Replier.Reply(replies)
	return nil
}

// captureCheckpoint captures the state snapshot at sequence number sn and
// forwards it to the configured checkpoint sink.
func (e *Executor) captureCheckpoint(sn t.SeqNr) error {
	switch {
	case e.monolithic != nil:
		snapshot, err := e.monolithic.Serialize()
		if err != nil {
			return errors.WithMessagef(err, "failed to serialize state at %d", sn)
		}
		e.cfg.AppStates.AppState(state.NewAppState(sn, snapshot))

	case e.divisible != nil:
		descriptor, altered, err := e.divisible.PrepareCheckpoint(sn)
		if err != nil {
			return errors.WithMessagef(err, "failed to checkpoint state at %d", sn)
		}
		e.cfg.DivisibleAppStates.DivisibleAppState(&state.DivisibleAppState{
			SeqNr:        sn,
			Descriptor:   descriptor,
			AlteredParts: altered,
		})
	}

	e.logger.Debug().Uint64("sn", sn.Pb()).Msg("Captured checkpoint.")
	return nil
}

// readAppState captures the current state, tagged with the last applied
// sequence number, without a checkpoint boundary batch. Triggered when a
// lagging node asks for our state.
func (e *Executor) readAppState(from t.NodeID) error {
	e.logger.Debug().Uint64("peerID", from.Pb()).Msg("Reading application state.")
	if e.next == e.cfg.InitialSeqNr {
		// Nothing applied yet; there is no state worth reading.
		return nil
	}
	return e.captureCheckpoint(e.next - 1)
}

// drainInstalls processes all pending state-transfer work. The state transfer
// protocol nudges the consumer through PollStateChannel after every send, so
// draining without blocking preserves liveness of regular execution.
func (e *Executor) drainInstalls() error {
	for {
		select {
		case msg := <-e.installs:
			if err := e.install(msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (e *Executor) install(msg state.InstallMessage) error {
	switch m := msg.(type) {
	case *state.InstallSnapshot:
		if e.monolithic == nil {
			return errors.Errorf("snapshot install on a non-monolithic application")
		}
		// Ordered batches are applied in non-decreasing sequence; an install
		// at or behind the applied sequence would rewind the total order and
		// let already-applied batches execute twice.
		if m.SeqNr+1 <= e.next {
			e.fault(errors.WithMessagef(ErrStaleInstall, "snapshot at %d, expecting batch %d", m.SeqNr, e.next))
			return nil
		}
		if !m.Verify() {
			e.fault(errors.WithMessagef(ErrSnapshotIntegrity, "install at %d", m.SeqNr))
			return nil
		}
		if err := e.monolithic.Deserialize(m.Snapshot); err != nil {
			return errors.WithMessagef(err, "failed to install snapshot at %d", m.SeqNr)
		}
		e.next = m.SeqNr + 1
		e.logger.Info().Uint64("sn", m.SeqNr.Pb()).Msg("Installed state snapshot.")

	case *state.InstallParts:
		if e.divisible == nil {
			return errors.Errorf("part install on a non-divisible application")
		}
		if err := e.divisible.AcceptParts(m.Parts); err != nil {
			return errors.WithMessage(err, "failed to install state parts")
		}

	case *state.InstallDone:
		if m.SeqNr+1 <= e.next {
			e.fault(errors.WithMessagef(ErrStaleInstall, "transfer conclusion at %d, expecting batch %d", m.SeqNr, e.next))
			return nil
		}
		e.next = m.SeqNr + 1
		e.logger.Info().Uint64("sn", m.SeqNr.Pb()).Msg("State transfer concluded.")
		if e.divisible != nil {
			// Re-checkpoint at the installed sequence number with the full
			// part set, not just the parts the transfer delivered, so the
			// replica can in turn serve the complete state to others.
			return e.captureTransferredCheckpoint(m.SeqNr)
		}

	default:
		return errors.Errorf("unexpected install message type: %T", msg)
	}
	return nil
}

// captureTransferredCheckpoint checkpoints a divisible application right after
// a concluded state transfer. Unlike a regular checkpoint it reports every
// part of the descriptor, since the checkpoint sink of the receiver may have
// never seen the parts the transfer skipped.
func (e *Executor) captureTransferredCheckpoint(sn t.SeqNr) error {
	descriptor, _, err := e.divisible.PrepareCheckpoint(sn)
	if err != nil {
		return errors.WithMessagef(err, "failed to checkpoint state at %d", sn)
	}
	parts, err := e.divisible.GetParts(descriptor.Parts())
	if err != nil {
		return errors.WithMessagef(err, "failed to read state parts at %d", sn)
	}
	e.cfg.DivisibleAppStates.DivisibleAppState(&state.DivisibleAppState{
		SeqNr:        sn,
		Descriptor:   descriptor,
		AlteredParts: parts,
	})
	e.logger.Debug().Uint64("sn", sn.Pb()).Msg("Captured checkpoint.")
	return nil
}
