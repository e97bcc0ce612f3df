/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package executor_test

import (
	"crypto/sha256"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hyperledger-labs/smrexec/pkg/executor"
	"github.com/hyperledger-labs/smrexec/pkg/state"
	t "github.com/hyperledger-labs/smrexec/pkg/types"
	"github.com/hyperledger-labs/smrexec/pkg/update"
	"github.com/hyperledger-labs/smrexec/sample"
)

// chanReplier forwards replies into a channel the test reads from.
type chanReplier struct {
	c chan *update.Replies
}

func (r *chanReplier) Reply(replies *update.Replies) {
	r.c <- replies
}

type chanAppStates struct {
	c chan *state.AppState
}

func (s *chanAppStates) AppState(appState *state.AppState) {
	s.c <- appState
}

type chanDivStates struct {
	c chan *state.DivisibleAppState
}

func (s *chanDivStates) DivisibleAppState(appState *state.DivisibleAppState) {
	s.c <- appState
}

// putBatch builds an ordered batch of put operations from key/value pairs.
func putBatch(sn t.SeqNr, pairs ...string) *update.Batch {
	if len(pairs)%2 != 0 {
		panic("putBatch requires key/value pairs")
	}
	batch := update.NewBatchWithCap(sn, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		batch.Add(1, 1, t.OpNo(i/2), sample.PutOp(pairs[i], []byte(pairs[i+1])))
	}
	return batch
}

// foldState applies the batches to a fresh store and returns its serialization.
func foldState(batches ...*update.Batch) []byte {
	kv := sample.NewKVStore()
	for _, batch := range batches {
		if _, err := kv.UpdateBatch(batch); err != nil {
			panic(err)
		}
	}
	snapshot, err := kv.Serialize()
	if err != nil {
		panic(err)
	}
	return snapshot
}

var _ = Describe("Executor", func() {

	var (
		replies   *chanReplier
		appStates *chanAppStates
		divStates *chanDivStates
		exec      *executor.Executor
		handle    *executor.Handle
		runResult chan error
	)

	BeforeEach(func() {
		replies = &chanReplier{c: make(chan *update.Replies, 64)}
		appStates = &chanAppStates{c: make(chan *state.AppState, 16)}
		divStates = &chanDivStates{c: make(chan *state.DivisibleAppState, 16)}
		runResult = make(chan error, 1)
	})

	start := func() {
		go func() {
			runResult <- exec.Run()
		}()
	}

	Describe("with a monolithic application", func() {

		BeforeEach(func() {
			var err error
			exec, handle, err = executor.NewMonolithic(sample.NewKVStore(), executor.Config{
				InitialSeqNr: 1,
				Replier:      replies,
				AppStates:    appStates,
				Logger:       zerolog.Nop(),
			})
			Expect(err).NotTo(HaveOccurred())
			start()
		})

		AfterEach(func() {
			exec.Stop()
		})

		It("applies ordered batches in sequence and replies to every update", func() {
			batch1 := putBatch(1, "a", "1", "b", "2")
			batch2 := putBatch(2, "a", "3")
			Expect(handle.QueueUpdate(batch1)).To(Succeed())
			Expect(handle.QueueUpdate(batch2)).To(Succeed())

			var r *update.Replies
			Eventually(replies.c).Should(Receive(&r))
			Expect(r.Len()).To(Equal(2))
			for i, reply := range r.Replies() {
				Expect(reply.OpNo()).To(Equal(t.OpNo(i)))
				// A put replies with the previous value, empty for fresh keys.
				Expect(reply.Payload()).To(BeEmpty())
			}

			Eventually(replies.c).Should(Receive(&r))
			Expect(r.Len()).To(Equal(1))
			// Overwriting "a" replies with its previous value.
			Expect(r.Replies()[0].Payload()).To(Equal([]byte("1")))
		})

		It("tolerates empty batches", func() {
			Expect(handle.QueueUpdate(update.NewBatch(1))).To(Succeed())

			var r *update.Replies
			Eventually(replies.c).Should(Receive(&r))
			Expect(r.Len()).To(BeZero())
		})

		It("reports a sequence gap without applying the batch", func() {
			Expect(handle.QueueUpdate(putBatch(1, "a", "1"))).To(Succeed())
			Expect(handle.QueueUpdate(putBatch(3, "b", "2"))).To(Succeed())

			var fault error
			Eventually(exec.Faults()).Should(Receive(&fault))
			var seqErr *executor.SequenceError
			Expect(errors.As(fault, &seqErr)).To(BeTrue())
			Expect(seqErr.Expected).To(Equal(t.SeqNr(2)))
			Expect(seqErr.Got).To(Equal(t.SeqNr(3)))

			// The rejected batch left no trace: the checkpoint at 2 reflects
			// batch 1 alone.
			Expect(handle.QueueUpdateAndGetAppState(update.NewBatch(2))).To(Succeed())
			var as *state.AppState
			Eventually(appStates.c).Should(Receive(&as))
			Expect(as.SeqNr).To(Equal(t.SeqNr(2)))
			Expect(as.Snapshot).To(Equal(foldState(putBatch(1, "a", "1"))))
		})

		It("resumes after the missing range is replayed", func() {
			// The replica reached 11, receives 11 and 13, and must end up
			// with the fold of 11, 12, 13 once 12 is caught up.
			exec.Stop()
			var err error
			exec, handle, err = executor.NewMonolithic(sample.NewKVStore(), executor.Config{
				InitialSeqNr: 11,
				Replier:      replies,
				AppStates:    appStates,
				Logger:       zerolog.Nop(),
			})
			Expect(err).NotTo(HaveOccurred())
			runResult = make(chan error, 1)
			start()

			batch11 := putBatch(11, "a", "1")
			batch12 := putBatch(12, "b", "2")
			batch13 := putBatch(13, "a", "3")

			Expect(handle.QueueUpdate(batch11)).To(Succeed())
			Expect(handle.QueueUpdate(batch13)).To(Succeed())

			var fault error
			Eventually(exec.Faults()).Should(Receive(&fault))
			var seqErr *executor.SequenceError
			Expect(errors.As(fault, &seqErr)).To(BeTrue())
			Expect(seqErr.Expected).To(Equal(t.SeqNr(12)))

			Expect(handle.CatchUpToQuorum([]*update.Batch{batch12})).To(Succeed())
			Expect(handle.QueueUpdateAndGetAppState(batch13)).To(Succeed())

			var as *state.AppState
			Eventually(appStates.c).Should(Receive(&as))
			Expect(as.SeqNr).To(Equal(t.SeqNr(13)))
			Expect(as.Snapshot).To(Equal(foldState(batch11, batch12, batch13)))
		})

		It("reports a gap inside a catch-up range", func() {
			Expect(handle.CatchUpToQuorum([]*update.Batch{putBatch(5, "a", "1")})).To(Succeed())

			var fault error
			Eventually(exec.Faults()).Should(Receive(&fault))
			var seqErr *executor.SequenceError
			Expect(errors.As(fault, &seqErr)).To(BeTrue())
			Expect(seqErr.CatchUp).To(BeTrue())
		})

		It("executes unordered reads between ordered batches without mutating the state", func() {
			Expect(handle.QueueUpdate(putBatch(1, "a", "1"))).To(Succeed())

			reads := update.NewUnorderedBatch()
			reads.Add(2, 1, 0, sample.GetOp("a"))
			reads.Add(2, 1, 1, sample.GetOp("missing"))
			Expect(handle.QueueUpdateUnordered(reads)).To(Succeed())

			var r *update.Replies
			Eventually(replies.c).Should(Receive(&r)) // batch 1
			Eventually(replies.c).Should(Receive(&r)) // the reads
			Expect(r.Len()).To(Equal(2))
			Expect(r.Replies()[0].Payload()).To(Equal([]byte("1")))
			Expect(r.Replies()[1].Payload()).To(BeEmpty())

			// The reads did not alter the state observed by the next checkpoint.
			Expect(handle.QueueUpdateAndGetAppState(update.NewBatch(2))).To(Succeed())
			var as *state.AppState
			Eventually(appStates.c).Should(Receive(&as))
			Expect(as.Snapshot).To(Equal(foldState(putBatch(1, "a", "1"))))
		})

		It("halts when an unordered operation attempts to mutate the state", func() {
			writes := update.NewUnorderedBatch()
			writes.Add(2, 1, 0, sample.PutOp("a", []byte("1")))
			Expect(handle.QueueUpdateUnordered(writes)).To(Succeed())

			var err error
			Eventually(runResult).Should(Receive(&err))
			Expect(err).To(HaveOccurred())
			Expect(handle.QueueUpdate(update.NewBatch(1))).To(MatchError(executor.ErrStopped))
		})

		It("captures the checkpoint after applying the trigger batch", func() {
			batch := putBatch(1, "a", "1")
			Expect(handle.QueueUpdateAndGetAppState(batch)).To(Succeed())

			var as *state.AppState
			Eventually(appStates.c).Should(Receive(&as))
			Expect(as.SeqNr).To(Equal(t.SeqNr(1)))
			Expect(as.Verify()).To(BeTrue())
			Expect(as.Snapshot).To(Equal(foldState(batch)))
		})

		It("reads the current state on request", func() {
			// Before anything was applied there is no state worth reading.
			Expect(handle.Read(7)).To(Succeed())

			batch := putBatch(1, "a", "1")
			Expect(handle.QueueUpdate(batch)).To(Succeed())
			Expect(handle.Read(7)).To(Succeed())

			var as *state.AppState
			Eventually(appStates.c).Should(Receive(&as))
			Expect(as.SeqNr).To(Equal(t.SeqNr(1)))
			Expect(as.Snapshot).To(Equal(foldState(batch)))
			Consistently(appStates.c).ShouldNot(Receive())
		})

		It("installs a verified snapshot and continues past it", func() {
			donor := sample.NewKVStore()
			_, err := donor.UpdateBatch(putBatch(1, "a", "1", "b", "2"))
			Expect(err).NotTo(HaveOccurred())
			snapshot, err := donor.Serialize()
			Expect(err).NotTo(HaveOccurred())

			exec.InstallChannel() <- &state.InstallSnapshot{
				SeqNr:    5,
				Snapshot: snapshot,
				Digest:   sha256.Sum256(snapshot),
			}
			exec.InstallChannel() <- &state.InstallDone{SeqNr: 5}
			Expect(handle.PollStateChannel()).To(Succeed())

			// The next ordered batch continues at 6 and sees the donor's state.
			batch6 := putBatch(6, "c", "3")
			Expect(handle.QueueUpdateAndGetAppState(batch6)).To(Succeed())
			var as *state.AppState
			Eventually(appStates.c).Should(Receive(&as))
			Expect(as.SeqNr).To(Equal(t.SeqNr(6)))
			Expect(as.Snapshot).To(Equal(foldState(putBatch(1, "a", "1", "b", "2"), batch6)))
		})

		It("discards a snapshot failing digest verification", func() {
			exec.InstallChannel() <- &state.InstallSnapshot{
				SeqNr:    5,
				Snapshot: []byte("tampered"),
				Digest:   [state.DigestSize]byte{},
			}
			Expect(handle.PollStateChannel()).To(Succeed())

			var fault error
			Eventually(exec.Faults()).Should(Receive(&fault))
			Expect(errors.Is(fault, executor.ErrSnapshotIntegrity)).To(BeTrue())

			// The state and the expected sequence number are untouched.
			Expect(handle.QueueUpdateAndGetAppState(update.NewBatch(1))).To(Succeed())
			var as *state.AppState
			Eventually(appStates.c).Should(Receive(&as))
			Expect(as.SeqNr).To(Equal(t.SeqNr(1)))
			Expect(as.Snapshot).To(Equal(foldState()))
		})

		It("rejects a snapshot install behind the applied sequence", func() {
			batch1 := putBatch(1, "a", "1")
			batch2 := putBatch(2, "b", "2")
			Expect(handle.QueueUpdate(batch1)).To(Succeed())
			Expect(handle.QueueUpdate(batch2)).To(Succeed())
			Eventually(replies.c).Should(Receive())
			Eventually(replies.c).Should(Receive())

			donor := sample.NewKVStore()
			_, err := donor.UpdateBatch(putBatch(1, "z", "9"))
			Expect(err).NotTo(HaveOccurred())
			snapshot, err := donor.Serialize()
			Expect(err).NotTo(HaveOccurred())

			exec.InstallChannel() <- &state.InstallSnapshot{
				SeqNr:    1,
				Snapshot: snapshot,
				Digest:   sha256.Sum256(snapshot),
			}
			Expect(handle.PollStateChannel()).To(Succeed())

			var fault error
			Eventually(exec.Faults()).Should(Receive(&fault))
			Expect(errors.Is(fault, executor.ErrStaleInstall)).To(BeTrue())

			// The state and the expected sequence number are untouched.
			Expect(handle.QueueUpdateAndGetAppState(update.NewBatch(3))).To(Succeed())
			var as *state.AppState
			Eventually(appStates.c).Should(Receive(&as))
			Expect(as.SeqNr).To(Equal(t.SeqNr(3)))
			Expect(as.Snapshot).To(Equal(foldState(batch1, batch2)))
		})

		It("rejects a transfer conclusion behind the applied sequence", func() {
			batches := []*update.Batch{
				putBatch(1, "a", "1"),
				putBatch(2, "b", "2"),
				putBatch(3, "c", "3"),
				putBatch(4, "d", "4"),
			}
			for _, batch := range batches {
				Expect(handle.QueueUpdate(batch)).To(Succeed())
			}

			exec.InstallChannel() <- &state.InstallDone{SeqNr: 2}
			Expect(handle.PollStateChannel()).To(Succeed())

			var fault error
			Eventually(exec.Faults()).Should(Receive(&fault))
			Expect(errors.Is(fault, executor.ErrStaleInstall)).To(BeTrue())

			// Replaying an already applied batch is a sequence violation,
			// not a silent second application.
			Expect(handle.QueueUpdate(putBatch(3, "c", "9"))).To(Succeed())
			Eventually(exec.Faults()).Should(Receive(&fault))
			var seqErr *executor.SequenceError
			Expect(errors.As(fault, &seqErr)).To(BeTrue())
			Expect(seqErr.Expected).To(Equal(t.SeqNr(5)))
			Expect(seqErr.Got).To(Equal(t.SeqNr(3)))

			Expect(handle.QueueUpdateAndGetAppState(update.NewBatch(5))).To(Succeed())
			var as *state.AppState
			Eventually(appStates.c).Should(Receive(&as))
			Expect(as.SeqNr).To(Equal(t.SeqNr(5)))
			Expect(as.Snapshot).To(Equal(foldState(batches...)))
		})

		It("fails producer calls after Stop", func() {
			exec.Stop()
			exec.Stop() // Stop is idempotent.

			// The request channel still has free capacity; sends must fail
			// regardless instead of enqueueing for a consumer that is gone.
			for i := 0; i < 8; i++ {
				Expect(handle.QueueUpdate(update.NewBatch(1))).To(MatchError(executor.ErrStopped))
			}
			Expect(handle.PollStateChannel()).To(MatchError(executor.ErrStopped))
			Expect(handle.Read(1)).To(MatchError(executor.ErrStopped))
		})
	})

	Describe("with a divisible application", func() {

		BeforeEach(func() {
			var err error
			exec, handle, err = executor.NewDivisible(sample.NewKVStore(), executor.Config{
				InitialSeqNr:       1,
				Replier:            replies,
				DivisibleAppStates: divStates,
				Logger:             zerolog.Nop(),
			})
			Expect(err).NotTo(HaveOccurred())
			start()
		})

		AfterEach(func() {
			exec.Stop()
		})

		It("checkpoints the descriptor together with the altered parts", func() {
			Expect(handle.QueueUpdate(putBatch(1, "a", "1", "b", "2"))).To(Succeed())
			Expect(handle.QueueUpdateAndGetAppState(putBatch(2, "b", "3"))).To(Succeed())

			var div *state.DivisibleAppState
			Eventually(divStates.c).Should(Receive(&div))
			Expect(div.SeqNr).To(Equal(t.SeqNr(2)))
			Expect(div.Descriptor.SeqNr()).To(Equal(t.SeqNr(2)))
			Expect(div.Descriptor.Parts()).To(HaveLen(2))

			// Both keys are altered since the store was never checkpointed before.
			Expect(div.AlteredParts).To(HaveLen(2))

			// A subsequent checkpoint only carries the keys touched in between.
			Expect(handle.QueueUpdateAndGetAppState(putBatch(3, "a", "4"))).To(Succeed())
			Eventually(divStates.c).Should(Receive(&div))
			Expect(div.AlteredParts).To(HaveLen(1))
			Expect(div.AlteredParts[0].ID).To(Equal("a"))
		})

		It("installs transferred parts and serves the state onward", func() {
			exec.InstallChannel() <- &state.InstallParts{Parts: []*state.Part{
				{ID: "a", Data: []byte("1")},
				{ID: "b", Data: []byte("2")},
			}}
			exec.InstallChannel() <- &state.InstallDone{SeqNr: 4}
			Expect(handle.PollStateChannel()).To(Succeed())

			// Concluding the install re-checkpoints at the transferred sequence
			// number, so the receiver can answer descriptor requests itself.
			var div *state.DivisibleAppState
			Eventually(divStates.c).Should(Receive(&div))
			Expect(div.SeqNr).To(Equal(t.SeqNr(4)))
			Expect(div.Descriptor.Parts()).To(HaveLen(2))

			// Execution resumes right after the transferred checkpoint.
			Expect(handle.QueueUpdate(putBatch(5, "c", "3"))).To(Succeed())
			var r *update.Replies
			Eventually(replies.c).Should(Receive(&r))
			Expect(r.Len()).To(Equal(1))
			Consistently(exec.Faults()).ShouldNot(Receive())
		})

		It("re-checkpoints the full part set after a transfer conclusion", func() {
			// "a" is local state the transfer skips: only "b" travels.
			Expect(handle.QueueUpdateAndGetAppState(putBatch(1, "a", "1"))).To(Succeed())
			var div *state.DivisibleAppState
			Eventually(divStates.c).Should(Receive(&div))

			exec.InstallChannel() <- &state.InstallParts{Parts: []*state.Part{
				{ID: "b", Data: []byte("2")},
			}}
			exec.InstallChannel() <- &state.InstallDone{SeqNr: 4}
			Expect(handle.PollStateChannel()).To(Succeed())

			// The conclusion checkpoint carries every part of the descriptor,
			// including the ones the transfer never delivered, so the sink
			// can serve the complete state onward.
			Eventually(divStates.c).Should(Receive(&div))
			Expect(div.SeqNr).To(Equal(t.SeqNr(4)))
			Expect(div.Descriptor.Parts()).To(HaveLen(2))
			Expect(div.AlteredParts).To(HaveLen(2))
		})
	})
})
