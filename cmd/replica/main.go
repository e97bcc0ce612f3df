/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// replica is a self-contained demonstration of the execution core: it runs
// two replicas of the sample key-value store in one process, feeds ordered
// batches to the first one with periodic checkpoint boundaries, then lets
// the second one catch up through a state transfer followed by a batch
// replay out of the batch log.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/felixge/fgprof"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/hyperledger-labs/smrexec/config"
	"github.com/hyperledger-labs/smrexec/pkg/batchlog"
	"github.com/hyperledger-labs/smrexec/pkg/checkpointstore"
	"github.com/hyperledger-labs/smrexec/pkg/executor"
	"github.com/hyperledger-labs/smrexec/pkg/state"
	"github.com/hyperledger-labs/smrexec/pkg/statetransfer"
	t "github.com/hyperledger-labs/smrexec/pkg/types"
	"github.com/hyperledger-labs/smrexec/pkg/update"
	"github.com/hyperledger-labs/smrexec/sample"
)

var (
	configFile = kingpin.Flag("config", "Configuration file.").Short('c').Required().String()
	batchCount = kingpin.Flag("batches", "Number of ordered batches to generate.").Default("64").Int()
)

// countingReplier counts delivered replies in place of a real client-facing
// routing layer.
type countingReplier struct {
	name    string
	replies int
}

func (r *countingReplier) Reply(replies *update.Replies) {
	r.replies += replies.Len()
}

// loopbackNet delivers transfer messages between the two in-process replicas.
type loopbackNet struct {
	ownID t.NodeID
	peers map[t.NodeID]*statetransfer.Transfer
}

func (n *loopbackNet) Send(dest t.NodeID, msg statetransfer.Message) {
	if tr, ok := n.peers[dest]; ok {
		tr.HandleMessage(n.ownID, msg)
	}
}

func main() {
	kingpin.Parse()
	config.LoadFile(*configFile)

	level, err := zerolog.ParseLevel(config.Config.Logging)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	logger.Logger = logger.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		NoColor:    true,
		TimeFormat: "15:04:05.000"})

	if config.Config.ProfilingListen != "" {
		http.DefaultServeMux.Handle("/debug/fgprof", fgprof.Handler())
		go func() {
			if err := http.ListenAndServe(config.Config.ProfilingListen, nil); err != nil {
				logger.Error().Err(err).Msg("Profiling listener failed.")
			}
		}()
	}

	if err := run(); err != nil {
		logger.Fatal().Err(err).Msg("Replica demo failed.")
	}
}

func run() error {
	const (
		aheadID  t.NodeID = 1
		behindID t.NodeID = 2
	)

	checkpointDist := config.Config.CheckpointDist
	if checkpointDist == 0 {
		checkpointDist = 8
	}
	divisible := config.Config.StateModel != "monolithic"

	batches := *batchCount
	if max := config.Config.MaxRequestCount; max > 0 && batches*batchSize() > max {
		batches = max / batchSize()
	}

	// The replica that executes the full history.
	aheadApp := sample.NewKVStore()
	aheadReplier := &countingReplier{name: "ahead"}
	aheadNet := &loopbackNet{ownID: aheadID, peers: map[t.NodeID]*statetransfer.Transfer{}}

	store, err := checkpointstore.Open(config.Config.CheckpointStorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	var blog *batchlog.Log
	if config.Config.BatchLogPath != "" {
		if blog, err = batchlog.Open(config.Config.BatchLogPath); err != nil {
			return err
		}
		defer blog.Close()
	}

	aheadCfg := executor.Config{
		ChannelCapacity: config.Config.ChannelCapacity,
		InitialSeqNr:    t.SeqNr(config.Config.InitialSeqNr),
		Replier:         aheadReplier,
		Logger:          logger.With().Str("replica", "ahead").Logger(),
	}

	// The transfer engine doubles as the executor's checkpoint sink.
	aheadExec, aheadHandle, aheadTransfer, err := buildReplica(aheadID, aheadApp, aheadCfg, divisible, aheadNet, store, blog)
	if err != nil {
		return err
	}
	defer aheadExec.Stop()
	defer aheadTransfer.Stop()

	// The replica that starts empty and catches up.
	behindApp := sample.NewKVStore()
	behindReplier := &countingReplier{name: "behind"}
	behindNet := &loopbackNet{ownID: behindID, peers: map[t.NodeID]*statetransfer.Transfer{}}

	behindCfg := executor.Config{
		ChannelCapacity: config.Config.ChannelCapacity,
		InitialSeqNr:    t.SeqNr(config.Config.InitialSeqNr),
		Replier:         behindReplier,
		Logger:          logger.With().Str("replica", "behind").Logger(),
	}
	behindExec, behindHandle, behindTransfer, err := buildReplica(behindID, behindApp, behindCfg, divisible, behindNet, nil, nil)
	if err != nil {
		return err
	}
	defer behindExec.Stop()
	defer behindTransfer.Stop()

	aheadNet.peers[behindID] = behindTransfer
	behindNet.peers[aheadID] = aheadTransfer

	// Feed the full history to the ahead replica.
	next := t.SeqNr(config.Config.InitialSeqNr)
	lastCheckpoint := next
	for i := 0; i < batches; i++ {
		batch := makeBatch(next, i)
		if (i+1)%checkpointDist == 0 {
			lastCheckpoint = next
			err = aheadHandle.QueueUpdateAndGetAppState(batch)
		} else {
			err = aheadHandle.QueueUpdate(batch)
		}
		if err != nil {
			return err
		}
		next++
	}

	// Let the behind replica fetch the latest checkpoint...
	time.Sleep(100 * time.Millisecond)
	behindTransfer.RequestState(aheadID)
	time.Sleep(200 * time.Millisecond)

	// ...and replay the remaining batches out of the batch log.
	if blog != nil && lastCheckpoint+1 < next {
		missed, err := blog.Range(lastCheckpoint+1, next-1)
		if err != nil {
			return err
		}
		if err := behindHandle.CatchUpToQuorum(missed); err != nil {
			return err
		}
	}
	time.Sleep(100 * time.Millisecond)

	aheadSnapshot, err := aheadApp.Serialize()
	if err != nil {
		return err
	}
	behindSnapshot, err := behindApp.Serialize()
	if err != nil {
		return err
	}

	logger.Info().
		Int("aheadReplies", aheadReplier.replies).
		Int("behindStateBytes", len(behindSnapshot)).
		Bool("converged", string(aheadSnapshot) == string(behindSnapshot)).
		Msg("Replica demo finished.")

	if string(aheadSnapshot) != string(behindSnapshot) {
		return fmt.Errorf("replicas did not converge")
	}
	return nil
}

// buildReplica wires one replica: executor, transfer engine, and their
// channels. The transfer engine serves as the executor's checkpoint sink;
// persist may be nil.
func buildReplica(
	ownID t.NodeID,
	app *sample.KVStore,
	cfg executor.Config,
	divisible bool,
	net statetransfer.Net,
	persist statetransfer.Persist,
	blog *batchlog.Log,
) (*executor.Executor, *executor.Handle, *statetransfer.Transfer, error) {

	if blog != nil {
		cfg.BatchLog = blog
	}

	// The sink must exist before the executor; fill it in below.
	var transfer *statetransfer.Transfer
	sink := &deferredSink{}

	var exec *executor.Executor
	var handle *executor.Handle
	var err error
	if divisible {
		cfg.DivisibleAppStates = sink
		exec, handle, err = executor.NewDivisible(app, cfg)
	} else {
		cfg.AppStates = sink
		exec, handle, err = executor.NewMonolithic(app, cfg)
	}
	if err != nil {
		return nil, nil, nil, err
	}

	transfer, err = statetransfer.New(statetransfer.Config{
		OwnID:    ownID,
		Net:      net,
		Handle:   handle,
		Installs: exec.InstallChannel(),
		Persist:  persist,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	sink.transfer = transfer

	go func() {
		if err := exec.Run(); err != nil {
			logger.Error().Err(err).Msg("Executor halted.")
		}
	}()
	go transfer.Run()

	return exec, handle, transfer, nil
}

// deferredSink breaks the construction cycle between the executor (which
// needs its checkpoint sink up front) and the transfer engine (which needs
// the executor's handle and install channel).
type deferredSink struct {
	transfer *statetransfer.Transfer
}

func (s *deferredSink) AppState(appState *state.AppState) {
	s.transfer.AppState(appState)
}

func (s *deferredSink) DivisibleAppState(appState *state.DivisibleAppState) {
	s.transfer.DivisibleAppState(appState)
}

func batchSize() int {
	if config.Config.BatchSize == 0 {
		return 4
	}
	return config.Config.BatchSize
}

func makeBatch(sn t.SeqNr, i int) *update.Batch {
	size := batchSize()
	batch := update.NewBatchWithCap(sn, size)
	for j := 0; j < size; j++ {
		key := fmt.Sprintf("key-%d", (i*size+j)%97)
		value := []byte(fmt.Sprintf("value-%d-%d", i, j))
		if pad := config.Config.RequestSize - len(value); pad > 0 {
			value = append(value, make([]byte, pad)...)
		}
		batch.Add(t.NodeID(1), t.SessionID(1), t.OpNo(uint64(i*size+j+1)), sample.PutOp(key, value))
	}
	batch.SetMeta(&update.BatchMeta{ReceptionTime: time.Now()})
	return batch
}
