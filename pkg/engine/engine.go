// Package engine orchestrates components A through F into the two
// public entry points spec §6 allows: Start and RegisterDynamicContract.
// It owns the per-chain fetcher goroutines, drives the chain manager's
// batch assembly, hands batches to the load/handle runtime, and commits
// the result durably -- looping until stopped.
//
// Grounded on the teacher's EventProcessor.StartSync/StopSync/startDaemon
// lifecycle (context+cancel+"closed channel" shutdown discipline) and
// internal/chains.ChainStack's "one struct holding the wired components
// for a run" shape.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/manusoman/hyperindex/internal/hyperindex"
	"github.com/manusoman/hyperindex/pkg/chainmanager"
	"github.com/manusoman/hyperindex/pkg/commit"
	"github.com/manusoman/hyperindex/pkg/decoder"
	"github.com/manusoman/hyperindex/pkg/durable"
	"github.com/manusoman/hyperindex/pkg/fetcher"
	"github.com/manusoman/hyperindex/pkg/runtime"
)

// Fetcher is the subset of *fetcher.Fetcher the engine drives directly
// (running its state machine loop); chainmanager.Fetcher covers the
// pop/backfill surface the chain manager itself needs.
type Fetcher interface {
	chainmanager.Fetcher
	Run(ctx context.Context) error
}

// BatchBounds configures how many items MakeBatch collects before the
// runtime processes and commits them.
type BatchBounds struct {
	Min int
	Max int
}

// DefaultBatchBounds mirrors spec §4.E's suggested batch sizing.
func DefaultBatchBounds() BatchBounds {
	return BatchBounds{Min: 1, Max: 1000}
}

// Engine wires the chain manager, runtime, and commit engine together
// and drives the assemble-process-commit loop.
type Engine struct {
	log zerolog.Logger

	registry *decoder.Registry
	fetchers map[hyperindex.ChainID]Fetcher
	manager  *chainmanager.Manager
	rt       *runtime.Runtime
	commit   *commit.Engine
	bounds   BatchBounds

	mu            sync.Mutex
	daemonCancel  context.CancelFunc
	daemonStopped chan struct{}
	running       bool
}

// New returns an Engine ready to Start. fetchers must be keyed by the
// same chain ids registry knows about.
func New(
	registry *decoder.Registry,
	fetchers map[hyperindex.ChainID]Fetcher,
	rt *runtime.Runtime,
	commitEngine *commit.Engine,
	bounds BatchBounds,
) *Engine {
	cmFetchers := make(map[hyperindex.ChainID]chainmanager.Fetcher, len(fetchers))
	for id, f := range fetchers {
		cmFetchers[id] = f
	}
	return &Engine{
		log:      logger.With().Str("component", "engine").Logger(),
		registry: registry,
		fetchers: fetchers,
		manager:  chainmanager.New(registry, cmFetchers),
		rt:       rt,
		commit:   commitEngine,
		bounds:   bounds,
	}
}

// RecoverCheckpoints seeds each fetcher's starting block from the
// durable store's last committed checkpoint, falling back to each
// fetcher's configured start block when a chain has never been
// committed. Call once before Start.
func RecoverCheckpoints(ctx context.Context, db *durable.Store, startBlocks map[hyperindex.ChainID]int64) (map[hyperindex.ChainID]int64, error) {
	resolved := make(map[hyperindex.ChainID]int64, len(startBlocks))
	for chainID, configured := range startBlocks {
		last, err := db.Checkpoint(ctx, chainID)
		if err != nil {
			return nil, fmt.Errorf("reading checkpoint for chain %d: %w", chainID, err)
		}
		if last < 0 {
			resolved[chainID] = configured
			continue
		}
		resolved[chainID] = last + 1
	}
	return resolved, nil
}

// Start launches one goroutine per chain fetcher plus the batch-assembly
// daemon. It returns once the daemon goroutine is running; it does not
// block for the engine's lifetime.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine already started")
	}

	daemonCtx, cancel := context.WithCancel(ctx)
	e.daemonCancel = cancel
	e.daemonStopped = make(chan struct{})
	e.running = true

	for chainID, f := range e.fetchers {
		chainID, f := chainID, f
		go func() {
			if err := f.Run(daemonCtx); err != nil && daemonCtx.Err() == nil {
				e.log.Error().Err(err).Int64("chain_id", int64(chainID)).Msg("fetcher exited unexpectedly")
			}
		}()
	}

	go e.runDaemon(daemonCtx)

	e.log.Info().Msg("engine started")
	return nil
}

// Stop cancels the daemon and every fetcher, waiting for the daemon loop
// to observe cancellation before returning.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.daemonCancel()
	<-e.daemonStopped
	e.running = false
	e.log.Info().Msg("engine stopped")
}

func (e *Engine) runDaemon(ctx context.Context) {
	defer close(e.daemonStopped)
	for {
		if ctx.Err() != nil {
			return
		}
		items, err := e.manager.MakeBatch(ctx, e.bounds.Min, e.bounds.Max)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.Error().Err(err).Msg("assembling batch")
			continue
		}
		if len(items) == 0 {
			continue
		}

		st, err := e.rt.ProcessBatch(ctx, items)
		if err != nil {
			// A handler error is a programmer bug in generated code, not a
			// transient condition: log with full context and stop making
			// progress on this batch rather than silently dropping it.
			e.log.Error().Err(err).Msg("processing batch, daemon is stuck until fixed")
			return
		}

		if err := e.commit.Commit(ctx, st, maxBlockPerChain(items)); err != nil {
			e.log.Error().Err(err).Msg("committing batch")
			return
		}
	}
}

func maxBlockPerChain(items []fetcher.Item) map[hyperindex.ChainID]int64 {
	out := make(map[hyperindex.ChainID]int64)
	seen := make(map[hyperindex.ChainID]bool)
	for _, it := range items {
		chainID := it.Key.ChainID
		if !seen[chainID] || it.Key.BlockNumber > out[chainID] {
			out[chainID] = it.Key.BlockNumber
			seen[chainID] = true
		}
	}
	return out
}

// RegisterDynamicContract registers a new contract address mid-run,
// widening the relevant fetcher's filter and back-filling if needed --
// the only other public entry point spec §6 allows.
func (e *Engine) RegisterDynamicContract(
	ctx context.Context,
	chainID hyperindex.ChainID,
	address common.Address,
	contractType decoder.ContractType,
	afterBlock int64,
) error {
	return e.manager.RegisterDynamicContract(ctx, chainID, address, contractType, afterBlock)
}
