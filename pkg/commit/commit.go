// Package commit implements the transactional commit engine: it takes
// one batch's staged store.Store, opens a single serializable
// durable.Tx, bulk-writes every staged mutation plus the raw events and
// dynamic contract registrations it carries, advances each chain's
// checkpoint (never regressing it), and commits -- retrying the whole
// transaction a bounded number of times with exponential backoff on
// failure.
package commit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/manusoman/hyperindex/internal/hyperindex"
	"github.com/manusoman/hyperindex/pkg/durable"
	"github.com/manusoman/hyperindex/pkg/hxerrors"
	"github.com/manusoman/hyperindex/pkg/store"
)

// Config bounds the commit engine's retry behavior.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultConfig mirrors the teacher's infra-fault retry posture: a
// handful of attempts with a short exponential backoff before giving up
// and leaving the batch unacknowledged.
func DefaultConfig() Config {
	return Config{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond}
}

// Durable is the subset of durable.Store the engine writes through.
type Durable interface {
	Begin(ctx context.Context) (*durable.Tx, error)
}

// Engine drives one batch's commit against durable storage.
type Engine struct {
	log        zerolog.Logger
	db         Durable
	cfg        Config
	mOnRetry   func(ctx context.Context)
	mOnObserve func(ctx context.Context, latencyMs int64, batchSize int)
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryMetric wires a callback invoked once per retried attempt, for
// the caller to feed a counter instrument.
func WithRetryMetric(f func(ctx context.Context)) Option {
	return func(e *Engine) { e.mOnRetry = f }
}

// WithObserveMetric wires a callback invoked once per successful commit
// with the wall-clock latency and the number of raw events committed.
func WithObserveMetric(f func(ctx context.Context, latencyMs int64, batchSize int)) Option {
	return func(e *Engine) { e.mOnObserve = f }
}

// New returns a commit engine writing through db.
func New(db Durable, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		log: logger.With().Str("component", "commit").Logger(),
		db:  db,
		cfg: cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Commit persists st's staged mutations, raw events, and dynamic
// contract registrations in a single transaction, then advances each
// chain in newCheckpoints to its given block -- but only if that block
// is not behind the chain's currently durable checkpoint, keeping it
// monotone non-decreasing even under a retried, possibly-racing commit.
// An equal block is accepted, since a block's logs can span two batches.
//
// On a CommitError the whole transaction is retried up to
// cfg.MaxAttempts times with exponential backoff; if attempts are
// exhausted the last error is returned wrapped in hxerrors.CommitError
// and the checkpoint is left unadvanced.
func (e *Engine) Commit(ctx context.Context, st *store.Store, newCheckpoints map[hyperindex.ChainID]int64) error {
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		err := e.commitOnce(ctx, st, newCheckpoints)
		if err == nil {
			if e.mOnObserve != nil {
				e.mOnObserve(ctx, time.Since(start).Milliseconds(), len(st.RawEvents()))
			}
			return nil
		}
		lastErr = err

		var chainID int64
		for c := range newCheckpoints {
			chainID = int64(c)
			break
		}
		e.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", e.cfg.MaxAttempts).
			Msg("commit attempt failed, retrying")
		if e.mOnRetry != nil {
			e.mOnRetry(ctx)
		}

		if attempt == e.cfg.MaxAttempts {
			return &hxerrors.CommitError{ChainID: chainID, Attempts: attempt, Cause: err}
		}
		delay := e.cfg.BaseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func (e *Engine) commitOnce(ctx context.Context, st *store.Store, newCheckpoints map[hyperindex.ChainID]int64) error {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("opening commit transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, typ := range st.EntityTypes() {
		rows := st.Rows(typ)
		for id, row := range rows {
			switch row.CRUD {
			case hyperindex.Delete:
				if err := tx.Delete(ctx, typ, id); err != nil {
					return err
				}
			case hyperindex.Create, hyperindex.Update:
				if err := tx.Upsert(ctx, typ, id, row.Entity); err != nil {
					return err
				}
			case hyperindex.Read, hyperindex.NoCRUD:
				// a bulk-read-only row that was never mutated by a
				// handler; nothing to persist.
			}
		}
	}

	for _, ev := range st.RawEvents() {
		if err := tx.PersistRawEvent(ctx, ev); err != nil {
			return err
		}
	}

	for _, reg := range st.DynamicContracts() {
		if err := tx.PersistDynamicContract(ctx, reg); err != nil {
			return err
		}
	}

	for chainID, newBlock := range newCheckpoints {
		current, err := tx.Checkpoint(ctx, chainID)
		if err != nil {
			return err
		}
		if newBlock < current {
			return &hxerrors.StoreInvariantViolated{
				Detail: fmt.Sprintf("chain %d: refusing to set checkpoint %d behind current %d", chainID, newBlock, current),
			}
		}
		if err := tx.SetCheckpoint(ctx, chainID, newBlock); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
