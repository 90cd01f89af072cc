// Package fetcher implements the chain fetcher (component B): one
// instance per chain, querying a single chain's JSON-RPC for a sliding
// block window, decoding logs, and queuing items, with adaptive
// block-interval growth/shrinkage and indefinite retry on transient
// failure.
//
// Grounded on the teacher's eventfeed/impl/eventfeed.go EventFeed.Start
// loop: the same 0.8x interval shrink on oversized-response errors, the
// same fixed backoff sleep between retries, and the same per-log ABI
// decode via the registry. Restructured into spec's explicit Idle/
// Querying/Backoff/EnqueueBlocks/Advance state machine with a bounded
// output queue and PeekFront/NoItem, since the chain manager needs to
// synchronously peek every chain's front.
package fetcher

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/manusoman/hyperindex/internal/hyperindex"
	"github.com/manusoman/hyperindex/pkg/chainclient"
	"github.com/manusoman/hyperindex/pkg/decoder"
	"github.com/manusoman/hyperindex/pkg/hxerrors"
)

// Config holds per-chain fetcher tuning parameters.
type Config struct {
	ChainID hyperindex.ChainID

	StartBlock int64

	// MaxBlockInterval bounds the number of blocks queried per getLogs
	// call. Default 2000, per spec §6.
	MaxBlockInterval int64
	// MinBlockInterval is the floor the 0.8x shrink never crosses.
	MinBlockInterval int64
	// GrowthStep is the additive increase applied toward MaxBlockInterval
	// after two consecutive fully-sized successful windows (spec §9's
	// resolved Open Question: the source never re-grows; we make the
	// growth policy explicit).
	GrowthStep int64

	QueryTimeout time.Duration
	BackoffDelay time.Duration

	// MaxQueueSize bounds the per-chain output queue.
	MaxQueueSize int
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig(chainID hyperindex.ChainID, startBlock int64) Config {
	return Config{
		ChainID:          chainID,
		StartBlock:       startBlock,
		MaxBlockInterval: 2000,
		MinBlockInterval: 1,
		GrowthStep:       200,
		QueryTimeout:     20 * time.Second,
		BackoffDelay:     5 * time.Second,
		MaxQueueSize:     1000,
	}
}

// Item is a single decoded event ready for global ordering and handling.
type Item struct {
	Key     hyperindex.OrderingKey
	Decoded decoder.DecodedEvent
	Raw     hyperindex.RawEvent
}

// NoItemInfo is returned by PeekFront when the chain currently has
// nothing queued. It lets the chain manager reason "this chain has
// nothing to offer up to timestamp T" without waiting.
type NoItemInfo struct {
	LatestFetchedBlockTimestamp int64
	ChainID                     hyperindex.ChainID
}

// Fetcher is a single chain's log-fetching state machine.
type Fetcher struct {
	log      zerolog.Logger
	cfg      Config
	client   chainclient.ChainClient
	registry *decoder.Registry
	queue    *boundedQueue

	filterMu  sync.RWMutex
	addresses map[common.Address]struct{}

	latestFetchedTimestamp atomic.Int64
	currentFrom            atomic.Int64
	currentInterval        atomic.Int64

	notifyMu sync.Mutex
	notifyCh chan struct{}

	mOnBackoff func(chainID hyperindex.ChainID, interval int64)
	mOnAdvance func(chainID hyperindex.ChainID, fromBlock, interval int64)
	mOnDecoded func(ctx context.Context)
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithBackoffMetric wires a callback invoked every time the fetcher
// shrinks its interval after a transient failure.
func WithBackoffMetric(f func(chainID hyperindex.ChainID, interval int64)) Option {
	return func(ft *Fetcher) { ft.mOnBackoff = f }
}

// WithAdvanceMetric wires a callback invoked every time the fetcher
// successfully advances its window.
func WithAdvanceMetric(f func(chainID hyperindex.ChainID, fromBlock, interval int64)) Option {
	return func(ft *Fetcher) { ft.mOnAdvance = f }
}

// WithDecodedMetric wires a callback invoked once per log successfully
// decoded into an Item.
func WithDecodedMetric(f func(ctx context.Context)) Option {
	return func(ft *Fetcher) { ft.mOnDecoded = f }
}

// New constructs a Fetcher for one chain.
func New(cfg Config, client chainclient.ChainClient, registry *decoder.Registry, addresses []common.Address, opts ...Option) *Fetcher {
	addrSet := make(map[common.Address]struct{}, len(addresses))
	for _, a := range addresses {
		addrSet[a] = struct{}{}
	}
	f := &Fetcher{
		log: logger.With().
			Str("component", "fetcher").
			Int64("chain_id", int64(cfg.ChainID)).
			Logger(),
		cfg:       cfg,
		client:    client,
		registry:  registry,
		queue:     newBoundedQueue(cfg.MaxQueueSize),
		addresses: addrSet,
		notifyCh:  make(chan struct{}),
	}
	f.currentFrom.Store(cfg.StartBlock)
	f.currentInterval.Store(cfg.MaxBlockInterval)
	for _, o := range opts {
		o(f)
	}
	return f
}

// PeekFront returns the item at the head of the chain's queue, or
// NoItemInfo if the queue is currently empty.
func (f *Fetcher) PeekFront() (Item, bool, NoItemInfo) {
	if item, ok := f.queue.Front(); ok {
		return item, true, NoItemInfo{}
	}
	return Item{}, false, NoItemInfo{
		LatestFetchedBlockTimestamp: f.latestFetchedTimestamp.Load(),
		ChainID:                     f.cfg.ChainID,
	}
}

// PopFront removes and returns the item at the head of the chain's
// queue.
func (f *Fetcher) PopFront() (Item, bool) {
	return f.queue.Pop()
}

// NotifyChannel returns the channel that closes the next time this
// fetcher successfully completes a query window, the suspension
// point chain manager's PopAsync awaits on.
func (f *Fetcher) NotifyChannel() <-chan struct{} {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()
	return f.notifyCh
}

func (f *Fetcher) broadcastNewRange() {
	f.notifyMu.Lock()
	close(f.notifyCh)
	f.notifyCh = make(chan struct{})
	f.notifyMu.Unlock()
}

// WidenFilter performs the one mutation a fetcher's address filter
// supports after construction: a pure addition. Events from the new
// address in already-fetched blocks are NOT retroactively queued here;
// the chain manager is responsible for back-filling them via Backfill.
func (f *Fetcher) WidenFilter(address common.Address) {
	f.filterMu.Lock()
	f.addresses[address] = struct{}{}
	f.filterMu.Unlock()
}

// LatestFetchedBlockNumber returns the last block number this fetcher
// has completed querying (exclusive of any in-flight window).
func (f *Fetcher) LatestFetchedBlockNumber() int64 {
	return f.currentFrom.Load() - 1
}

// CurrentInterval returns the fetcher's current block-range interval,
// for metrics and tests.
func (f *Fetcher) CurrentInterval() int64 {
	return f.currentInterval.Load()
}

func (f *Fetcher) addressList() []common.Address {
	f.filterMu.RLock()
	defer f.filterMu.RUnlock()
	out := make([]common.Address, 0, len(f.addresses))
	for a := range f.addresses {
		out = append(out, a)
	}
	return out
}

// Run drives the fetcher's state machine until ctx is canceled or a
// fatal (decoding) error occurs. It is the only blocking entry point;
// callers run it in its own goroutine.
func (f *Fetcher) Run(ctx context.Context) error {
	interval := f.cfg.MaxBlockInterval
	f.currentInterval.Store(interval)
	successStreak := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		from := f.currentFrom.Load()
		to := from + interval - 1

		logs, blockTimestamps, err := f.query(ctx, from, to)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			interval = f.shrink(interval)
			successStreak = 0
			f.currentInterval.Store(interval)
			if f.mOnBackoff != nil {
				f.mOnBackoff(f.cfg.ChainID, interval)
			}
			f.log.Warn().Err(err).Int64("from", from).Int64("to", to).Int64("next_interval", interval).
				Msg("transient error querying logs; backing off and shrinking window")
			select {
			case <-time.After(f.cfg.BackoffDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if err := f.enqueueLogs(ctx, logs, blockTimestamps); err != nil {
			return err // fatal decoding error
		}

		var lastTimestamp int64
		if len(logs) > 0 {
			lastTimestamp = blockTimestamps[logs[len(logs)-1].BlockNumber]
		} else if ts, ok := blockTimestamps[uint64(to)]; ok {
			lastTimestamp = ts
		}
		if lastTimestamp > 0 {
			f.latestFetchedTimestamp.Store(lastTimestamp)
		}

		f.currentFrom.Store(to + 1)
		successStreak++
		if successStreak >= 2 && interval < f.cfg.MaxBlockInterval {
			interval += f.cfg.GrowthStep
			if interval > f.cfg.MaxBlockInterval {
				interval = f.cfg.MaxBlockInterval
			}
			successStreak = 0
		}
		f.currentInterval.Store(interval)
		if f.mOnAdvance != nil {
			f.mOnAdvance(f.cfg.ChainID, to+1, interval)
		}

		f.broadcastNewRange()
	}
}

func (f *Fetcher) shrink(interval int64) int64 {
	next := int64(float64(interval) * 0.8)
	if next < f.cfg.MinBlockInterval {
		next = f.cfg.MinBlockInterval
	}
	return next
}

// query performs one Querying(from, to, interval) step: a single
// getLogs request with a 20s timeout, followed by one getBlock per
// unique block number represented in the results (memoised within this
// call).
func (f *Fetcher) query(ctx context.Context, from, to int64) ([]types.Log, map[uint64]int64, error) {
	qctx, cancel := context.WithTimeout(ctx, f.cfg.QueryTimeout)
	defer cancel()

	query := geth.FilterQuery{
		FromBlock: big.NewInt(from),
		ToBlock:   big.NewInt(to),
		Addresses: f.addressList(),
	}
	logs, err := f.client.FilterLogs(qctx, query)
	if err != nil {
		return nil, nil, &hxerrors.TransientRpcError{ChainID: int64(f.cfg.ChainID), Cause: err}
	}

	timestamps := make(map[uint64]int64)
	for _, l := range logs {
		if _, ok := timestamps[l.BlockNumber]; ok {
			continue
		}
		hctx, hcancel := context.WithTimeout(ctx, f.cfg.QueryTimeout)
		header, err := f.client.HeaderByNumber(hctx, new(big.Int).SetUint64(l.BlockNumber))
		hcancel()
		if err != nil {
			return nil, nil, &hxerrors.TransientRpcError{ChainID: int64(f.cfg.ChainID), Cause: err}
		}
		if header == nil {
			// A null block response is retried as an RPC error (spec §4.B).
			return nil, nil, &hxerrors.TransientRpcError{
				ChainID: int64(f.cfg.ChainID),
				Cause:   fmt.Errorf("null block response for block %d", l.BlockNumber),
			}
		}
		timestamps[l.BlockNumber] = int64(header.Time)
	}

	return logs, timestamps, nil
}

// enqueueLogs is the EnqueueBlocks(logs) state: decode every log in
// order and push the resulting items onto the bounded output queue.
func (f *Fetcher) enqueueLogs(ctx context.Context, logs []types.Log, blockTimestamps map[uint64]int64) error {
	for _, l := range logs {
		decoded, ok, err := f.registry.Decode(f.cfg.ChainID, l)
		if err != nil {
			return &hxerrors.DecodingError{ChainID: int64(f.cfg.ChainID), EventName: l.Topics[0].Hex(), Cause: err}
		}
		if !ok {
			continue
		}
		if f.mOnDecoded != nil {
			f.mOnDecoded(ctx)
		}
		ts := blockTimestamps[l.BlockNumber]
		item := Item{
			Key: hyperindex.OrderingKey{
				BlockTimestamp: ts,
				ChainID:        f.cfg.ChainID,
				BlockNumber:    int64(l.BlockNumber),
				LogIndex:       l.Index,
			},
			Decoded: *decoded,
			Raw: hyperindex.RawEvent{
				ChainID:         f.cfg.ChainID,
				EventID:         hyperindex.EventID(fmt.Sprintf("%d_%d", l.BlockNumber, l.Index)),
				BlockNumber:     int64(l.BlockNumber),
				BlockTimestamp:  ts,
				BlockHash:       l.BlockHash.Hex(),
				TxHash:          l.TxHash.Hex(),
				TxIndex:         l.TxIndex,
				LogIndex:        l.Index,
				ContractAddress: l.Address.Hex(),
				EventName:       decoded.EventName,
			},
		}
		if err := f.queue.Push(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// Backfill performs a one-off historical getLogs query for a single
// address across [fromBlock, toBlock], decoding results but returning
// them rather than queuing them, so the caller (the chain manager) can
// inject them into its auxiliary priority queue instead of this
// fetcher's per-chain queue -- preserving the per-chain monotonicity
// invariant for the main queue.
func (f *Fetcher) Backfill(ctx context.Context, address common.Address, fromBlock, toBlock int64) ([]Item, error) {
	qctx, cancel := context.WithTimeout(ctx, f.cfg.QueryTimeout)
	defer cancel()

	query := geth.FilterQuery{
		FromBlock: big.NewInt(fromBlock),
		ToBlock:   big.NewInt(toBlock),
		Addresses: []common.Address{address},
	}
	logs, err := f.client.FilterLogs(qctx, query)
	if err != nil {
		return nil, &hxerrors.TransientRpcError{ChainID: int64(f.cfg.ChainID), Cause: err}
	}

	timestamps := make(map[uint64]int64)
	items := make([]Item, 0, len(logs))
	for _, l := range logs {
		if _, ok := timestamps[l.BlockNumber]; !ok {
			hctx, hcancel := context.WithTimeout(ctx, f.cfg.QueryTimeout)
			header, err := f.client.HeaderByNumber(hctx, new(big.Int).SetUint64(l.BlockNumber))
			hcancel()
			if err != nil {
				return nil, &hxerrors.TransientRpcError{ChainID: int64(f.cfg.ChainID), Cause: err}
			}
			timestamps[l.BlockNumber] = int64(header.Time)
		}
		decoded, ok, err := f.registry.Decode(f.cfg.ChainID, l)
		if err != nil {
			return nil, &hxerrors.DecodingError{ChainID: int64(f.cfg.ChainID), EventName: l.Topics[0].Hex(), Cause: err}
		}
		if !ok {
			continue
		}
		ts := timestamps[l.BlockNumber]
		items = append(items, Item{
			Key: hyperindex.OrderingKey{
				BlockTimestamp: ts,
				ChainID:        f.cfg.ChainID,
				BlockNumber:    int64(l.BlockNumber),
				LogIndex:       l.Index,
			},
			Decoded: *decoded,
			Raw: hyperindex.RawEvent{
				ChainID:         f.cfg.ChainID,
				EventID:         hyperindex.EventID(fmt.Sprintf("%d_%d", l.BlockNumber, l.Index)),
				BlockNumber:     int64(l.BlockNumber),
				BlockTimestamp:  ts,
				BlockHash:       l.BlockHash.Hex(),
				TxHash:          l.TxHash.Hex(),
				TxIndex:         l.TxIndex,
				LogIndex:        l.Index,
				ContractAddress: l.Address.Hex(),
				EventName:       decoded.EventName,
			},
		})
	}
	return items, nil
}
