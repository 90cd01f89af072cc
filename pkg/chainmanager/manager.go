// Package chainmanager implements the chain manager (component C): it
// merges every chain fetcher's per-chain queue with one auxiliary
// priority queue of late-arriving/back-filled events into a single
// globally-ordered stream, and owns dynamic contract registration.
//
// No teacher analogue exists for cross-chain merging -- the teacher
// runs one independent ChainStack per chain with no shared ordering.
// This package is built directly from the ordering/back-pressure
// invariants spec.md lays out, using container/heap the way the rest of
// the pack (go-ethereum's transaction pool) expresses a min-heap
// priority queue.
package chainmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/manusoman/hyperindex/internal/hyperindex"
	"github.com/manusoman/hyperindex/pkg/decoder"
	"github.com/manusoman/hyperindex/pkg/fetcher"
	"github.com/manusoman/hyperindex/pkg/hxerrors"
)

// Fetcher is the subset of *fetcher.Fetcher the manager depends on,
// narrowed to an interface so tests can substitute fakes.
type Fetcher interface {
	PeekFront() (fetcher.Item, bool, fetcher.NoItemInfo)
	PopFront() (fetcher.Item, bool)
	NotifyChannel() <-chan struct{}
	WidenFilter(address common.Address)
	Backfill(ctx context.Context, address common.Address, fromBlock, toBlock int64) ([]fetcher.Item, error)
	LatestFetchedBlockNumber() int64
}

// Manager merges per-chain fetchers with an auxiliary priority queue
// into one globally ordered event stream.
type Manager struct {
	log      zerolog.Logger
	registry *decoder.Registry

	mu       sync.Mutex
	fetchers map[hyperindex.ChainID]Fetcher
	aux      *auxQueue
}

// New constructs a Manager over the given chain fetchers.
func New(registry *decoder.Registry, fetchers map[hyperindex.ChainID]Fetcher) *Manager {
	return &Manager{
		log:      logger.With().Str("component", "chainmanager").Logger(),
		registry: registry,
		fetchers: fetchers,
		aux:      newAuxQueue(),
	}
}

// candidate pairs a chain id with the item (or absence of one) it is
// currently offering.
type candidate struct {
	chainID hyperindex.ChainID
	item    fetcher.Item
	has     bool
	noItem  fetcher.NoItemInfo
}

// earliestFetcherCandidate scans every fetcher's front and returns the
// one with the earliest item, considering only chains that currently
// have an item available (NoItem never wins in the sync path).
func (m *Manager) earliestFetcherCandidate() (candidate, bool) {
	var best candidate
	found := false
	for chainID, f := range m.fetchers {
		item, ok, noItem := f.PeekFront()
		if !ok {
			continue
		}
		c := candidate{chainID: chainID, item: item, has: true, noItem: noItem}
		if !found || c.item.Key.Less(best.item.Key) {
			best = c
			found = true
		}
	}
	return best, found
}

// PopSync peeks every fetcher front plus the aux heap top and returns
// the earliest synchronously-available item. The ok result is false --
// the hxerrors.EmptyBatchPop sentinel, not an error -- when nothing is
// available without waiting.
func (m *Manager) PopSync() (fetcher.Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.popSyncLocked()
}

func (m *Manager) popSyncLocked() (fetcher.Item, bool) {
	fetcherBest, haveFetcherItem := m.earliestFetcherCandidate()
	auxTop, haveAux := m.aux.Peek()

	switch {
	case haveFetcherItem && haveAux:
		if fetcherBest.item.Key.Less(auxTop.Key) {
			return m.popFromFetcherLocked(fetcherBest.chainID)
		}
		m.aux.Pop()
		return auxTop, true
	case haveFetcherItem:
		return m.popFromFetcherLocked(fetcherBest.chainID)
	case haveAux:
		m.aux.Pop()
		return auxTop, true
	default:
		return fetcher.Item{}, false
	}
}

func (m *Manager) popFromFetcherLocked(chainID hyperindex.ChainID) (fetcher.Item, bool) {
	return m.fetchers[chainID].PopFront()
}

// PopAsync blocks until an item is available, awaiting the relevant
// chain's "new range queried" signal when every fetcher reports NoItem
// and the aux heap has nothing earlier. This is the suspension point of
// the core. It only returns an error when ctx is canceled or no
// fetchers are registered at all.
func (m *Manager) PopAsync(ctx context.Context) (fetcher.Item, error) {
	for {
		m.mu.Lock()
		fetcherBest, haveFetcherItem := m.earliestFetcherCandidate()
		auxTop, haveAux := m.aux.Peek()

		if haveFetcherItem && (!haveAux || fetcherBest.item.Key.Less(auxTop.Key)) {
			item, _ := m.popFromFetcherLocked(fetcherBest.chainID)
			m.mu.Unlock()
			return item, nil
		}
		if haveAux && (!haveFetcherItem || !fetcherBest.item.Key.Less(auxTop.Key)) {
			m.aux.Pop()
			m.mu.Unlock()
			return auxTop, nil
		}

		// Nothing synchronously available: find the chain whose NoItem is
		// earliest and await its next range.
		waitChain, ok := m.earliestNoItemChainLocked()
		if !ok {
			m.mu.Unlock()
			return fetcher.Item{}, fmt.Errorf("chainmanager: no fetchers registered")
		}
		notifyCh := m.fetchers[waitChain].NotifyChannel()
		m.mu.Unlock()

		select {
		case <-notifyCh:
		case <-ctx.Done():
			return fetcher.Item{}, ctx.Err()
		}
	}
}

func (m *Manager) earliestNoItemChainLocked() (hyperindex.ChainID, bool) {
	var best hyperindex.ChainID
	var bestTs int64
	found := false
	for chainID, f := range m.fetchers {
		_, ok, noItem := f.PeekFront()
		if ok {
			continue
		}
		if !found || noItem.LatestFetchedBlockTimestamp < bestTs {
			best = chainID
			bestTs = noItem.LatestFetchedBlockTimestamp
			found = true
		}
	}
	return best, found
}

// MakeBatch drives PopAsync until min items are collected, then drains
// PopSync opportunistically up to max. Batches span chains freely;
// cross-chain ordering is preserved by construction.
func (m *Manager) MakeBatch(ctx context.Context, min, max int) ([]fetcher.Item, error) {
	if max < min {
		max = min
	}
	batch := make([]fetcher.Item, 0, max)

	for len(batch) < min {
		item, err := m.PopAsync(ctx)
		if err != nil {
			return batch, err
		}
		batch = append(batch, item)
	}

	for len(batch) < max {
		item, ok := m.PopSync()
		if !ok {
			break
		}
		batch = append(batch, item)
	}

	return batch, nil
}

// RegisterDynamicContract informs the relevant fetcher of a newly
// discovered contract address and, if the registering event precedes
// the chain's latest fetched block, schedules a back-fill query whose
// decoded events are injected into the aux priority queue rather than
// the per-chain queue.
func (m *Manager) RegisterDynamicContract(ctx context.Context, chainID hyperindex.ChainID, address common.Address, contractType decoder.ContractType, afterBlock int64) error {
	if err := m.registry.RegisterContract(chainID, address, contractType); err != nil {
		return &hxerrors.UnknownChainError{ChainID: int64(chainID)}
	}

	m.mu.Lock()
	f, ok := m.fetchers[chainID]
	if !ok {
		m.mu.Unlock()
		return &hxerrors.UnknownChainError{ChainID: int64(chainID)}
	}
	m.mu.Unlock()

	f.WidenFilter(address)

	latest := f.LatestFetchedBlockNumber()
	if afterBlock >= latest {
		// The registering event is at or beyond the chain's current
		// fetch frontier: future windows will already widen to include
		// it, no back-fill needed.
		return nil
	}

	items, err := f.Backfill(ctx, address, afterBlock, latest)
	if err != nil {
		return fmt.Errorf("backfilling chain %d address %s: %w", chainID, address, err)
	}

	m.mu.Lock()
	for _, it := range items {
		m.aux.Push(it)
	}
	m.mu.Unlock()

	m.log.Info().
		Int64("chain_id", int64(chainID)).
		Str("address", address.Hex()).
		Int64("from_block", afterBlock).
		Int64("to_block", latest).
		Int("backfilled_events", len(items)).
		Msg("registered dynamic contract and backfilled historical events")

	return nil
}
