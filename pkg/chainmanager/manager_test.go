package chainmanager

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/manusoman/hyperindex/internal/hyperindex"
	"github.com/manusoman/hyperindex/pkg/decoder"
	"github.com/manusoman/hyperindex/pkg/fetcher"
)

// fakeFetcher is a hand-rolled stand-in for *fetcher.Fetcher driven
// entirely in memory, so chain-manager merge/ordering logic can be
// tested without any RPC client or background goroutine.
type fakeFetcher struct {
	mu       sync.Mutex
	queue    []fetcher.Item
	noItemTs int64
	chainID  hyperindex.ChainID

	notifyMu sync.Mutex
	notifyCh chan struct{}

	widened   []common.Address
	backfill  []fetcher.Item
	backfillErr error
	latest    int64
}

func newFakeFetcher(chainID hyperindex.ChainID) *fakeFetcher {
	return &fakeFetcher{chainID: chainID, notifyCh: make(chan struct{})}
}

func (f *fakeFetcher) PeekFront() (fetcher.Item, bool, fetcher.NoItemInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return fetcher.Item{}, false, fetcher.NoItemInfo{LatestFetchedBlockTimestamp: f.noItemTs, ChainID: f.chainID}
	}
	return f.queue[0], true, fetcher.NoItemInfo{}
}

func (f *fakeFetcher) PopFront() (fetcher.Item, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return fetcher.Item{}, false
	}
	item := f.queue[0]
	f.queue = f.queue[1:]
	return item, true
}

func (f *fakeFetcher) NotifyChannel() <-chan struct{} {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()
	return f.notifyCh
}

// push appends an item and broadcasts the notify channel on every call
// -- mirroring the real fetcher's broadcastNewRange on every completed
// window.
func (f *fakeFetcher) push(item fetcher.Item) {
	f.mu.Lock()
	f.queue = append(f.queue, item)
	f.mu.Unlock()
	f.broadcast()
}

func (f *fakeFetcher) broadcast() {
	f.notifyMu.Lock()
	close(f.notifyCh)
	f.notifyCh = make(chan struct{})
	f.notifyMu.Unlock()
}

func (f *fakeFetcher) WidenFilter(address common.Address) {
	f.mu.Lock()
	f.widened = append(f.widened, address)
	f.mu.Unlock()
}

func (f *fakeFetcher) Backfill(ctx context.Context, address common.Address, fromBlock, toBlock int64) ([]fetcher.Item, error) {
	return f.backfill, f.backfillErr
}

func (f *fakeFetcher) LatestFetchedBlockNumber() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest
}

func mkItem(ts int64, chainID hyperindex.ChainID, blockNumber int64, logIndex uint) fetcher.Item {
	return fetcher.Item{
		Key: hyperindex.OrderingKey{
			BlockTimestamp: ts,
			ChainID:        chainID,
			BlockNumber:    blockNumber,
			LogIndex:       logIndex,
		},
	}
}

func newTestRegistry(t *testing.T) *decoder.Registry {
	t.Helper()
	const abiJSON = `[
		{"type":"event","name":"NftCreated","anonymous":false,"inputs":[
			{"name":"addr","type":"address","indexed":false}
		]}
	]`
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	require.NoError(t, err)

	type nftCreatedEvent struct {
		Addr common.Address
		Raw  types.Log
	}

	r, err := decoder.New([]decoder.ContractSpec{
		{
			ChainID:      1,
			Address:      common.HexToAddress("0xFACE0000000000000000000000000000000000"),
			ContractType: "Factory",
			ABI:          &parsed,
			Events: []decoder.EventVariant{
				{ContractType: "Factory", Name: "NftCreated", GoType: reflect.TypeOf(nftCreatedEvent{})},
			},
		},
	})
	require.NoError(t, err)
	return r
}

// TestInvariant2AscendingOrderPreservesMultiset covers spec §8 invariant
// 2: pop_async emits events from N chains in ascending ordering-key
// order, and the multiset of outputs equals the multiset of inputs.
func TestInvariant2AscendingOrderPreservesMultiset(t *testing.T) {
	t.Parallel()

	f1 := newFakeFetcher(1)
	f2 := newFakeFetcher(2)
	f1.push(mkItem(10, 1, 100, 0))
	f1.push(mkItem(30, 1, 103, 0))
	f2.push(mkItem(20, 2, 200, 0))
	f2.push(mkItem(20, 2, 200, 1))

	m := New(newTestRegistry(t), map[hyperindex.ChainID]Fetcher{1: f1, 2: f2})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []hyperindex.OrderingKey
	for i := 0; i < 4; i++ {
		item, err := m.PopAsync(ctx)
		require.NoError(t, err)
		got = append(got, item.Key)
	}

	want := []hyperindex.OrderingKey{
		{BlockTimestamp: 10, ChainID: 1, BlockNumber: 100, LogIndex: 0},
		{BlockTimestamp: 20, ChainID: 2, BlockNumber: 200, LogIndex: 0},
		{BlockTimestamp: 20, ChainID: 2, BlockNumber: 200, LogIndex: 1},
		{BlockTimestamp: 30, ChainID: 1, BlockNumber: 103, LogIndex: 0},
	}
	require.Equal(t, want, got)

	for i := 1; i < len(got); i++ {
		require.True(t, got[i-1].Less(got[i]) || got[i-1] == got[i], "output not ascending at index %d", i)
	}
}

// TestScenarioS4CrossChainOrdering reproduces spec §8 S4 verbatim: two
// chains emit [10, 30] and [20, 20], chain ids 1 and 2, expecting the
// pop_async sequence (1,10), (2,20,li=0), (2,20,li=1), (1,30).
func TestScenarioS4CrossChainOrdering(t *testing.T) {
	t.Parallel()

	f1 := newFakeFetcher(1)
	f2 := newFakeFetcher(2)
	f1.push(mkItem(10, 1, 1, 0))
	f2.push(mkItem(20, 2, 1, 0))
	f2.push(mkItem(20, 2, 1, 1))
	f1.push(mkItem(30, 1, 2, 0))

	m := New(newTestRegistry(t), map[hyperindex.ChainID]Fetcher{1: f1, 2: f2})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	seq := make([]fetcher.Item, 0, 4)
	for i := 0; i < 4; i++ {
		item, err := m.PopAsync(ctx)
		require.NoError(t, err)
		seq = append(seq, item)
	}

	require.Equal(t, hyperindex.ChainID(1), seq[0].Key.ChainID)
	require.Equal(t, int64(10), seq[0].Key.BlockTimestamp)
	require.Equal(t, hyperindex.ChainID(2), seq[1].Key.ChainID)
	require.Equal(t, uint(0), seq[1].Key.LogIndex)
	require.Equal(t, hyperindex.ChainID(2), seq[2].Key.ChainID)
	require.Equal(t, uint(1), seq[2].Key.LogIndex)
	require.Equal(t, hyperindex.ChainID(1), seq[3].Key.ChainID)
	require.Equal(t, int64(30), seq[3].Key.BlockTimestamp)
}

// TestPopAsyncBlocksUntilNotified ensures the suspension point actually
// waits rather than spinning: with no items queued anywhere, PopAsync
// does not return until an item is pushed and the chain's notify
// channel fires.
func TestPopAsyncBlocksUntilNotified(t *testing.T) {
	t.Parallel()

	f1 := newFakeFetcher(1)
	m := New(newTestRegistry(t), map[hyperindex.ChainID]Fetcher{1: f1})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resultCh := make(chan fetcher.Item, 1)
	go func() {
		item, err := m.PopAsync(ctx)
		require.NoError(t, err)
		resultCh <- item
	}()

	select {
	case <-resultCh:
		t.Fatal("PopAsync returned before any item was pushed")
	case <-time.After(50 * time.Millisecond):
	}

	f1.push(mkItem(5, 1, 1, 0))

	select {
	case item := <-resultCh:
		require.Equal(t, int64(5), item.Key.BlockTimestamp)
	case <-time.After(time.Second):
		t.Fatal("PopAsync never woke up after push")
	}
}

// TestScenarioS6DynamicContractBackfill reproduces spec §8 S6: a chain
// at block 1000 registers a factory-deployed address discovered at
// block 500; the manager must back-fill [500,1000] and merge the
// decoded events into the aux heap at their correct ordering keys.
func TestScenarioS6DynamicContractBackfill(t *testing.T) {
	t.Parallel()

	f1 := newFakeFetcher(1)
	f1.latest = 1000
	f1.backfill = []fetcher.Item{
		mkItem(900, 1, 600, 0),
		mkItem(950, 1, 700, 0),
	}
	// The live stream already has a later item queued.
	f1.push(mkItem(1200, 1, 1001, 0))

	m := New(newTestRegistry(t), map[hyperindex.ChainID]Fetcher{1: f1})

	err := m.RegisterDynamicContract(context.Background(), 1, common.HexToAddress("0x12340000000000000000000000000000000000"), "Factory", 500)
	require.NoError(t, err)

	require.Equal(t, []common.Address{common.HexToAddress("0x12340000000000000000000000000000000000")}, f1.widened)
	require.Equal(t, 2, m.aux.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []int64
	for i := 0; i < 3; i++ {
		item, err := m.PopAsync(ctx)
		require.NoError(t, err)
		got = append(got, item.Key.BlockTimestamp)
	}

	require.True(t, sort.SliceIsSorted(got, func(i, j int) bool { return got[i] < got[j] }))
	require.Equal(t, []int64{900, 950, 1200}, got)
}

// TestRegisterDynamicContractSkipsBackfillWhenAlreadyCaughtUp covers the
// case where the registering event is at or beyond the chain's current
// fetch frontier: no back-fill is needed since future windows already
// widen to include the new address.
func TestRegisterDynamicContractSkipsBackfillWhenAlreadyCaughtUp(t *testing.T) {
	t.Parallel()

	f1 := newFakeFetcher(1)
	f1.latest = 100

	m := New(newTestRegistry(t), map[hyperindex.ChainID]Fetcher{1: f1})

	err := m.RegisterDynamicContract(context.Background(), 1, common.HexToAddress("0x12340000000000000000000000000000000000"), "Factory", 150)
	require.NoError(t, err)
	require.Equal(t, 0, m.aux.Len())
}

// TestRegisterDynamicContractUnknownChainIsFatal covers spec's
// UnknownChainError: registering against a chain id the manager has no
// fetcher for is a programmer error.
func TestRegisterDynamicContractUnknownChainIsFatal(t *testing.T) {
	t.Parallel()

	m := New(newTestRegistry(t), map[hyperindex.ChainID]Fetcher{})

	err := m.RegisterDynamicContract(context.Background(), 99, common.HexToAddress("0x12340000000000000000000000000000000000"), "Factory", 0)
	require.Error(t, err)
}

// TestMakeBatchSpansChains ensures MakeBatch pulls greedily from both
// PopAsync (to satisfy min) and PopSync (up to max) while preserving
// ordering.
func TestMakeBatchSpansChains(t *testing.T) {
	t.Parallel()

	f1 := newFakeFetcher(1)
	f2 := newFakeFetcher(2)
	f1.push(mkItem(10, 1, 1, 0))
	f2.push(mkItem(15, 2, 1, 0))
	f1.push(mkItem(25, 1, 2, 0))

	m := New(newTestRegistry(t), map[hyperindex.ChainID]Fetcher{1: f1, 2: f2})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	batch, err := m.MakeBatch(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.Equal(t, int64(10), batch[0].Key.BlockTimestamp)
	require.Equal(t, int64(15), batch[1].Key.BlockTimestamp)
	require.Equal(t, int64(25), batch[2].Key.BlockTimestamp)
}
