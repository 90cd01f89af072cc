package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/manusoman/hyperindex/internal/hyperindex"
	"github.com/manusoman/hyperindex/pkg/decoder"
	"github.com/manusoman/hyperindex/pkg/fetcher"
)

const (
	entityGravatar hyperindex.EntityType = "Gravatar"
	entityAccount  hyperindex.EntityType = "Account"
	entityProfile  hyperindex.EntityType = "Profile"
)

type gravatar struct {
	ID           string
	Owner        string
	DisplayName  string
	UpdatesCount int
}

type account struct {
	ID        string
	ProfileID string
}

type profile struct {
	ID   string
	Bio  string
}

// fakeBulkReader serves canned seed data, grounded on the teacher's
// in-memory sqlstore test fixtures.
type fakeBulkReader struct {
	seed map[hyperindex.EntityType]map[hyperindex.EntityID]interface{}
}

func (f *fakeBulkReader) BulkRead(ctx context.Context, typ hyperindex.EntityType, ids []hyperindex.EntityID) (map[hyperindex.EntityID]interface{}, error) {
	out := make(map[hyperindex.EntityID]interface{})
	byType := f.seed[typ]
	for _, id := range ids {
		if v, ok := byType[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func itemFor(contractType decoder.ContractType, eventName string, chainID hyperindex.ChainID, blockNumber int64, logIndex uint) fetcher.Item {
	return fetcher.Item{
		Key: hyperindex.OrderingKey{BlockTimestamp: 100, ChainID: chainID, BlockNumber: blockNumber, LogIndex: logIndex},
		Decoded: decoder.DecodedEvent{
			ContractType: contractType,
			EventName:    eventName,
		},
		Raw: hyperindex.RawEvent{
			ChainID:     chainID,
			EventID:     hyperindex.EventID("evt"),
			BlockNumber: blockNumber,
			LogIndex:    logIndex,
		},
	}
}

// TestProcessBatchLoadBulkReadHandle exercises the full load -> bulk
// read -> handle pipeline, loosely mirroring spec §8 S1's gravatar
// update scenario.
func TestProcessBatchLoadBulkReadHandle(t *testing.T) {
	t.Parallel()

	reader := &fakeBulkReader{seed: map[hyperindex.EntityType]map[hyperindex.EntityID]interface{}{
		entityGravatar: {
			"1001": &gravatar{ID: "1001", Owner: "0x123", DisplayName: "d1", UpdatesCount: 1},
			"1002": &gravatar{ID: "1002", Owner: "0x456", DisplayName: "d2", UpdatesCount: 1},
		},
	}}

	rt := New(reader)
	rt.RegisterLoader("GravatarRegistry", "UpdatedGravatar", func(lc *LoaderContext, item fetcher.Item) {
		lc.Load(entityGravatar, hyperindex.EntityID(item.Raw.EventID))
	})
	rt.RegisterHandler("GravatarRegistry", "UpdatedGravatar", func(hc *HandlerContext, item fetcher.Item) error {
		id := hyperindex.EntityID(item.Raw.EventID)
		raw, ok := hc.Get(entityGravatar, id)
		require.True(t, ok)
		g := raw.(*gravatar)
		updated := *g
		updated.UpdatesCount++
		hc.Update(entityGravatar, id, &updated)
		return nil
	})

	item1001 := itemFor("GravatarRegistry", "UpdatedGravatar", 1, 1, 0)
	item1001.Raw.EventID = "1001"
	item1002 := itemFor("GravatarRegistry", "UpdatedGravatar", 1, 1, 1)
	item1002.Raw.EventID = "1002"

	st, err := rt.ProcessBatch(context.Background(), []fetcher.Item{item1001, item1002})
	require.NoError(t, err)

	rows := st.Rows(entityGravatar)
	require.Len(t, rows, 2)
	require.Equal(t, hyperindex.Update, rows["1001"].CRUD)
	require.Equal(t, 2, rows["1001"].Entity.(*gravatar).UpdatesCount)
	require.Equal(t, hyperindex.Update, rows["1002"].CRUD)
	require.Equal(t, 2, rows["1002"].Entity.(*gravatar).UpdatesCount)
}

// TestReferenceExpansionOneHop covers spec §4.E's one-relational-hop
// reference expansion: loading an Account pulls in its referenced
// Profile automatically, without the handler declaring it explicitly.
func TestReferenceExpansionOneHop(t *testing.T) {
	t.Parallel()

	reader := &fakeBulkReader{seed: map[hyperindex.EntityType]map[hyperindex.EntityID]interface{}{
		entityAccount: {
			"acc1": &account{ID: "acc1", ProfileID: "prof1"},
		},
		entityProfile: {
			"prof1": &profile{ID: "prof1", Bio: "hello"},
		},
	}}

	rt := New(reader)
	rt.RegisterReferenceExpander(entityAccount, func(entity interface{}) []Reference {
		a := entity.(*account)
		return []Reference{{Type: entityProfile, ID: hyperindex.EntityID(a.ProfileID)}}
	})
	rt.RegisterLoader("Wallet", "Touched", func(lc *LoaderContext, item fetcher.Item) {
		lc.Load(entityAccount, "acc1")
	})

	var sawBio string
	rt.RegisterHandler("Wallet", "Touched", func(hc *HandlerContext, item fetcher.Item) error {
		p, ok := hc.Get(entityProfile, "prof1")
		require.True(t, ok, "one-hop reference expansion should have pre-loaded the profile")
		sawBio = p.(*profile).Bio
		return nil
	})

	item := itemFor("Wallet", "Touched", 1, 1, 0)
	_, err := rt.ProcessBatch(context.Background(), []fetcher.Item{item})
	require.NoError(t, err)
	require.Equal(t, "hello", sawBio)
}

// TestHandlerErrorPropagates ensures a handler failure surfaces from
// ProcessBatch with event context rather than being swallowed.
func TestHandlerErrorPropagates(t *testing.T) {
	t.Parallel()

	reader := &fakeBulkReader{seed: map[hyperindex.EntityType]map[hyperindex.EntityID]interface{}{}}
	rt := New(reader)
	rt.RegisterHandler("Wallet", "Touched", func(hc *HandlerContext, item fetcher.Item) error {
		return errors.New("boom")
	})

	item := itemFor("Wallet", "Touched", 1, 1, 0)
	_, err := rt.ProcessBatch(context.Background(), []fetcher.Item{item})
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

// TestUnregisteredEventIsSkipped ensures events with no registered
// loader/handler still get persisted as raw events (so reprocessing
// never needs to re-query the RPC endpoint), even though no entity is
// staged.
func TestUnregisteredEventIsSkipped(t *testing.T) {
	t.Parallel()

	reader := &fakeBulkReader{seed: map[hyperindex.EntityType]map[hyperindex.EntityID]interface{}{}}
	rt := New(reader)

	item := itemFor("Unknown", "Whatever", 1, 1, 0)
	st, err := rt.ProcessBatch(context.Background(), []fetcher.Item{item})
	require.NoError(t, err)
	require.Empty(t, st.EntityTypes())
	require.Len(t, st.RawEvents(), 1)
}
