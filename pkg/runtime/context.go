package runtime

import (
	"github.com/manusoman/hyperindex/internal/hyperindex"
	"github.com/manusoman/hyperindex/pkg/store"
)

// LoaderContext is handed to every event's loader callback during the
// Load phase. Loaders are pure and declarative: they record which ids
// they'll need by entity type, and never touch durable storage
// directly. No I/O happens here.
type LoaderContext struct {
	ids map[hyperindex.EntityType]map[hyperindex.EntityID]struct{}
}

func newLoaderContext() *LoaderContext {
	return &LoaderContext{ids: make(map[hyperindex.EntityType]map[hyperindex.EntityID]struct{})}
}

// Load declares that the upcoming Handle phase will need entity (typ,
// id) loaded ahead of time from durable storage.
func (lc *LoaderContext) Load(typ hyperindex.EntityType, id hyperindex.EntityID) {
	set, ok := lc.ids[typ]
	if !ok {
		set = make(map[hyperindex.EntityID]struct{})
		lc.ids[typ] = set
	}
	set[id] = struct{}{}
}

func (lc *LoaderContext) merge(other *LoaderContext) {
	for typ, ids := range other.ids {
		for id := range ids {
			lc.Load(typ, id)
		}
	}
}

func (lc *LoaderContext) uniqueIDSets() map[hyperindex.EntityType][]hyperindex.EntityID {
	out := make(map[hyperindex.EntityType][]hyperindex.EntityID, len(lc.ids))
	for typ, set := range lc.ids {
		ids := make([]hyperindex.EntityID, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		out[typ] = ids
	}
	return out
}

// HandlerContext is handed to every event's handler callback during the
// Handle phase. Its getters only ever see entities the loader phase
// already requested -- a handler that reaches for an id nobody loaded
// gets a miss, by design, so read I/O stays bulk-able.
type HandlerContext struct {
	store      *store.Store
	provenance hyperindex.Provenance
}

func newHandlerContext(s *store.Store, provenance hyperindex.Provenance) *HandlerContext {
	return &HandlerContext{store: s, provenance: provenance}
}

// Get returns the previously-loaded (or already-handled-this-batch)
// entity for (typ, id), or (nil, false) if it was never loaded, was
// deleted, or doesn't exist in durable storage.
func (hc *HandlerContext) Get(typ hyperindex.EntityType, id hyperindex.EntityID) (interface{}, bool) {
	return hc.store.Get(typ, id)
}

// Insert stages a new entity. A second Insert on the same id within the
// batch (after any prior state) folds to Update, since the handler
// cannot know the entity already exists.
func (hc *HandlerContext) Insert(typ hyperindex.EntityType, id hyperindex.EntityID, entity interface{}) {
	hc.store.Set(typ, id, entity, hyperindex.Create, hc.provenance)
}

// Update stages a mutation to an existing entity.
func (hc *HandlerContext) Update(typ hyperindex.EntityType, id hyperindex.EntityID, entity interface{}) {
	hc.store.Set(typ, id, entity, hyperindex.Update, hc.provenance)
}

// Delete stages removal of an entity.
func (hc *HandlerContext) Delete(typ hyperindex.EntityType, id hyperindex.EntityID) {
	hc.store.Delete(typ, id, hc.provenance)
}

// RegisterDynamicContract stages a dynamic contract registration,
// discovered by this handler while processing its event.
func (hc *HandlerContext) RegisterDynamicContract(reg hyperindex.DynamicContract) {
	hc.store.SetDynamicContract(reg)
}
