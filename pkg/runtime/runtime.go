// Package runtime implements the two-phase loader/handler runtime
// (component E): Load (declarative id collection, no I/O) -> bulk read
// (+ one-hop reference expansion) -> Handle (mutate the in-memory
// store via per-event contexts) -> hand-off to commit.
//
// Grounded on the teacher's eventprocessor/impl/eventprocessor.go
// runBlockQueries/executeEvent loop (open a batch, iterate events in
// order, execute each, then persist), generalized into explicit
// load/handle phases and loader-declared id sets per spec.md §4.E.
package runtime

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/manusoman/hyperindex/internal/hyperindex"
	"github.com/manusoman/hyperindex/pkg/decoder"
	"github.com/manusoman/hyperindex/pkg/fetcher"
	"github.com/manusoman/hyperindex/pkg/store"
)

// BulkReader is the durable-storage collaborator the load phase issues
// one bulk read per entity type against.
type BulkReader interface {
	BulkRead(ctx context.Context, typ hyperindex.EntityType, ids []hyperindex.EntityID) (map[hyperindex.EntityID]interface{}, error)
}

// Reference is a one-hop pointer from an already-loaded entity to
// another entity the handle phase will also need.
type Reference struct {
	Type hyperindex.EntityType
	ID   hyperindex.EntityID
}

// ReferenceExpanderFunc inspects a loaded entity and returns any
// referenced entities that should also be bulk-loaded. Deeper graphs
// than one hop are a documented limitation (spec.md §4.E).
type ReferenceExpanderFunc func(entity interface{}) []Reference

// Loader is the pure, declarative callback invoked once per event
// during the Load phase. It must not perform I/O.
type Loader func(lc *LoaderContext, item fetcher.Item)

// Handler mutates the in-memory store for one event via its context.
type Handler func(hc *HandlerContext, item fetcher.Item) error

type eventKey struct {
	contractType decoder.ContractType
	eventName    string
}

// Runtime dispatches decoded events to user-registered loader/handler
// pairs, keyed by (contract type, event name) -- the sum-type dispatch
// spec.md §9 calls for, without virtual dispatch.
type Runtime struct {
	log    zerolog.Logger
	reader BulkReader

	loaders      map[eventKey]Loader
	handlers     map[eventKey]Handler
	refExpanders map[hyperindex.EntityType]ReferenceExpanderFunc
}

// New constructs a Runtime backed by the given bulk reader.
func New(reader BulkReader) *Runtime {
	return &Runtime{
		log:          logger.With().Str("component", "runtime").Logger(),
		reader:       reader,
		loaders:      make(map[eventKey]Loader),
		handlers:     make(map[eventKey]Handler),
		refExpanders: make(map[hyperindex.EntityType]ReferenceExpanderFunc),
	}
}

// RegisterLoader wires the loader callback for one (contract type,
// event name) pair.
func (r *Runtime) RegisterLoader(contractType decoder.ContractType, eventName string, l Loader) {
	r.loaders[eventKey{contractType, eventName}] = l
}

// RegisterHandler wires the handler callback for one (contract type,
// event name) pair.
func (r *Runtime) RegisterHandler(contractType decoder.ContractType, eventName string, h Handler) {
	r.handlers[eventKey{contractType, eventName}] = h
}

// RegisterReferenceExpander wires the one-hop reference expansion rule
// for an entity type.
func (r *Runtime) RegisterReferenceExpander(typ hyperindex.EntityType, fn ReferenceExpanderFunc) {
	r.refExpanders[typ] = fn
}

// ProcessBatch runs the full load -> bulk read -> reference expansion
// -> handle pipeline over one globally-ordered batch of items, and
// returns the staged store ready to be handed to the commit engine.
func (r *Runtime) ProcessBatch(ctx context.Context, items []fetcher.Item) (*store.Store, error) {
	st := store.New()

	primary := newLoaderContext()
	for _, item := range items {
		loader, ok := r.loaders[eventKeyFor(item)]
		if !ok {
			continue
		}
		itemLC := newLoaderContext()
		loader(itemLC, item)
		primary.merge(itemLC)
	}

	if err := r.bulkReadInto(ctx, st, primary); err != nil {
		return nil, fmt.Errorf("bulk reading primary ids: %w", err)
	}

	refs := newLoaderContext()
	for typ, ids := range primary.uniqueIDSets() {
		expander, ok := r.refExpanders[typ]
		if !ok {
			continue
		}
		for _, id := range ids {
			entity, ok := st.Get(typ, id)
			if !ok {
				continue
			}
			for _, ref := range expander(entity) {
				refs.Load(ref.Type, ref.ID)
			}
		}
	}
	if err := r.bulkReadInto(ctx, st, refs); err != nil {
		return nil, fmt.Errorf("bulk reading one-hop references: %w", err)
	}

	for _, item := range items {
		// Every decoded event is persisted as a raw event regardless of
		// whether a handler is registered for it, so reprocessing never
		// needs to re-query the RPC endpoint (spec.md §8 invariant 5).
		st.SetRawEvent(item.Raw)

		handler, ok := r.handlers[eventKeyFor(item)]
		if !ok {
			continue
		}
		provenance := hyperindex.Provenance{ChainID: item.Key.ChainID, EventID: item.Raw.EventID}
		hc := newHandlerContext(st, provenance)
		if err := handler(hc, item); err != nil {
			return nil, fmt.Errorf("handling %s.%s (chain %d, event %s): %w",
				item.Decoded.ContractType, item.Decoded.EventName, item.Key.ChainID, item.Raw.EventID, err)
		}
	}

	return st, nil
}

func eventKeyFor(item fetcher.Item) eventKey {
	return eventKey{contractType: item.Decoded.ContractType, eventName: item.Decoded.EventName}
}

// bulkReadInto issues one concurrent BulkRead per entity type present
// in lc, then inserts all results into st sequentially -- the store
// itself is single-threaded and must never be mutated concurrently.
func (r *Runtime) bulkReadInto(ctx context.Context, st *store.Store, lc *LoaderContext) error {
	idSets := lc.uniqueIDSets()
	if len(idSets) == 0 {
		return nil
	}

	type bulkResult struct {
		typ      hyperindex.EntityType
		entities map[hyperindex.EntityID]interface{}
	}
	results := make([]bulkResult, len(idSets))

	g, gctx := errgroup.WithContext(ctx)
	i := 0
	for typ, ids := range idSets {
		idx, t, idList := i, typ, ids
		g.Go(func() error {
			entities, err := r.reader.BulkRead(gctx, t, idList)
			if err != nil {
				return fmt.Errorf("bulk reading entity type %s: %w", t, err)
			}
			results[idx] = bulkResult{typ: t, entities: entities}
			return nil
		})
		i++
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, res := range results {
		for id, entity := range res.entities {
			st.Set(res.typ, id, entity, hyperindex.Read, hyperindex.Provenance{})
		}
	}
	return nil
}
