// Package store implements the in-memory, write-back entity store: one
// namespace per entity type plus raw events and the dynamic contract
// registry, each a keyed map of staged rows with CRUD folding. The store
// is created empty per batch, mutated exclusively through handler
// contexts, read by the commit engine, then reset. It is single-threaded
// within a batch -- no locking.
package store

import (
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/manusoman/hyperindex/internal/hyperindex"
)

// Row is a staged entity: the folded CRUD tag, the current value (after
// a Delete, the previously-known value, or nil if none was staged), and
// the provenance of the last write.
type Row struct {
	CRUD       hyperindex.CRUD
	Entity     interface{}
	Provenance hyperindex.Provenance
}

type namespace map[hyperindex.EntityID]*Row

// Store is the per-batch staging area for entity mutations.
type Store struct {
	log zerolog.Logger

	namespaces  map[hyperindex.EntityType]namespace
	rawEvents   map[rawEventKey]*rawEventRow
	dynamicRegs map[dynamicRegKey]*dynamicRegRow
}

type rawEventKey struct {
	chainID hyperindex.ChainID
	eventID hyperindex.EventID
}

type rawEventRow struct {
	crud  hyperindex.CRUD
	event hyperindex.RawEvent
}

type dynamicRegKey struct {
	chainID hyperindex.ChainID
	address string
}

type dynamicRegRow struct {
	crud hyperindex.CRUD
	reg  hyperindex.DynamicContract
}

// New returns an empty store.
func New() *Store {
	return &Store{
		log:         logger.With().Str("component", "store").Logger(),
		namespaces:  make(map[hyperindex.EntityType]namespace),
		rawEvents:   make(map[rawEventKey]*rawEventRow),
		dynamicRegs: make(map[dynamicRegKey]*dynamicRegRow),
	}
}

// Get returns the staged entity for (typ, id), or (nil, false) if it was
// never staged or was staged as a Delete. Reads see the handler's own
// uncommitted writes within the batch.
func (s *Store) Get(typ hyperindex.EntityType, id hyperindex.EntityID) (interface{}, bool) {
	ns, ok := s.namespaces[typ]
	if !ok {
		return nil, false
	}
	row, ok := ns[id]
	if !ok || row.CRUD == hyperindex.Delete {
		return nil, false
	}
	return row.Entity, true
}

// Set folds `next` with the existing row's tag (per the CRUD fold
// table) and overwrites the staged entity value.
func (s *Store) Set(
	typ hyperindex.EntityType,
	id hyperindex.EntityID,
	entity interface{},
	next hyperindex.CRUD,
	provenance hyperindex.Provenance,
) {
	ns, ok := s.namespaces[typ]
	if !ok {
		ns = make(namespace)
		s.namespaces[typ] = ns
	}
	row, exists := ns[id]
	prev := hyperindex.NoCRUD
	if exists {
		prev = row.CRUD
	}
	folded := hyperindex.FoldCRUD(prev, next)
	if prev != hyperindex.NoCRUD && next == hyperindex.Create && folded != next {
		s.log.Warn().
			Str("entity_type", string(typ)).
			Str("entity_id", string(id)).
			Str("prev_crud", prev.String()).
			Msg("observed Create after a prior staged state; folding to Update since existence is ambiguous")
	}
	if !exists {
		row = &Row{}
		ns[id] = row
	}
	row.CRUD = folded
	row.Entity = entity
	row.Provenance = provenance
}

// Delete stages a Delete, folding with any existing tag, keeping the
// previously-known entity value (or nil if it was never staged).
func (s *Store) Delete(typ hyperindex.EntityType, id hyperindex.EntityID, provenance hyperindex.Provenance) {
	ns, ok := s.namespaces[typ]
	var prevEntity interface{}
	if ok {
		if row, exists := ns[id]; exists {
			prevEntity = row.Entity
		}
	}
	s.Set(typ, id, prevEntity, hyperindex.Delete, provenance)
}

// EntityTypes returns the entity types that currently have at least one
// staged row.
func (s *Store) EntityTypes() []hyperindex.EntityType {
	types := make([]hyperindex.EntityType, 0, len(s.namespaces))
	for t := range s.namespaces {
		types = append(types, t)
	}
	return types
}

// Rows returns a snapshot of the staged rows for one entity type.
func (s *Store) Rows(typ hyperindex.EntityType) map[hyperindex.EntityID]Row {
	ns, ok := s.namespaces[typ]
	if !ok {
		return nil
	}
	out := make(map[hyperindex.EntityID]Row, len(ns))
	for id, row := range ns {
		out[id] = *row
	}
	return out
}

// SetRawEvent stages a raw event record, keyed by (chain_id, event_id).
// Raw events and the dynamic-contract registry share the same store and
// survive the same commit boundary as regular entities.
func (s *Store) SetRawEvent(ev hyperindex.RawEvent) {
	key := rawEventKey{chainID: ev.ChainID, eventID: ev.EventID}
	row, exists := s.rawEvents[key]
	prev := hyperindex.NoCRUD
	if exists {
		prev = row.crud
	}
	if !exists {
		row = &rawEventRow{}
		s.rawEvents[key] = row
	}
	row.crud = hyperindex.FoldCRUD(prev, hyperindex.Create)
	row.event = ev
}

// RawEvents returns a snapshot of all staged raw events.
func (s *Store) RawEvents() []hyperindex.RawEvent {
	out := make([]hyperindex.RawEvent, 0, len(s.rawEvents))
	for _, row := range s.rawEvents {
		if row.crud == hyperindex.Delete {
			continue
		}
		out = append(out, row.event)
	}
	return out
}

// SetDynamicContract stages a dynamic contract registration, keyed by
// (chain_id, address).
func (s *Store) SetDynamicContract(reg hyperindex.DynamicContract) {
	key := dynamicRegKey{chainID: reg.ChainID, address: reg.ContractAddress}
	row, exists := s.dynamicRegs[key]
	prev := hyperindex.NoCRUD
	if exists {
		prev = row.crud
	}
	if !exists {
		row = &dynamicRegRow{}
		s.dynamicRegs[key] = row
	}
	row.crud = hyperindex.FoldCRUD(prev, hyperindex.Create)
	row.reg = reg
}

// DynamicContracts returns a snapshot of all staged dynamic contract
// registrations.
func (s *Store) DynamicContracts() []hyperindex.DynamicContract {
	out := make([]hyperindex.DynamicContract, 0, len(s.dynamicRegs))
	for _, row := range s.dynamicRegs {
		if row.crud == hyperindex.Delete {
			continue
		}
		out = append(out, row.reg)
	}
	return out
}

// Reset clears all namespaces, preparing the store for the next batch.
func (s *Store) Reset() {
	s.namespaces = make(map[hyperindex.EntityType]namespace)
	s.rawEvents = make(map[rawEventKey]*rawEventRow)
	s.dynamicRegs = make(map[dynamicRegKey]*dynamicRegRow)
}
