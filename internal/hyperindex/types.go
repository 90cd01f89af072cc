// Package hyperindex holds the domain vocabulary shared by every indexing
// core component: chain and entity identifiers, the CRUD tag, the global
// ordering key, and the staged/raw record shapes that flow between the
// fetcher, the chain manager, the in-memory store, and the commit engine.
package hyperindex

import "fmt"

// ChainID identifies a blockchain network (e.g. 1 for Ethereum mainnet).
type ChainID int64

// EntityType names a user-declared entity schema. Each entity type has an
// independent id namespace.
type EntityType string

// EntityID is the mandatory string identifier of an entity instance.
type EntityID string

// EventID is the provider-supplied unique identifier of a log within a
// chain (the fetcher builds it as "<block_number>_<log_index>").
type EventID string

// CRUD is one of {None, Create, Read, Update, Delete}. None only appears
// as the "no staged row yet" starting state; it is never itself staged.
type CRUD int

const (
	// NoCRUD means "not present" -- there is no staged row for this id.
	NoCRUD CRUD = iota
	Create
	Read
	Update
	Delete
)

func (c CRUD) String() string {
	switch c {
	case NoCRUD:
		return "None"
	case Create:
		return "Create"
	case Read:
		return "Read"
	case Update:
		return "Update"
	case Delete:
		return "Delete"
	default:
		return fmt.Sprintf("CRUD(%d)", int(c))
	}
}

// FoldCRUD composes a newly reported tag onto the current one, per the
// fold table in spec §3. `prev` is NoCRUD when nothing is staged yet.
//
// A later Read never downgrades an already-staged mutation -- it just
// confirms the entity's current value, so `prev` wins. An Update on a
// row staged as Create keeps Create, since the entity is still new to
// durable storage. A Create after any prior state folds to Update, since
// the handler couldn't have known the entity already existed. Every
// other combination keeps `next`.
func FoldCRUD(prev, next CRUD) CRUD {
	if prev == NoCRUD {
		return next
	}
	if next == Read {
		return prev
	}
	if next == Create {
		return Update
	}
	if prev == Create && next == Update {
		return Create
	}
	return next
}

// Provenance ties a staged row back to the event that produced it, for
// diagnostics (log fields, error context).
type Provenance struct {
	ChainID ChainID
	EventID EventID
}

// OrderingKey is the global chronological sort key: (block_timestamp,
// chain_id, block_number, log_index), lexicographic ascending. ChainID
// tie-breaks cross-chain timestamp collisions deterministically;
// BlockNumber/LogIndex tie-break same-chain collisions (which, given a
// monotonic per-chain fetch order, should not occur except via the aux
// heap merging injected events).
type OrderingKey struct {
	BlockTimestamp int64
	ChainID        ChainID
	BlockNumber    int64
	LogIndex       uint
}

// Less reports whether k is strictly earlier than other.
func (k OrderingKey) Less(other OrderingKey) bool {
	if k.BlockTimestamp != other.BlockTimestamp {
		return k.BlockTimestamp < other.BlockTimestamp
	}
	if k.ChainID != other.ChainID {
		return k.ChainID < other.ChainID
	}
	if k.BlockNumber != other.BlockNumber {
		return k.BlockNumber < other.BlockNumber
	}
	return k.LogIndex < other.LogIndex
}

// RawEvent is the persisted, provider-agnostic shape of a single decoded
// log, kept so reprocessing never needs to re-query the RPC endpoint.
type RawEvent struct {
	ChainID         ChainID
	EventID         EventID
	BlockNumber     int64
	BlockTimestamp  int64
	BlockHash       string
	TxHash          string
	TxIndex         uint
	LogIndex        uint
	ContractAddress string
	EventName       string
	RawParamsJSON   []byte
}

// DynamicContract is a contract registered mid-run by a handler, which
// becomes a fetch target for subsequent (and optionally back-filled)
// blocks on its chain.
type DynamicContract struct {
	ChainID             ChainID
	ContractAddress     string
	ContractType        string
	RegisteringEventID  EventID
	RegisteringBlockNum int64
}
