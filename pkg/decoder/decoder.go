// Package decoder implements the event decoder registry (component A):
// it maps (contract address, chain id, topic) to a typed, decoded event
// variant. It is immutable after construction except for the dynamic
// contract registrar's pure addition of a new address for an existing
// contract type.
package decoder

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/manusoman/hyperindex/internal/hyperindex"
)

// ContractType names a contract schema (e.g. "ERC20", "GravatarRegistry")
// as declared by the code generator. One contract type may have many
// deployed addresses, across one or more chains.
type ContractType string

// EventVariant describes one event declared on a contract type: its name
// and the Go struct the generator produced to unmarshal it into (the
// struct embeds an ABI-indexed/non-indexed field set plus go-ethereum's
// conventional `Raw types.Log` field).
type EventVariant struct {
	ContractType ContractType
	Name         string
	GoType       reflect.Type
}

// ContractSpec is one (contract, abi, events-of-interest) registration
// supplied by the generator for one chain.
type ContractSpec struct {
	ChainID      hyperindex.ChainID
	Address      common.Address
	ContractType ContractType
	ABI          *abi.ABI
	Events       []EventVariant
}

// DecodedEvent is a successfully decoded log: the typed event value plus
// enough raw context to build a RawEvent and a Provenance.
type DecodedEvent struct {
	ContractType ContractType
	EventName    string
	Value        interface{}
	Log          types.Log
}

type registryKey struct {
	chainID hyperindex.ChainID
	address common.Address
	topic0  common.Hash
}

type registryEntry struct {
	contractType ContractType
	eventName    string
	goType       reflect.Type
}

type chainContractKey struct {
	chainID      hyperindex.ChainID
	contractType ContractType
}

// Registry maps (chain id, contract address, topic) to a decode
// descriptor, grounded on the teacher's SupportedEvents
// map[EventType]reflect.Type plus its EventFeed.parseEvent/
// getTopicsForEventTypes ABI-unpack mechanics.
type Registry struct {
	log zerolog.Logger

	mu      sync.RWMutex
	entries map[registryKey]registryEntry
	abis    map[chainContractKey]*abi.ABI

	mSkippedTopics func(contractType ContractType)
}

// Option configures registry construction.
type Option func(*Registry)

// WithSkippedTopicMetric wires a callback invoked whenever Decode sees a
// topic it has no mapping for, so unknown-topic events are counted in
// metrics rather than silently vanishing (spec §4.A).
func WithSkippedTopicMetric(f func(contractType ContractType)) Option {
	return func(r *Registry) { r.mSkippedTopics = f }
}

// New builds an immutable registry from the generator-supplied contract
// specs.
func New(specs []ContractSpec, opts ...Option) (*Registry, error) {
	r := &Registry{
		log:     logger.With().Str("component", "decoder").Logger(),
		entries: make(map[registryKey]registryEntry),
		abis:    make(map[chainContractKey]*abi.ABI),
	}
	for _, o := range opts {
		o(r)
	}
	for _, spec := range specs {
		if err := r.addSpec(spec); err != nil {
			return nil, fmt.Errorf("registering contract spec for %s on chain %d: %w", spec.Address, spec.ChainID, err)
		}
	}
	return r, nil
}

func (r *Registry) addSpec(spec ContractSpec) error {
	r.abis[chainContractKey{chainID: spec.ChainID, contractType: spec.ContractType}] = spec.ABI
	for _, ev := range spec.Events {
		descr, ok := spec.ABI.Events[ev.Name]
		if !ok {
			return fmt.Errorf("event %q not found in ABI for contract type %s", ev.Name, spec.ContractType)
		}
		key := registryKey{chainID: spec.ChainID, address: spec.Address, topic0: descr.ID}
		r.entries[key] = registryEntry{
			contractType: spec.ContractType,
			eventName:    ev.Name,
			goType:       ev.GoType,
		}
	}
	return nil
}

// RegisterContract performs the one mutation the registry supports after
// construction: adding a new address for an already-known contract type
// on a chain. It is a pure addition -- it never removes or overwrites an
// existing (chainID, address, topic) mapping.
func (r *Registry) RegisterContract(chainID hyperindex.ChainID, address common.Address, contractType ContractType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	scABI, ok := r.abis[chainContractKey{chainID: chainID, contractType: contractType}]
	if !ok {
		return fmt.Errorf("unknown contract type %s on chain %d", contractType, chainID)
	}
	for name, descr := range scABI.Events {
		key := registryKey{chainID: chainID, address: address, topic0: descr.ID}
		if _, exists := r.entries[key]; exists {
			continue
		}
		goType, ok := r.goTypeForLocked(contractType, name)
		if !ok {
			// Not every ABI event is necessarily one the generator cares
			// about; only register the ones we already have a variant for.
			continue
		}
		r.entries[key] = registryEntry{contractType: contractType, eventName: name, goType: goType}
	}
	return nil
}

// goTypeForLocked requires r.mu to be held (for reading or writing) by the
// caller.
func (r *Registry) goTypeForLocked(contractType ContractType, eventName string) (reflect.Type, bool) {
	for _, e := range r.entries {
		if e.contractType == contractType && e.eventName == eventName {
			return e.goType, true
		}
	}
	return nil, false
}

// Decode resolves a log's (address, topic0) to its registered variant and
// unpacks it. It returns (nil, false, nil) for an unknown topic -- spec §4.A
// requires this to be silently skipped by the caller and counted in
// metrics, not treated as an error.
func (r *Registry) Decode(chainID hyperindex.ChainID, l types.Log) (*DecodedEvent, bool, error) {
	if len(l.Topics) == 0 {
		return nil, false, nil
	}

	r.mu.RLock()
	key := registryKey{chainID: chainID, address: l.Address, topic0: l.Topics[0]}
	entry, ok := r.entries[key]
	var scABI *abi.ABI
	if ok {
		scABI = r.abis[chainContractKey{chainID: chainID, contractType: entry.contractType}]
	}
	r.mu.RUnlock()

	if !ok {
		if r.mSkippedTopics != nil {
			r.mSkippedTopics("")
		}
		r.log.Debug().
			Int64("chain_id", int64(chainID)).
			Str("address", l.Address.Hex()).
			Str("topic0", l.Topics[0].Hex()).
			Msg("skipping unknown topic")
		return nil, false, nil
	}

	descr, err := scABI.EventByID(l.Topics[0])
	if err != nil {
		return nil, false, fmt.Errorf("resolving event descriptor for known topic %s: %w", l.Topics[0], err)
	}

	i := reflect.New(entry.goType).Interface()
	if len(l.Data) > 0 {
		if err := scABI.UnpackIntoInterface(i, descr.Name, l.Data); err != nil {
			return nil, false, fmt.Errorf("unpacking non-indexed fields of %s: %w", descr.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range descr.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(l.Topics) > 1 {
		if err := abi.ParseTopics(i, indexed, l.Topics[1:]); err != nil {
			return nil, false, fmt.Errorf("unpacking indexed fields of %s: %w", descr.Name, err)
		}
	}

	return &DecodedEvent{
		ContractType: entry.contractType,
		EventName:    entry.eventName,
		Value:        i,
		Log:          l,
	}, true, nil
}
