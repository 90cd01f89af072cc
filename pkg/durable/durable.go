// Package durable implements the SQL collaborator the commit engine
// and runtime bulk reader are written against, plus a concrete SQLite
// adapter. Entities are generic (interface{} at this layer -- no
// codegen exists in this core), so they're persisted as JSON blobs
// keyed by (entity_type, entity_id), using the same jsoniter
// Raw-field-omission idiom the teacher's eventfeed uses for its
// auto-generated Contract* event structs.
package durable

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/XSAM/otelsql"
	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/manusoman/hyperindex/internal/hyperindex"
)

var jsonCfg = func() jsoniter.API {
	cfg := jsoniter.Config{}.Froze()
	cfg.RegisterExtension(&omitRawFieldExtension{})
	return cfg
}()

// omitRawFieldExtension strips any field literally named "Raw" from JSON
// output, the same trick the teacher's eventfeed uses to keep
// go-ethereum's auto-generated `Raw types.Log` field out of persisted
// event JSON.
type omitRawFieldExtension struct {
	jsoniter.DummyExtension
}

func (e *omitRawFieldExtension) UpdateStructDescriptor(sd *jsoniter.StructDescriptor) {
	if binding := sd.GetField("Raw"); binding != nil {
		binding.ToNames = []string{}
	}
}

// Store is the durable-storage collaborator: checkpoint persistence,
// bulk entity reads, and (via Tx) the transactional writes the commit
// engine issues per batch.
type Store struct {
	log zerolog.Logger
	db  *sql.DB
}

// Open connects to, migrates, and wraps a SQLite database at dbURI.
func Open(dbURI string) (*Store, error) {
	if err := runMigrations(dbURI); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	db, err := otelsql.Open("sqlite3", dbURI, otelsql.WithAttributes(
		attribute.String("name", "hyperindex-durable"),
	))
	if err != nil {
		return nil, fmt.Errorf("connecting to db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(
		attribute.String("name", "hyperindex-durable"),
	)); err != nil {
		return nil, fmt.Errorf("registering dbstats: %w", err)
	}

	return &Store{
		log: logger.With().Str("component", "durable").Logger(),
		db:  db,
	}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// BulkRead implements runtime.BulkReader: one SELECT ... WHERE id IN
// (...) per call, unmarshaling each row's JSON blob back into a
// generic map.
func (s *Store) BulkRead(ctx context.Context, typ hyperindex.EntityType, ids []hyperindex.EntityID) (map[hyperindex.EntityID]interface{}, error) {
	out := make(map[hyperindex.EntityID]interface{}, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]interface{}, 0, len(ids)+1)
	placeholders = append(placeholders, string(typ))
	query := "SELECT entity_id, data FROM entities WHERE entity_type = ? AND entity_id IN ("
	for i, id := range ids {
		if i > 0 {
			query += ", "
		}
		query += "?"
		placeholders = append(placeholders, string(id))
	}
	query += ")"

	rows, err := s.db.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, fmt.Errorf("bulk reading entity type %s: %w", typ, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scanning bulk read row: %w", err)
		}
		var entity interface{}
		if err := jsonCfg.Unmarshal(data, &entity); err != nil {
			return nil, fmt.Errorf("unmarshaling entity %s/%s: %w", typ, id, err)
		}
		out[hyperindex.EntityID(id)] = entity
	}
	return out, rows.Err()
}

// Checkpoint returns the latest processed block number for chainID, or
// -1 if the chain has never been committed.
func (s *Store) Checkpoint(ctx context.Context, chainID hyperindex.ChainID) (int64, error) {
	row := s.db.QueryRowContext(ctx, "SELECT latest_processed_block FROM checkpoints WHERE chain_id = ?", int64(chainID))
	var block int64
	if err := row.Scan(&block); err != nil {
		if err == sql.ErrNoRows {
			return -1, nil
		}
		return 0, fmt.Errorf("reading checkpoint for chain %d: %w", chainID, err)
	}
	return block, nil
}

// Begin opens a new serializable transaction scope for the commit
// engine, grounded on the teacher executor's NewBlockScope.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("opening db transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Tx scopes all the writes one commit performs to a single SQL
// transaction.
type Tx struct {
	tx *sql.Tx
}

// Commit finalizes the transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback aborts the transaction. Safe to call after Commit; the
// resulting sql.ErrTxDone is swallowed.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// Upsert writes or replaces one entity's JSON blob.
func (t *Tx) Upsert(ctx context.Context, typ hyperindex.EntityType, id hyperindex.EntityID, entity interface{}) error {
	data, err := jsonCfg.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshaling entity %s/%s: %w", typ, id, err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO entities (entity_type, entity_id, data) VALUES (?, ?, ?)
		 ON CONFLICT (entity_type, entity_id) DO UPDATE SET data = excluded.data`,
		string(typ), string(id), data)
	if err != nil {
		return fmt.Errorf("upserting entity %s/%s: %w", typ, id, err)
	}
	return nil
}

// Delete removes one entity row.
func (t *Tx) Delete(ctx context.Context, typ hyperindex.EntityType, id hyperindex.EntityID) error {
	_, err := t.tx.ExecContext(ctx, "DELETE FROM entities WHERE entity_type = ? AND entity_id = ?", string(typ), string(id))
	if err != nil {
		return fmt.Errorf("deleting entity %s/%s: %w", typ, id, err)
	}
	return nil
}

// PersistRawEvent writes or replaces one raw event row.
func (t *Tx) PersistRawEvent(ctx context.Context, ev hyperindex.RawEvent) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO raw_events (
			chain_id, event_id, block_number, block_timestamp, block_hash,
			tx_hash, tx_index, log_index, contract_address, event_name, raw_params_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain_id, event_id) DO UPDATE SET
			block_number = excluded.block_number,
			block_timestamp = excluded.block_timestamp,
			block_hash = excluded.block_hash,
			tx_hash = excluded.tx_hash,
			tx_index = excluded.tx_index,
			log_index = excluded.log_index,
			contract_address = excluded.contract_address,
			event_name = excluded.event_name,
			raw_params_json = excluded.raw_params_json`,
		int64(ev.ChainID), string(ev.EventID), ev.BlockNumber, ev.BlockTimestamp, ev.BlockHash,
		ev.TxHash, ev.TxIndex, ev.LogIndex, ev.ContractAddress, ev.EventName, ev.RawParamsJSON,
	)
	if err != nil {
		return fmt.Errorf("persisting raw event %d/%s: %w", ev.ChainID, ev.EventID, err)
	}
	return nil
}

// PersistDynamicContract writes or replaces one dynamic contract
// registration row.
func (t *Tx) PersistDynamicContract(ctx context.Context, reg hyperindex.DynamicContract) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO dynamic_contracts (
			chain_id, contract_address, contract_type, registering_event_id, registering_block_num
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chain_id, contract_address) DO UPDATE SET
			contract_type = excluded.contract_type,
			registering_event_id = excluded.registering_event_id,
			registering_block_num = excluded.registering_block_num`,
		int64(reg.ChainID), reg.ContractAddress, reg.ContractType, string(reg.RegisteringEventID), reg.RegisteringBlockNum,
	)
	if err != nil {
		return fmt.Errorf("persisting dynamic contract %d/%s: %w", reg.ChainID, reg.ContractAddress, err)
	}
	return nil
}

// SetCheckpoint advances the chain's latest processed block. The
// commit engine is responsible for ensuring newBlock never regresses.
func (t *Tx) SetCheckpoint(ctx context.Context, chainID hyperindex.ChainID, newBlock int64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO checkpoints (chain_id, latest_processed_block) VALUES (?, ?)
		ON CONFLICT (chain_id) DO UPDATE SET latest_processed_block = excluded.latest_processed_block`,
		int64(chainID), newBlock)
	if err != nil {
		return fmt.Errorf("advancing checkpoint for chain %d: %w", chainID, err)
	}
	return nil
}

// Checkpoint reads the latest processed block within this transaction's
// view, used by the commit engine to verify non-regression before
// advancing.
func (t *Tx) Checkpoint(ctx context.Context, chainID hyperindex.ChainID) (int64, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT latest_processed_block FROM checkpoints WHERE chain_id = ?", int64(chainID))
	var block int64
	if err := row.Scan(&block); err != nil {
		if err == sql.ErrNoRows {
			return -1, nil
		}
		return 0, fmt.Errorf("reading checkpoint for chain %d: %w", chainID, err)
	}
	return block, nil
}
