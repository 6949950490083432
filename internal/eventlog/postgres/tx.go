package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/wolfeidau/sessiond/internal/eventlog"
)

type recordChange struct {
	table    string
	id       string
	value    json.RawMessage
	previous json.RawMessage
}

// pgTx exposes derived-record mutations to appliers inside the append
// transaction. Rows are locked on read so concurrent appends to the same
// record serialize at the database.
type pgTx struct {
	log     *Log
	dbtx    pgx.Tx
	changes []recordChange
}

func (tx *pgTx) Get(ctx context.Context, table, id string) (json.RawMessage, error) {
	if err := tx.log.checkTable(table); err != nil {
		return nil, err
	}

	var value []byte
	err := tx.dbtx.QueryRow(ctx, `
		SELECT value FROM records WHERE table_name = $1 AND id = $2 FOR UPDATE
	`, table, id).Scan(&value)
	if err != nil {
		return nil, mapError(err)
	}
	return value, nil
}

func (tx *pgTx) RangeScan(ctx context.Context, table, index string, r eventlog.Range) ([]eventlog.Entry, error) {
	if err := tx.log.checkIndex(table, index); err != nil {
		return nil, err
	}

	query, args := buildScanQuery(table, index, r)
	rows, err := tx.dbtx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	return collectEntries(rows)
}

func (tx *pgTx) Put(ctx context.Context, table, id string, value json.RawMessage) error {
	previous, err := tx.Get(ctx, table, id)
	if err != nil && !errors.Is(err, eventlog.ErrNotFound) {
		return err
	}
	return tx.write(ctx, table, id, value, previous)
}

func (tx *pgTx) Merge(ctx context.Context, table, id string, patch json.RawMessage) error {
	previous, err := tx.Get(ctx, table, id)
	if err != nil && !errors.Is(err, eventlog.ErrNotFound) {
		return err
	}

	merged, err := eventlog.MergePatch(previous, patch)
	if err != nil {
		return fmt.Errorf("merge %s/%s: %w", table, id, err)
	}
	return tx.write(ctx, table, id, merged, previous)
}

func (tx *pgTx) Delete(ctx context.Context, table, id string) error {
	previous, err := tx.Get(ctx, table, id)
	if err != nil {
		return err
	}

	if _, err = tx.dbtx.Exec(ctx, `
		DELETE FROM records WHERE table_name = $1 AND id = $2
	`, table, id); err != nil {
		return mapError(err)
	}
	if err = tx.clearIndexRows(ctx, table, id); err != nil {
		return err
	}

	tx.changes = append(tx.changes, recordChange{table: table, id: id, previous: previous})
	return nil
}

func (tx *pgTx) write(ctx context.Context, table, id string, value, previous json.RawMessage) error {
	if _, err := tx.dbtx.Exec(ctx, `
		INSERT INTO records (table_name, id, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (table_name, id) DO UPDATE SET value = $3, updated_at = now()
	`, table, id, value); err != nil {
		return mapError(err)
	}

	if err := tx.clearIndexRows(ctx, table, id); err != nil {
		return err
	}

	tx.log.mu.RLock()
	def := tx.log.tables[table]
	tx.log.mu.RUnlock()

	for _, idx := range def.Indexes {
		key, ok := idx.Key(id, value)
		if !ok {
			continue
		}
		if _, err := tx.dbtx.Exec(ctx, `
			INSERT INTO record_index (table_name, index_name, key, id)
			VALUES ($1, $2, $3, $4)
		`, table, idx.Name, []byte(key), id); err != nil {
			return mapError(err)
		}
	}

	tx.changes = append(tx.changes, recordChange{table: table, id: id, value: value, previous: previous})
	return nil
}

func (tx *pgTx) clearIndexRows(ctx context.Context, table, id string) error {
	if _, err := tx.dbtx.Exec(ctx, `
		DELETE FROM record_index WHERE table_name = $1 AND id = $2
	`, table, id); err != nil {
		return mapError(err)
	}
	return nil
}
