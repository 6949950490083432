package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wolfeidau/sessiond/internal/eventlog"
)

// memTx stages applier mutations against the log. Nothing touches the live
// maps until commit, so a failing applier leaves no partial state. memTx runs
// while Append holds the write lock and must not lock again.
type memTx struct {
	log    *Log
	staged map[string]map[string]*stagedRecord // table -> id
	order  []stagedKey
}

type stagedRecord struct {
	value   json.RawMessage
	deleted bool
}

type stagedKey struct {
	table string
	id    string
}

func (tx *memTx) Get(ctx context.Context, table, id string) (json.RawMessage, error) {
	recs, ok := tx.log.records[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", eventlog.ErrUnknownTable, table)
	}

	if byID, ok := tx.staged[table]; ok {
		if sr, ok := byID[id]; ok {
			if sr.deleted {
				return nil, eventlog.ErrNotFound
			}
			return sr.value, nil
		}
	}

	value, exists := recs[id]
	if !exists {
		return nil, eventlog.ErrNotFound
	}
	return value, nil
}

// RangeScan reads the committed index state; mutations staged earlier in the
// same applier invocation are not visible to the scan.
func (tx *memTx) RangeScan(ctx context.Context, table, index string, r eventlog.Range) ([]eventlog.Entry, error) {
	return tx.log.scanLocked(table, index, r)
}

func (tx *memTx) Put(ctx context.Context, table, id string, value json.RawMessage) error {
	if _, ok := tx.log.records[table]; !ok {
		return fmt.Errorf("%w: %s", eventlog.ErrUnknownTable, table)
	}
	tx.stage(table, id, &stagedRecord{value: value})
	return nil
}

func (tx *memTx) Merge(ctx context.Context, table, id string, patch json.RawMessage) error {
	base, err := tx.Get(ctx, table, id)
	if err != nil && !errors.Is(err, eventlog.ErrNotFound) {
		return err
	}

	merged, err := eventlog.MergePatch(base, patch)
	if err != nil {
		return fmt.Errorf("merge %s/%s: %w", table, id, err)
	}
	tx.stage(table, id, &stagedRecord{value: merged})
	return nil
}

func (tx *memTx) Delete(ctx context.Context, table, id string) error {
	if _, err := tx.Get(ctx, table, id); err != nil {
		return err
	}
	tx.stage(table, id, &stagedRecord{deleted: true})
	return nil
}

func (tx *memTx) stage(table, id string, sr *stagedRecord) {
	if tx.staged == nil {
		tx.staged = make(map[string]map[string]*stagedRecord)
	}
	byID, ok := tx.staged[table]
	if !ok {
		byID = make(map[string]*stagedRecord)
		tx.staged[table] = byID
	}
	if _, seen := byID[id]; !seen {
		tx.order = append(tx.order, stagedKey{table: table, id: id})
	}
	byID[id] = sr
}

// commit moves staged mutations into the live maps, maintaining secondary
// indexes, and returns the resulting changes in staging order.
func (tx *memTx) commit() []recordChange {
	changes := make([]recordChange, 0, len(tx.order))

	for _, key := range tx.order {
		sr := tx.staged[key.table][key.id]
		previous := tx.log.records[key.table][key.id]

		tx.log.updateIndexes(key.table, key.id, previous, sr)

		if sr.deleted {
			delete(tx.log.records[key.table], key.id)
			changes = append(changes, recordChange{table: key.table, id: key.id, previous: previous})
			continue
		}

		tx.log.records[key.table][key.id] = sr.value
		changes = append(changes, recordChange{
			table:    key.table,
			id:       key.id,
			value:    sr.value,
			previous: previous,
		})
	}
	return changes
}

func (l *Log) updateIndexes(table, id string, previous json.RawMessage, sr *stagedRecord) {
	def := l.tables[table]
	for _, idx := range def.Indexes {
		keys := l.indexes[table][idx.Name]

		if previous != nil {
			if oldKey, ok := idx.Key(id, previous); ok {
				delete(keys, oldKey)
			}
		}
		if !sr.deleted {
			if newKey, ok := idx.Key(id, sr.value); ok {
				keys[newKey] = id
			}
		}
	}
}
