// Package postgres implements the event log adapter on PostgreSQL. Events
// and applier mutations commit in a single transaction, so Append returns
// only once the event is durable and its derived records are visible.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sessiond/internal/eventlog"
)

const subscriptionBuffer = 16

// Config holds settings for the PostgreSQL event log.
type Config struct {
	Pool PoolConfig

	// AutoMigrate runs pending schema migrations at startup.
	AutoMigrate bool
}

// Log implements eventlog.Log backed by PostgreSQL.
//
// Change subscriptions fan out in-process after commit.
// TODO: cross-process fan-out via LISTEN/NOTIFY for multi-instance reads.
type Log struct {
	pool *pgxpool.Pool

	mu       sync.RWMutex
	tables   map[string]eventlog.TableDef
	appliers map[string]eventlog.Applier
	subs     map[string][]*subscription
	closed   bool
}

type subscription struct {
	ch     chan eventlog.Change
	stopCh chan struct{}
	once   sync.Once
}

// NewLog connects to PostgreSQL and prepares the event log.
func NewLog(ctx context.Context, cfg *Config) (*Log, error) {
	pool, err := newPool(ctx, &cfg.Pool)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	log.Info().
		Int32("max_conns", cfg.Pool.MaxConns).
		Msg("connected to PostgreSQL event log")

	return &Log{
		pool:     pool,
		tables:   make(map[string]eventlog.TableDef),
		appliers: make(map[string]eventlog.Applier),
		subs:     make(map[string][]*subscription),
	}, nil
}

// RegisterTable declares a derived-record table and its indexes. Table and
// index layouts live in Go; the database only stores opaque keys.
func (l *Log) RegisterTable(def eventlog.TableDef) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.tables[def.Name]; exists {
		return fmt.Errorf("%w: %s", eventlog.ErrTableExists, def.Name)
	}
	l.tables[def.Name] = def
	return nil
}

// RegisterApplier binds an event type to its derived-record applier.
func (l *Log) RegisterApplier(eventType string, fn eventlog.Applier) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.appliers[eventType]; exists {
		return fmt.Errorf("%w: %s", eventlog.ErrApplierExists, eventType)
	}
	l.appliers[eventType] = fn
	return nil
}

// Append commits the event and its applier mutations in one transaction,
// then fans resulting changes out to in-process subscribers.
func (l *Log) Append(ctx context.Context, ev *eventlog.Event) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return eventlog.ErrClosed
	}
	fn, ok := l.appliers[ev.Type]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", eventlog.ErrNoApplier, ev.Type)
	}

	dbtx, err := l.pool.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	defer dbtx.Rollback(ctx) //nolint:errcheck // rollback is safe after commit

	if _, err = dbtx.Exec(ctx, `
		INSERT INTO events (id, stream, event_type, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.ID, ev.Stream, ev.Type, ev.Data, ev.Time); err != nil {
		return mapError(err)
	}

	tx := &pgTx{log: l, dbtx: dbtx}
	if err = fn(ctx, tx, ev); err != nil {
		return fmt.Errorf("apply %s: %w", ev.Type, err)
	}

	if err = dbtx.Commit(ctx); err != nil {
		return mapError(err)
	}

	for _, c := range tx.changes {
		l.notify(c)
	}
	return nil
}

// Get retrieves a derived record by primary key.
func (l *Log) Get(ctx context.Context, table, id string) (json.RawMessage, error) {
	if err := l.checkTable(table); err != nil {
		return nil, err
	}

	var value []byte
	err := l.pool.QueryRow(ctx, `
		SELECT value FROM records WHERE table_name = $1 AND id = $2
	`, table, id).Scan(&value)
	if err != nil {
		return nil, mapError(err)
	}
	return value, nil
}

// RangeScan returns index entries whose keys fall inside r, ordered by key.
func (l *Log) RangeScan(ctx context.Context, table, index string, r eventlog.Range) ([]eventlog.Entry, error) {
	if err := l.checkIndex(table, index); err != nil {
		return nil, err
	}

	query, args := buildScanQuery(table, index, r)
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	return collectEntries(rows)
}

func buildScanQuery(table, index string, r eventlog.Range) (string, []any) {
	query := `
		SELECT ri.key, ri.id, rec.value
		FROM record_index ri
		JOIN records rec ON rec.table_name = ri.table_name AND rec.id = ri.id
		WHERE ri.table_name = $1 AND ri.index_name = $2`
	args := []any{table, index}

	if r.GTE != "" {
		args = append(args, []byte(r.GTE))
		query += fmt.Sprintf(" AND ri.key >= $%d", len(args))
	}
	if r.LTE != "" {
		args = append(args, []byte(r.LTE))
		query += fmt.Sprintf(" AND ri.key <= $%d", len(args))
	}

	query += " ORDER BY ri.key"
	if r.Reverse {
		query += " DESC"
	}
	if r.Limit > 0 {
		args = append(args, r.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func collectEntries(rows pgx.Rows) ([]eventlog.Entry, error) {
	defer rows.Close()

	var entries []eventlog.Entry
	for rows.Next() {
		var key, value []byte
		var id string
		if err := rows.Scan(&key, &id, &value); err != nil {
			return nil, mapError(err)
		}
		entries = append(entries, eventlog.Entry{Key: string(key), ID: id, Value: value})
	}
	return entries, mapError(rows.Err())
}

// Subscribe emits the current record value immediately, then every change
// committed through this process, until stop is called or ctx is done.
func (l *Log) Subscribe(ctx context.Context, table, id string) (<-chan eventlog.Change, func(), error) {
	if err := l.checkTable(table); err != nil {
		return nil, nil, err
	}

	current, err := l.Get(ctx, table, id)
	if err != nil && !errors.Is(err, eventlog.ErrNotFound) {
		return nil, nil, err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, nil, eventlog.ErrClosed
	}
	sub := &subscription{
		ch:     make(chan eventlog.Change, subscriptionBuffer),
		stopCh: make(chan struct{}),
	}
	key := table + "\x00" + id
	l.subs[key] = append(l.subs[key], sub)
	sub.ch <- eventlog.Change{Value: current}
	l.mu.Unlock()

	stop := func() {
		sub.once.Do(func() {
			l.mu.Lock()
			l.removeSub(key, sub)
			close(sub.stopCh)
			close(sub.ch)
			l.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-sub.stopCh:
		}
	}()

	return sub.ch, stop, nil
}

// Close ends all subscriptions and releases the connection pool.
func (l *Log) Close() {
	l.mu.Lock()
	l.closed = true
	subs := l.subs
	l.subs = make(map[string][]*subscription)
	l.mu.Unlock()

	for _, list := range subs {
		for _, sub := range list {
			sub.once.Do(func() {
				close(sub.stopCh)
				close(sub.ch)
			})
		}
	}
	l.pool.Close()
}

func (l *Log) checkTable(table string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.tables[table]; !ok {
		return fmt.Errorf("%w: %s", eventlog.ErrUnknownTable, table)
	}
	return nil
}

func (l *Log) checkIndex(table, index string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.tables[table]
	if !ok {
		return fmt.Errorf("%w: %s", eventlog.ErrUnknownTable, table)
	}
	for _, idx := range def.Indexes {
		if idx.Name == index {
			return nil
		}
	}
	return fmt.Errorf("%w: %s.%s", eventlog.ErrUnknownIndex, table, index)
}

func (l *Log) removeSub(key string, sub *subscription) {
	list := l.subs[key]
	for i, s := range list {
		if s == sub {
			l.subs[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(l.subs[key]) == 0 {
		delete(l.subs, key)
	}
}

func (l *Log) notify(c recordChange) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, sub := range l.subs[c.table+"\x00"+c.id] {
		select {
		case sub.ch <- eventlog.Change{Value: c.value, Previous: c.previous}:
		default:
			log.Warn().
				Str("table", c.table).
				Str("id", c.id).
				Msg("subscriber channel full, dropping change")
		}
	}
}
