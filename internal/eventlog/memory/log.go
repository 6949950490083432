// Package memory implements the event log adapter with in-memory storage.
// This implementation backs unit tests and single-node deployments - data is
// lost on restart.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sessiond/internal/eventlog"
)

const subscriptionBuffer = 16

// Log implements eventlog.Log using mutex-protected maps.
type Log struct {
	mu sync.RWMutex

	tables   map[string]eventlog.TableDef
	appliers map[string]eventlog.Applier

	events  []*eventlog.Event
	records map[string]map[string]json.RawMessage // table -> id -> value
	indexes map[string]map[string]map[string]string // table -> index -> key -> id

	subs   map[string][]*subscription // table\x00id -> subscriptions
	closed bool
}

type subscription struct {
	ch     chan eventlog.Change
	stopCh chan struct{}
	once   sync.Once
}

type recordChange struct {
	table    string
	id       string
	value    json.RawMessage
	previous json.RawMessage
}

// NewLog creates an empty in-memory event log.
func NewLog() *Log {
	return &Log{
		tables:   make(map[string]eventlog.TableDef),
		appliers: make(map[string]eventlog.Applier),
		records:  make(map[string]map[string]json.RawMessage),
		indexes:  make(map[string]map[string]map[string]string),
		subs:     make(map[string][]*subscription),
	}
}

// RegisterTable declares a derived-record table and its indexes.
func (l *Log) RegisterTable(def eventlog.TableDef) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.tables[def.Name]; exists {
		return fmt.Errorf("%w: %s", eventlog.ErrTableExists, def.Name)
	}
	l.tables[def.Name] = def
	l.records[def.Name] = make(map[string]json.RawMessage)
	l.indexes[def.Name] = make(map[string]map[string]string)
	for _, idx := range def.Indexes {
		l.indexes[def.Name][idx.Name] = make(map[string]string)
	}
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

// Append commits the event and applies it to derived records. The event and
// all applier mutations become visible atomically; subscribers are notified
// after commit.
func (l *Log) Append(ctx context.Context, ev *eventlog.Event) error {
	l.mu.Lock()

	if l.closed {
		l.mu.Unlock()
		return eventlog.ErrClosed
	}

	fn, ok := l.appliers[ev.Type]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", eventlog.ErrNoApplier, ev.Type)
	}

	tx := &memTx{log: l}
	if err := fn(ctx, tx, ev); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("apply %s: %w", ev.Type, err)
	}

	l.events = append(l.events, ev)
	changes := tx.commit()
	l.mu.Unlock()

	for _, c := range changes {
		l.notify(c)
	}
	return nil
}

// Get retrieves a derived record by primary key.
func (l *Log) Get(ctx context.Context, table, id string) (json.RawMessage, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	recs, ok := l.records[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", eventlog.ErrUnknownTable, table)
	}
	value, exists := recs[id]
	if !exists {
		return nil, eventlog.ErrNotFound
	}
	return value, nil
}

// RangeScan returns index entries whose keys fall inside r, ordered by key.
func (l *Log) RangeScan(ctx context.Context, table, index string, r eventlog.Range) ([]eventlog.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.scanLocked(table, index, r)
}

func (l *Log) scanLocked(table, index string, r eventlog.Range) ([]eventlog.Entry, error) {
	byIndex, ok := l.indexes[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", eventlog.ErrUnknownTable, table)
	}
	keys, ok := byIndex[index]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", eventlog.ErrUnknownIndex, table, index)
	}

	matched := make([]string, 0, len(keys))
	for key := range keys {
		if r.GTE != "" && key < r.GTE {
			continue
		}
		if r.LTE != "" && key > r.LTE {
			continue
		}
		matched = append(matched, key)
	}
	sort.Strings(matched)
	if r.Reverse {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	if r.Limit > 0 && len(matched) > r.Limit {
		matched = matched[:r.Limit]
	}

	entries := make([]eventlog.Entry, 0, len(matched))
	for _, key := range matched {
		id := keys[key]
		entries = append(entries, eventlog.Entry{
			Key:   key,
			ID:    id,
			Value: l.records[table][id],
		})
	}
	return entries, nil
}

// Subscribe emits the current record value immediately, then every
// subsequent change until stop is called or ctx is done.
func (l *Log) Subscribe(ctx context.Context, table, id string) (<-chan eventlog.Change, func(), error) {
	l.mu.Lock()

	if l.closed {
		l.mu.Unlock()
		return nil, nil, eventlog.ErrClosed
	}
	recs, ok := l.records[table]
	if !ok {
		l.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", eventlog.ErrUnknownTable, table)
	}

	sub := &subscription{
		ch:     make(chan eventlog.Change, subscriptionBuffer),
		stopCh: make(chan struct{}),
	}
	key := table + "\x00" + id
	l.subs[key] = append(l.subs[key], sub)

	// Initial emission with the current value (nil when absent).
	sub.ch <- eventlog.Change{Value: recs[id]}
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

// Close ends all subscriptions and rejects further appends.
func (l *Log) Close() {
	l.mu.Lock()
	l.closed = true
	subs := l.subs
	l.subs = make(map[string][]*subscription)
	l.mu.Unlock()

	// Detached from the map above, so no notify can reach these channels.
	for _, list := range subs {
		for _, sub := range list {
			sub.once.Do(func() {
				close(sub.stopCh)
				close(sub.ch)
			})
		}
	}
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

// notify fans a committed change out to subscribers. Sends happen under the
// read lock so they cannot race a stop() closing the channel; a slow
// subscriber drops the change rather than stalling the appender.
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
