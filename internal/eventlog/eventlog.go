// Package eventlog defines the durable event log and reactive query
// capability consumed by the session aggregate and the session-scoped
// resource handlers: appendable event streams, derived records with
// secondary-index range scans, and push-based change subscriptions.
//
// Appliers translate committed events into derived-record mutations.
// Append returns only after the event is durable and every registered
// applier for its type has run, which is what gives mutating commands their
// synchronous-confirmation semantics.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for common error conditions
var (
	ErrNotFound      = errors.New("record not found")
	ErrUnknownTable  = errors.New("unknown table")
	ErrUnknownIndex  = errors.New("unknown index")
	ErrTableExists   = errors.New("table already registered")
	ErrApplierExists = errors.New("applier already registered")
	ErrNoApplier     = errors.New("no applier registered for event type")
	ErrClosed        = errors.New("event log closed")
)

// Event is a single append-only log entry. Stream groups events belonging to
// one aggregate instance; Type selects the applier.
type Event struct {
	ID     string          `json:"id"`
	Stream string          `json:"stream"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
	Time   time.Time       `json:"time"`
}

// NewEvent creates an event with a fresh UUIDv7 id and the current time.
func NewEvent(stream, eventType string, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:     uuid.Must(uuid.NewV7()).String(),
		Stream: stream,
		Type:   eventType,
		Data:   raw,
		Time:   time.Now().UTC(),
	}, nil
}

// Entry is one result of a secondary-index range scan.
type Entry struct {
	Key   string          // composite index key
	ID    string          // record primary key
	Value json.RawMessage // record value
}

// Range bounds a secondary-index scan. Keys are compared bytewise.
type Range struct {
	GTE     string
	LTE     string
	Limit   int
	Reverse bool
}

// Change is one emission of a record subscription. Value is nil when the
// record was deleted; Previous is nil on the initial emission and on create.
type Change struct {
	Value    json.RawMessage
	Previous json.RawMessage
}

// Tx exposes derived-record reads and mutations to appliers. All mutations
// performed by one applier invocation commit atomically with the event
// append.
type Tx interface {
	Get(ctx context.Context, table, id string) (json.RawMessage, error)
	RangeScan(ctx context.Context, table, index string, r Range) ([]Entry, error)
	Put(ctx context.Context, table, id string, value json.RawMessage) error
	// Merge overlays the top-level fields of patch onto the stored record,
	// creating the record from the patch alone when it is absent.
	Merge(ctx context.Context, table, id string, patch json.RawMessage) error
	Delete(ctx context.Context, table, id string) error
}

// Applier applies a committed event to derived records. It runs inside the
// append's durability boundary.
type Applier func(ctx context.Context, tx Tx, ev *Event) error

// IndexDef declares a secondary index over a table. Key derives the index
// key for a record; returning ok=false excludes the record from the index.
type IndexDef struct {
	Name string
	Key  func(id string, value json.RawMessage) (string, bool)
}

// TableDef declares a derived-record table and its secondary indexes.
type TableDef struct {
	Name    string
	Indexes []IndexDef
}

// Log is the full adapter contract. Registration must complete before the
// first Append; implementations are free to reject late registration.
type Log interface {
	RegisterTable(def TableDef) error
	RegisterApplier(eventType string, fn Applier) error

	// Append durably commits ev and applies it to derived records before
	// returning.
	Append(ctx context.Context, ev *Event) error

	Get(ctx context.Context, table, id string) (json.RawMessage, error)
	RangeScan(ctx context.Context, table, index string, r Range) ([]Entry, error)

	// Subscribe emits the current value immediately, then every subsequent
	// change, until stop is called or ctx is done. The channel is closed
	// when the subscription ends.
	Subscribe(ctx context.Context, table, id string) (<-chan Change, func(), error)
}

const (
	// keySep separates tuple elements inside composite index keys. It sorts
	// below every printable byte, so prefix ranges never bleed into longer
	// sibling values.
	keySep = "\x00"
	keyMax = "\xff"
)

// KeyTuple builds a composite index key from the given parts.
func KeyTuple(parts ...string) string {
	return strings.Join(parts, keySep)
}

// PrefixRange returns the Range covering every KeyTuple that starts with
// exactly the given parts.
func PrefixRange(parts ...string) Range {
	prefix := KeyTuple(parts...)
	return Range{
		GTE: prefix + keySep,
		LTE: prefix + keySep + keyMax,
	}
}

// MergePatch overlays the top-level fields of patch onto base. Fields set to
// JSON null in patch are written as null rather than removed, so reducers
// can clear attributes explicitly.
func MergePatch(base, patch json.RawMessage) (json.RawMessage, error) {
	if len(base) == 0 {
		return patch, nil
	}

	var baseMap map[string]json.RawMessage
	if err := json.Unmarshal(base, &baseMap); err != nil {
		return nil, err
	}
	var patchMap map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		return nil, err
	}
	for k, v := range patchMap {
		baseMap[k] = v
	}
	return json.Marshal(baseMap)
}
