package resource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wolfeidau/sessiond/internal/eventlog"
	"github.com/wolfeidau/sessiond/internal/queue"
)

// UserLookup resolves the user currently attached to a session, used when
// validating client-chosen local ids. A nil lookup validates ids against the
// session fingerprint only.
type UserLookup func(ctx context.Context, sessionID string) (string, error)

// Registry collects resource definitions and builds their handlers in one
// pass. Add order is preserved; Build runs once before serving.
type Registry struct {
	defs  []Definition
	built bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends a definition. Definitions are only checked at Build time.
func (r *Registry) Add(def Definition) *Registry {
	r.defs = append(r.defs, def)
	return r
}

// BuildOption customizes the build pass.
type BuildOption func(*buildConfig)

type buildConfig struct {
	userLookup UserLookup
}

// WithUserLookup wires session-to-user resolution into local id validation.
func WithUserLookup(lookup UserLookup) BuildOption {
	return func(c *buildConfig) {
		c.userLookup = lookup
	}
}

// Build registers every definition's table, indexes and event appliers on
// the log and returns the generated handlers keyed by definition name. It
// must run exactly once, before the first append.
func (r *Registry) Build(l eventlog.Log, sessions *queue.Group, opts ...BuildOption) (map[string]*Handlers, error) {
	if r.built {
		return nil, fmt.Errorf("resource registry already built")
	}
	r.built = true

	cfg := buildConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	out := make(map[string]*Handlers, len(r.defs))
	for _, def := range r.defs {
		if err := def.validate(); err != nil {
			return nil, err
		}
		if _, dup := out[def.Name]; dup {
			return nil, fmt.Errorf("duplicate resource definition %q", def.Name)
		}

		if err := registerStorage(l, def); err != nil {
			return nil, fmt.Errorf("resource %q: %w", def.Name, err)
		}

		out[def.Name] = &Handlers{
			def:        def,
			log:        l,
			sessions:   sessions,
			userLookup: cfg.userLookup,
		}
	}
	return out, nil
}

// registerStorage declares the definition's table, the ownership index, any
// sort indexes, and the appliers for its event types.
func registerStorage(l eventlog.Log, def Definition) error {
	indexes := []eventlog.IndexDef{
		{
			Name: indexBySession,
			Key: func(id string, value json.RawMessage) (string, bool) {
				session, ok := storedSession(value)
				if !ok {
					return "", false
				}
				return eventlog.KeyTuple(session, id), true
			},
		},
	}
	for _, field := range def.SortBy {
		indexes = append(indexes, eventlog.IndexDef{
			Name: sortIndexName(field),
			Key: func(id string, value json.RawMessage) (string, bool) {
				session, ok := storedSession(value)
				if !ok {
					return "", false
				}
				var record map[string]any
				if err := json.Unmarshal(value, &record); err != nil {
					return "", false
				}
				return eventlog.KeyTuple(session, sortValue(record[field]), id), true
			},
		})
	}

	err := l.RegisterTable(eventlog.TableDef{
		Name:    def.Name,
		Indexes: indexes,
	})
	if err != nil {
		return err
	}

	appliers := map[string]eventlog.Applier{
		def.eventType("created"): applyPut(def),
		def.eventType("updated"): applyMerge(def),
		def.eventType("deleted"): applyDelete(def),
	}
	if def.Kind == KindProperty {
		appliers = map[string]eventlog.Applier{
			def.eventType("set"):     applyPut(def),
			def.eventType("updated"): applyMerge(def),
			def.eventType("reset"):   applyDelete(def),
		}
	}
	for eventType, fn := range appliers {
		if err := l.RegisterApplier(eventType, fn); err != nil {
			return err
		}
	}
	return nil
}

const indexBySession = "bySession"

// recordEvent is the payload shared by all generated event types.
type recordEvent struct {
	ID    string         `json:"id"`
	Props map[string]any `json:"props,omitempty"`
}

func applyPut(def Definition) eventlog.Applier {
	return func(ctx context.Context, tx eventlog.Tx, ev *eventlog.Event) error {
		var data recordEvent
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		raw, err := json.Marshal(data.Props)
		if err != nil {
			return err
		}
		return tx.Put(ctx, def.Name, data.ID, raw)
	}
}

func applyMerge(def Definition) eventlog.Applier {
	return func(ctx context.Context, tx eventlog.Tx, ev *eventlog.Event) error {
		var data recordEvent
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		raw, err := json.Marshal(data.Props)
		if err != nil {
			return err
		}
		return tx.Merge(ctx, def.Name, data.ID, raw)
	}
}

func applyDelete(def Definition) eventlog.Applier {
	return func(ctx context.Context, tx eventlog.Tx, ev *eventlog.Event) error {
		var data recordEvent
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		return tx.Delete(ctx, def.Name, data.ID)
	}
}

func storedSession(value json.RawMessage) (string, bool) {
	var probe struct {
		Session string `json:"session"`
	}
	if err := json.Unmarshal(value, &probe); err != nil || probe.Session == "" {
		return "", false
	}
	return probe.Session, true
}
