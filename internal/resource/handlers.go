package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/sessiond/internal/eventlog"
	"github.com/wolfeidau/sessiond/internal/localid"
	"github.com/wolfeidau/sessiond/internal/queue"
	"github.com/wolfeidau/sessiond/internal/sessionctx"
	"github.com/wolfeidau/sessiond/internal/telemetry"
)

// ErrExists reports a create for an id that already holds a record.
var ErrExists = errors.New("resource already exists")

// Record is one stored resource value. Cursor is an opaque position token
// for paging; pass it as Query.After to resume a listing behind it.
type Record struct {
	ID     string         `json:"id"`
	Value  map[string]any `json:"value"`
	Cursor string         `json:"cursor"`
}

// Query bounds a listing. Results are ordered by the index key; After
// resumes strictly past the record whose Cursor it holds, in the direction
// of the scan.
type Query struct {
	Limit   int
	Reverse bool
	After   string
}

// Handlers is the generated endpoint set for one definition. Use Items or
// Property to reach the kind-specific operations.
type Handlers struct {
	def        Definition
	log        eventlog.Log
	sessions   *queue.Group
	userLookup UserLookup
}

// Name returns the definition name.
func (h *Handlers) Name() string {
	return h.def.Name
}

// Kind returns the definition kind.
func (h *Handlers) Kind() Kind {
	return h.def.Kind
}

// Items returns the item operations, or nil for a property definition.
func (h *Handlers) Items() *ItemHandlers {
	if h.def.Kind != KindItem {
		return nil
	}
	return &ItemHandlers{h}
}

// Property returns the property operations, or nil for an item definition.
func (h *Handlers) Property() *PropertyHandlers {
	if h.def.Kind != KindProperty {
		return nil
	}
	return &PropertyHandlers{h}
}

// Operations lists the operation names enabled by the definition's policy,
// in a stable order.
func (h *Handlers) Operations() []string {
	name := h.def.titleName()
	p := h.def.Policy

	var ops []string
	if h.def.Kind == KindItem {
		if p.create() != nil {
			ops = append(ops, "createMySession"+name)
		}
		if p.update() != nil {
			ops = append(ops, "updateMySession"+name)
		}
		if p.delete() != nil {
			ops = append(ops, "deleteMySession"+name)
		}
		if p.read() != nil {
			ops = append(ops, "mySession"+name+"s")
			for _, field := range h.def.SortBy {
				ops = append(ops, "mySession"+name+"sBy"+titleCase(field))
			}
		}
		if p.public() != nil {
			ops = append(ops, "publicSession"+name+"s")
		}
		return ops
	}

	if p.set() != nil {
		ops = append(ops, "setSession"+name)
	}
	if p.update() != nil {
		ops = append(ops, "updateSession"+name)
	}
	if p.reset() != nil {
		ops = append(ops, "resetSession"+name)
	}
	if p.read() != nil {
		ops = append(ops, "session"+name)
	}
	if p.public() != nil {
		ops = append(ops, "publicSession"+name)
	}
	return ops
}

func (h *Handlers) allow(ctx context.Context, access Access) error {
	if access == nil {
		return ErrNotAuthorized
	}
	if err := access(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrNotAuthorized, err)
	}
	return nil
}

func (h *Handlers) contextSession(ctx context.Context) (string, error) {
	sessionID, ok := sessionctx.FromContext(ctx)
	if !ok {
		return "", ErrSessionRequired
	}
	return sessionID, nil
}

func (h *Handlers) runValidate(ctx context.Context, merged map[string]any) error {
	if h.def.Validate == nil {
		return nil
	}
	if err := h.def.Validate(ctx, merged); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

// checkLocalID validates a client-chosen id against the session and its
// logged-in user, if any.
func (h *Handlers) checkLocalID(ctx context.Context, id, sessionID string) error {
	userID := ""
	if h.userLookup != nil {
		u, err := h.userLookup(ctx, sessionID)
		if err != nil {
			return err
		}
		userID = u
	}
	if err := localid.Validate(id, sessionID, userID); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

func (h *Handlers) append(ctx context.Context, suffix, id string, props map[string]any) error {
	eventType := h.def.eventType(suffix)
	ev, err := eventlog.NewEvent("resource/"+h.def.Name+"/"+id, eventType, recordEvent{
		ID:    id,
		Props: props,
	})
	if err != nil {
		return err
	}
	if err := h.log.Append(ctx, ev); err != nil {
		telemetry.GetMetrics().ResourceCommandErrorsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("operation", eventType)))
		return err
	}
	telemetry.GetMetrics().ResourceCommandsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("operation", eventType)))
	return nil
}

// loadOwned fetches a record and enforces stored ownership. The session
// stored on the record decides; payloads never can.
func (h *Handlers) loadOwned(ctx context.Context, id, sessionID string) (map[string]any, error) {
	value, err := h.log.Get(ctx, h.def.Name, id)
	if errors.Is(err, eventlog.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, h.def.Name, id)
	}
	if err != nil {
		return nil, err
	}
	record, err := decodeRecord(value)
	if err != nil {
		return nil, err
	}
	if stored, _ := record[SessionField].(string); stored != sessionID {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotAuthorized, h.def.Name, id)
	}
	return record, nil
}

func (h *Handlers) listIndex(ctx context.Context, index string, prefix []string, q Query) ([]Record, error) {
	r := eventlog.PrefixRange(prefix...)
	r.Reverse = q.Reverse
	r.Limit = q.Limit
	if q.After != "" {
		// The cursor key itself is filtered below, so over-fetch by one to
		// keep the requested page size.
		if q.Reverse {
			r.LTE = q.After
		} else {
			r.GTE = q.After
		}
		if r.Limit > 0 {
			r.Limit++
		}
	}

	entries, err := h.log.RangeScan(ctx, h.def.Name, index, r)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		if q.After != "" && e.Key == q.After {
			continue
		}
		value, err := decodeRecord(e.Value)
		if err != nil {
			log.Warn().Err(err).Str("table", h.def.Name).Str("id", e.ID).Msg("skipping undecodable record")
			continue
		}
		out = append(out, Record{ID: e.ID, Value: value, Cursor: e.Key})
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// defaultsWith returns a fresh map seeded from the definition defaults with
// the given overrides applied.
func (h *Handlers) defaultsWith(sessionID string, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(h.def.Defaults)+len(overrides)+1)
	for k, v := range h.def.Defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	out[SessionField] = sessionID
	return out
}

// ItemHandlers is the operation set for a per-session item collection.
type ItemHandlers struct {
	*Handlers
}

// Create inserts a new item owned by the context session. A non-empty id
// must be a valid local id for the session; an empty id gets a generated
// one. Returns the id of the created item.
func (h *ItemHandlers) Create(ctx context.Context, id string, props map[string]any) (string, error) {
	if err := h.allow(ctx, h.def.Policy.create()); err != nil {
		return "", err
	}
	sessionID, err := h.contextSession(ctx)
	if err != nil {
		return "", err
	}

	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	} else if err := h.checkLocalID(ctx, id, sessionID); err != nil {
		return "", err
	}

	merged := h.defaultsWith(sessionID, h.def.writableFilter(props))
	merged[idField] = id
	if err := h.runValidate(ctx, merged); err != nil {
		return "", err
	}

	err = h.sessions.Do(ctx, sessionID, func(ctx context.Context) error {
		_, err := h.log.Get(ctx, h.def.Name, id)
		if err == nil {
			return fmt.Errorf("%w: %s/%s", ErrExists, h.def.Name, id)
		}
		if !errors.Is(err, eventlog.ErrNotFound) {
			return err
		}
		return h.append(ctx, "created", id, merged)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Update merges writable fields into an item the context session owns. An
// ownership mismatch produces no event.
func (h *ItemHandlers) Update(ctx context.Context, id string, props map[string]any) error {
	if err := h.allow(ctx, h.def.Policy.update()); err != nil {
		return err
	}
	sessionID, err := h.contextSession(ctx)
	if err != nil {
		return err
	}

	return h.sessions.Do(ctx, sessionID, func(ctx context.Context) error {
		stored, err := h.loadOwned(ctx, id, sessionID)
		if err != nil {
			return err
		}

		patch := h.def.writableFilter(props)
		merged := make(map[string]any, len(stored)+len(patch))
		for k, v := range stored {
			merged[k] = v
		}
		for k, v := range patch {
			merged[k] = v
		}
		if err := h.runValidate(ctx, merged); err != nil {
			return err
		}
		return h.append(ctx, "updated", id, patch)
	})
}

// Delete removes an item the context session owns.
func (h *ItemHandlers) Delete(ctx context.Context, id string) error {
	if err := h.allow(ctx, h.def.Policy.delete()); err != nil {
		return err
	}
	sessionID, err := h.contextSession(ctx)
	if err != nil {
		return err
	}

	return h.sessions.Do(ctx, sessionID, func(ctx context.Context) error {
		if _, err := h.loadOwned(ctx, id, sessionID); err != nil {
			return err
		}
		return h.append(ctx, "deleted", id, nil)
	})
}

// List returns the context session's items ordered by id.
func (h *ItemHandlers) List(ctx context.Context, q Query) ([]Record, error) {
	if err := h.allow(ctx, h.def.Policy.read()); err != nil {
		return nil, err
	}
	sessionID, err := h.contextSession(ctx)
	if err != nil {
		return nil, err
	}
	return h.listIndex(ctx, indexBySession, []string{sessionID}, q)
}

// ListBy returns the context session's items ordered by a declared sort
// field.
func (h *ItemHandlers) ListBy(ctx context.Context, field string, q Query) ([]Record, error) {
	if err := h.allow(ctx, h.def.Policy.read()); err != nil {
		return nil, err
	}
	if !contains(h.def.SortBy, field) {
		return nil, fmt.Errorf("resource %q has no sort field %q", h.def.Name, field)
	}
	sessionID, err := h.contextSession(ctx)
	if err != nil {
		return nil, err
	}
	return h.listIndex(ctx, sortIndexName(field), []string{sessionID}, q)
}

// ListPublic returns another session's items, gated by the public policy.
func (h *ItemHandlers) ListPublic(ctx context.Context, sessionID string, q Query) ([]Record, error) {
	if err := h.allow(ctx, h.def.Policy.public()); err != nil {
		return nil, err
	}
	return h.listIndex(ctx, indexBySession, []string{sessionID}, q)
}

// PropertyHandlers is the operation set for a per-session singleton value.
// The stored record id is the session id.
type PropertyHandlers struct {
	*Handlers
}

// Set replaces the property value wholesale with defaults overlaid by the
// writable fields of props.
func (h *PropertyHandlers) Set(ctx context.Context, props map[string]any) error {
	if err := h.allow(ctx, h.def.Policy.set()); err != nil {
		return err
	}
	sessionID, err := h.contextSession(ctx)
	if err != nil {
		return err
	}

	merged := h.defaultsWith(sessionID, h.def.writableFilter(props))
	if err := h.runValidate(ctx, merged); err != nil {
		return err
	}

	return h.sessions.Do(ctx, sessionID, func(ctx context.Context) error {
		return h.append(ctx, "set", sessionID, merged)
	})
}

// Update merges writable fields over the stored value, or over the defaults
// when the property was never set.
func (h *PropertyHandlers) Update(ctx context.Context, props map[string]any) error {
	if err := h.allow(ctx, h.def.Policy.update()); err != nil {
		return err
	}
	sessionID, err := h.contextSession(ctx)
	if err != nil {
		return err
	}

	return h.sessions.Do(ctx, sessionID, func(ctx context.Context) error {
		patch := h.def.writableFilter(props)

		stored, err := h.storedValue(ctx, sessionID)
		if err != nil && !errors.Is(err, eventlog.ErrNotFound) {
			return err
		}
		if stored == nil {
			// Never set; materialize defaults plus the patch.
			merged := h.defaultsWith(sessionID, patch)
			if err := h.runValidate(ctx, merged); err != nil {
				return err
			}
			return h.append(ctx, "set", sessionID, merged)
		}

		merged := make(map[string]any, len(stored)+len(patch))
		for k, v := range stored {
			merged[k] = v
		}
		for k, v := range patch {
			merged[k] = v
		}
		if err := h.runValidate(ctx, merged); err != nil {
			return err
		}
		return h.append(ctx, "updated", sessionID, patch)
	})
}

// Reset drops the stored value so reads fall back to defaults. Resetting an
// unset property is a no-op.
func (h *PropertyHandlers) Reset(ctx context.Context) error {
	if err := h.allow(ctx, h.def.Policy.reset()); err != nil {
		return err
	}
	sessionID, err := h.contextSession(ctx)
	if err != nil {
		return err
	}

	return h.sessions.Do(ctx, sessionID, func(ctx context.Context) error {
		_, err := h.storedValue(ctx, sessionID)
		if errors.Is(err, eventlog.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return h.append(ctx, "reset", sessionID, nil)
	})
}

// Get returns the context session's property value, falling back to the
// definition defaults when unset.
func (h *PropertyHandlers) Get(ctx context.Context) (map[string]any, error) {
	sessionID, err := h.contextSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := h.allow(ctx, h.def.Policy.read()); err != nil {
		return nil, err
	}
	return h.valueOrDefaults(ctx, sessionID)
}

// GetPublic returns another session's property value, gated by the public
// policy.
func (h *PropertyHandlers) GetPublic(ctx context.Context, sessionID string) (map[string]any, error) {
	if err := h.allow(ctx, h.def.Policy.public()); err != nil {
		return nil, err
	}
	return h.valueOrDefaults(ctx, sessionID)
}

// Watch streams the context session's property value: the current value
// immediately, then every change, with the unset state mapped to defaults.
func (h *PropertyHandlers) Watch(ctx context.Context) (<-chan map[string]any, func(), error) {
	if err := h.allow(ctx, h.def.Policy.read()); err != nil {
		return nil, nil, err
	}
	sessionID, err := h.contextSession(ctx)
	if err != nil {
		return nil, nil, err
	}

	changes, stop := eventlog.Resubscribe(ctx, h.log, h.def.Name, sessionID)

	m := telemetry.GetMetrics()
	m.ActiveSubscriptions.Add(ctx, 1)

	out := make(chan map[string]any, 16)
	go func() {
		defer close(out)
		defer m.ActiveSubscriptions.Add(context.WithoutCancel(ctx), -1)

		for c := range changes {
			var value map[string]any
			if c.Value == nil {
				value = h.defaultsWith(sessionID, nil)
			} else {
				decoded, err := decodeRecord(c.Value)
				if err != nil {
					log.Warn().Err(err).Str("table", h.def.Name).Str("session", sessionID).Msg("dropping undecodable property change")
					continue
				}
				value = decoded
			}

			select {
			case out <- value:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, stop, nil
}

func (h *PropertyHandlers) storedValue(ctx context.Context, sessionID string) (map[string]any, error) {
	value, err := h.log.Get(ctx, h.def.Name, sessionID)
	if err != nil {
		return nil, err
	}
	return decodeRecord(value)
}

func (h *PropertyHandlers) valueOrDefaults(ctx context.Context, sessionID string) (map[string]any, error) {
	stored, err := h.storedValue(ctx, sessionID)
	if errors.Is(err, eventlog.ErrNotFound) {
		return h.defaultsWith(sessionID, nil), nil
	}
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func decodeRecord(value json.RawMessage) (map[string]any, error) {
	var record map[string]any
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}
