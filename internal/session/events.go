package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sessiond/internal/eventlog"
	"github.com/wolfeidau/sessiond/internal/telemetry"
)

// Table and index names for the derived session read model.
const (
	TableName   = "sessions"
	IndexByKey  = "byKey"
	IndexByUser = "byUser"
)

// Session lifecycle event types.
const (
	EventCreated   = "sessionCreated"
	EventLoggedIn  = "sessionLoggedIn"
	EventLoggedOut = "sessionLoggedOut"

	// Cascade events, derived from foreign account notifications.
	EventUserDeleted  = "sessionUserDeleted"
	EventRolesUpdated = "sessionRolesUpdated"
)

// CreatedEvent inserts a fresh anonymous session record.
type CreatedEvent struct {
	Session string `json:"session"`
	Key     string `json:"key"`
}

// LoggedInEvent overwrites the login attributes wholesale.
type LoggedInEvent struct {
	Session  string     `json:"session"`
	User     string     `json:"user"`
	Roles    []string   `json:"roles"`
	Expire   *time.Time `json:"expire,omitempty"`
	Language string     `json:"language,omitempty"`
	Timezone string     `json:"timezone,omitempty"`
}

// LoggedOutEvent clears user, roles and expiry, preserving id and key.
type LoggedOutEvent struct {
	Session string `json:"session"`
}

// UserDeletedEvent sweeps every session referencing the deleted user.
type UserDeletedEvent struct {
	User string `json:"user"`
}

// RolesUpdatedEvent replaces the role set on every session referencing the
// user.
type RolesUpdatedEvent struct {
	User  string   `json:"user"`
	Roles []string `json:"roles"`
}

// StreamID returns the event stream for one session aggregate instance.
func StreamID(sessionID string) string {
	return "session/" + sessionID
}

// CascadeStreamID returns the event stream for account-level cascade events.
func CascadeStreamID(userID string) string {
	return "user/" + userID
}

// Register declares the sessions table, its secondary indexes, and the
// appliers for every session event type. It must run once against the event
// log before the service starts serving.
func Register(l eventlog.Log) error {
	err := l.RegisterTable(eventlog.TableDef{
		Name: TableName,
		Indexes: []eventlog.IndexDef{
			{
				Name: IndexByKey,
				Key: func(id string, value json.RawMessage) (string, bool) {
					s, err := decodeSession(value)
					if err != nil || s.Key == "" {
						return "", false
					}
					return eventlog.KeyTuple(s.Key, id), true
				},
			},
			{
				Name: IndexByUser,
				Key: func(id string, value json.RawMessage) (string, bool) {
					s, err := decodeSession(value)
					if err != nil || s.User == "" {
						return "", false
					}
					return eventlog.KeyTuple(s.User, id), true
				},
			},
		},
	})
	if err != nil {
		return err
	}

	appliers := map[string]eventlog.Applier{
		EventCreated:      applyCreated,
		EventLoggedIn:     applyLoggedIn,
		EventLoggedOut:    applyLoggedOut,
		EventUserDeleted:  applyUserDeleted,
		EventRolesUpdated: applyRolesUpdated,
	}
	for eventType, fn := range appliers {
		if err := l.RegisterApplier(eventType, fn); err != nil {
			return err
		}
	}
	return nil
}

func applyCreated(ctx context.Context, tx eventlog.Tx, ev *eventlog.Event) error {
	var data CreatedEvent
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return fmt.Errorf("decode %s: %w", ev.Type, err)
	}

	// Duplicate creates are tolerated; the first record wins and id/key
	// never change.
	if _, err := tx.Get(ctx, TableName, data.Session); err == nil {
		return nil
	} else if !errors.Is(err, eventlog.ErrNotFound) {
		return err
	}

	next, err := Reduce(nil, ev)
	if err != nil {
		return err
	}
	return putSession(ctx, tx, next)
}

func applyLoggedIn(ctx context.Context, tx eventlog.Tx, ev *eventlog.Event) error {
	var data LoggedInEvent
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return fmt.Errorf("decode %s: %w", ev.Type, err)
	}

	// Overwrite the login attributes wholesale, creating the record lazily
	// for hash-derived session ids that were never explicitly created.
	patch := map[string]any{
		"id":       data.Session,
		"user":     data.User,
		"roles":    NormalizeRoles(data.Roles),
		"expire":   data.Expire,
		"language": data.Language,
		"timezone": data.Timezone,
	}
	return mergeSession(ctx, tx, data.Session, patch)
}

func applyLoggedOut(ctx context.Context, tx eventlog.Tx, ev *eventlog.Event) error {
	var data LoggedOutEvent
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return fmt.Errorf("decode %s: %w", ev.Type, err)
	}

	patch := map[string]any{
		"id":     data.Session,
		"user":   nil,
		"roles":  []string{},
		"expire": nil,
	}
	return mergeSession(ctx, tx, data.Session, patch)
}

// applyUserDeleted sweeps the byUser index and anonymizes every session
// referencing the deleted user. Each record is independent: a failure on one
// is logged and skipped, never aborting the sweep.
func applyUserDeleted(ctx context.Context, tx eventlog.Tx, ev *eventlog.Event) error {
	var data UserDeletedEvent
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return fmt.Errorf("decode %s: %w", ev.Type, err)
	}

	patch := map[string]any{
		"user":   nil,
		"roles":  []string{},
		"expire": nil,
	}
	return sweepByUser(ctx, tx, data.User, ev.Type, patch)
}

func applyRolesUpdated(ctx context.Context, tx eventlog.Tx, ev *eventlog.Event) error {
	var data RolesUpdatedEvent
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return fmt.Errorf("decode %s: %w", ev.Type, err)
	}

	patch := map[string]any{
		"roles": NormalizeRoles(data.Roles),
	}
	return sweepByUser(ctx, tx, data.User, ev.Type, patch)
}

func sweepByUser(ctx context.Context, tx eventlog.Tx, userID, eventType string, patch map[string]any) error {
	m := telemetry.GetMetrics()
	m.CascadeSweepsTotal.Add(ctx, 1)

	entries, err := tx.RangeScan(ctx, TableName, IndexByUser, eventlog.PrefixRange(userID))
	if err != nil {
		return err
	}

	raw, err := json.Marshal(patch)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		// A record that was concurrently anonymized or reassigned no longer
		// belongs to this sweep.
		s, err := decodeSession(entry.Value)
		if err != nil || s.User != userID {
			m.CascadeRecordsSkippedTotal.Add(ctx, 1)
			log.Warn().
				Str("session", entry.ID).
				Str("user", userID).
				Str("event", eventType).
				Msg("skipping session during cascade sweep")
			continue
		}

		if err := tx.Merge(ctx, TableName, entry.ID, raw); err != nil {
			m.CascadeRecordsSkippedTotal.Add(ctx, 1)
			log.Warn().Err(err).
				Str("session", entry.ID).
				Str("user", userID).
				Str("event", eventType).
				Msg("failed to update session during cascade sweep")
			continue
		}
		m.CascadeRecordsSweptTotal.Add(ctx, 1)
	}
	return nil
}

func putSession(ctx context.Context, tx eventlog.Tx, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return tx.Put(ctx, TableName, s.ID, raw)
}

func mergeSession(ctx context.Context, tx eventlog.Tx, id string, patch map[string]any) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	return tx.Merge(ctx, TableName, id, raw)
}
