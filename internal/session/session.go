// Package session implements the session aggregate: anonymous-to-
// authenticated identity records keyed by an opaque session id, bootstrapped
// from client-presented session keys, kept consistent with the foreign User
// aggregate by cascade propagation.
package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/wolfeidau/sessiond/internal/eventlog"
)

// Session is the aggregate root. ID and Key are immutable once created;
// everything else changes through events.
type Session struct {
	// ID is the canonical session identifier, presented by clients on every
	// mutating request after bootstrap.
	ID string `json:"id"`

	// Key is the session-key fingerprint that first created this session.
	// Unique by convention, enforced by the bootstrap protocol.
	Key string `json:"key,omitempty"`

	// User references the foreign User aggregate; empty means anonymous.
	User string `json:"user,omitempty"`

	// Roles is the role set, replaced wholesale on login and cleared on
	// logout or user deletion.
	Roles []string `json:"roles"`

	Expire   *time.Time `json:"expire,omitempty"`
	Language string     `json:"language,omitempty"`
	Timezone string     `json:"timezone,omitempty"`
}

// Anonymous reports whether the session has no logged-in user.
func (s *Session) Anonymous() bool {
	return s.User == ""
}

// NormalizeRoles returns a sorted, de-duplicated copy of roles. The empty
// set is always a non-nil empty slice so it serializes as [].
func NormalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	seen := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Reduce applies a single session lifecycle event to the current state and
// returns the next state. Reduce is pure: it never mutates current and has
// no side effects. current is nil when no record exists yet.
//
// Cascade event types (userDeleted, rolesUpdated) fan out across many
// sessions and are not single-record reductions; they are handled by the
// registered appliers directly.
func Reduce(current *Session, ev *eventlog.Event) (*Session, error) {
	switch ev.Type {
	case EventCreated:
		var data CreatedEvent
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		if current != nil {
			// Already created; id and key never change.
			return current.clone(), nil
		}
		return &Session{
			ID:    data.Session,
			Key:   data.Key,
			Roles: []string{},
		}, nil

	case EventLoggedIn:
		var data LoggedInEvent
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		next := current.clone()
		if next == nil {
			next = &Session{ID: data.Session}
		}
		next.User = data.User
		next.Roles = NormalizeRoles(data.Roles)
		next.Expire = data.Expire
		next.Language = data.Language
		next.Timezone = data.Timezone
		return next, nil

	case EventLoggedOut:
		var data LoggedOutEvent
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		next := current.clone()
		if next == nil {
			next = &Session{ID: data.Session}
		}
		next.User = ""
		next.Roles = []string{}
		next.Expire = nil
		return next, nil

	default:
		return nil, fmt.Errorf("unknown session event type %q", ev.Type)
	}
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Roles = append([]string(nil), s.Roles...)
	return &out
}

func decodeSession(value json.RawMessage) (*Session, error) {
	var s Session
	if err := json.Unmarshal(value, &s); err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}
	if s.Roles == nil {
		s.Roles = []string{}
	}
	return &s, nil
}
