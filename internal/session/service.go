package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/sessiond/internal/eventlog"
	"github.com/wolfeidau/sessiond/internal/queue"
	"github.com/wolfeidau/sessiond/internal/sessionctx"
	"github.com/wolfeidau/sessiond/internal/telemetry"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrLoggedOut       = errors.New("session already logged out")
	ErrSessionRequired = errors.New("no session in context")
	ErrSessionMismatch = errors.New("session id does not match context")
	ErrUserRequired    = errors.New("user id required")
)

// Credentials is what a client presents to obtain a session id.
type Credentials struct {
	SessionKey string `json:"sessionKey"`
}

// LoginParams attaches a user to the context session. Roles, Expire,
// Language and Timezone replace the stored values wholesale.
type LoginParams struct {
	User     string     `json:"user"`
	Roles    []string   `json:"roles"`
	Expire   *time.Time `json:"expire,omitempty"`
	Language string     `json:"language,omitempty"`
	Timezone string     `json:"timezone,omitempty"`
}

// LogoutHook is called after a logout event has been durably applied.
type LogoutHook func(ctx context.Context, user, sessionID string)

// Service exposes the session aggregate's operations. All mutations for one
// session id are serialized through a per-key queue and return only after
// the event has been applied to the read model.
type Service struct {
	log      eventlog.Log
	resolver *Resolver
	sessions *queue.Group
	onLogout LogoutHook
}

// NewService wires the session service over the given event log and
// bootstrap resolver.
func NewService(l eventlog.Log, resolver *Resolver, opts ...ServiceOption) *Service {
	s := &Service{
		log:      l,
		resolver: resolver,
		sessions: queue.NewGroup(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithLogoutHook registers a hook fired after each applied logout.
func WithLogoutHook(hook LogoutHook) ServiceOption {
	return func(s *Service) {
		s.onLogout = hook
	}
}

// ResolveSession maps credentials to a session id using the configured
// bootstrap mode.
func (s *Service) ResolveSession(ctx context.Context, creds Credentials) (string, error) {
	res, err := s.resolver.Resolve(ctx, creds.SessionKey)
	if err != nil {
		return "", err
	}
	return res.Session, nil
}

// CreateSessionIfNotExists materializes the session record for the context
// session. sessionID must match the resolved context session; the call is
// idempotent and reports whether this invocation created the record.
func (s *Service) CreateSessionIfNotExists(ctx context.Context, sessionID string) (Outcome, error) {
	current, ok := sessionctx.FromContext(ctx)
	if !ok {
		return "", ErrSessionRequired
	}
	if sessionID != current {
		return "", ErrSessionMismatch
	}

	var outcome Outcome
	err := s.sessions.Do(ctx, sessionID, func(ctx context.Context) error {
		_, err := s.log.Get(ctx, TableName, sessionID)
		if err == nil {
			outcome = OutcomeExists
			return nil
		}
		if !errors.Is(err, eventlog.ErrNotFound) {
			return err
		}

		ev, err := eventlog.NewEvent(StreamID(sessionID), EventCreated, CreatedEvent{
			Session: sessionID,
		})
		if err != nil {
			return err
		}
		if err := s.log.Append(ctx, ev); err != nil {
			return err
		}

		telemetry.GetMetrics().SessionsCreatedTotal.Add(ctx, 1)
		outcome = OutcomeCreated
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// Snapshot returns the current state of the context session. An absent
// record is reported as the default anonymous shape rather than an error, so
// deterministic-mode sessions read consistently before their first write.
func (s *Service) Snapshot(ctx context.Context) (*Session, error) {
	sessionID, ok := sessionctx.FromContext(ctx)
	if !ok {
		return nil, ErrSessionRequired
	}
	return s.Get(ctx, sessionID)
}

// Get returns the state of the given session, defaulting absent records to
// the anonymous shape.
func (s *Service) Get(ctx context.Context, sessionID string) (*Session, error) {
	value, err := s.log.Get(ctx, TableName, sessionID)
	if errors.Is(err, eventlog.ErrNotFound) {
		return &Session{ID: sessionID, Roles: []string{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(value)
}

// FindByKey returns the session created from sessionKey, or ErrNotFound.
func (s *Service) FindByKey(ctx context.Context, sessionKey string) (*Session, error) {
	if sessionKey == "" {
		return nil, ErrSessionKeyRequired
	}
	found, err := s.resolver.findByKey(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// CurrentSession streams the state of the context session: the current value
// immediately, then every change, with absent records mapped to the default
// anonymous shape. The subscription survives adapter restarts; it ends when
// stop is called or ctx is done.
func (s *Service) CurrentSession(ctx context.Context) (<-chan *Session, func(), error) {
	sessionID, ok := sessionctx.FromContext(ctx)
	if !ok {
		return nil, nil, ErrSessionRequired
	}

	changes, stop := eventlog.Resubscribe(ctx, s.log, TableName, sessionID)

	m := telemetry.GetMetrics()
	m.ActiveSubscriptions.Add(ctx, 1)

	out := make(chan *Session, 16)
	go func() {
		defer close(out)
		defer m.ActiveSubscriptions.Add(context.WithoutCancel(ctx), -1)

		for c := range changes {
			var next *Session
			if c.Value == nil {
				next = &Session{ID: sessionID, Roles: []string{}}
			} else {
				decoded, err := decodeSession(c.Value)
				if err != nil {
					log.Warn().Err(err).Str("session", sessionID).Msg("dropping undecodable session change")
					continue
				}
				next = decoded
			}

			select {
			case out <- next:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, stop, nil
}

// Login attaches a user to the context session, replacing roles, expiry,
// language and timezone wholesale. The session record must already exist.
func (s *Service) Login(ctx context.Context, params LoginParams) error {
	sessionID, ok := sessionctx.FromContext(ctx)
	if !ok {
		return ErrSessionRequired
	}
	if params.User == "" {
		return ErrUserRequired
	}

	err := s.sessions.Do(ctx, sessionID, func(ctx context.Context) error {
		if _, err := s.log.Get(ctx, TableName, sessionID); err != nil {
			if errors.Is(err, eventlog.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
			}
			return err
		}

		ev, err := eventlog.NewEvent(StreamID(sessionID), EventLoggedIn, LoggedInEvent{
			Session:  sessionID,
			User:     params.User,
			Roles:    NormalizeRoles(params.Roles),
			Expire:   params.Expire,
			Language: params.Language,
			Timezone: params.Timezone,
		})
		if err != nil {
			return err
		}
		return s.log.Append(ctx, ev)
	})
	if err != nil {
		return err
	}

	telemetry.GetMetrics().LoginsTotal.Add(ctx, 1)
	log.Info().Str("session", sessionID).Str("user", params.User).Msg("session logged in")
	return nil
}

// Logout detaches the user from the context session. Returns ErrNotFound
// when no record exists and ErrLoggedOut when the session is already
// anonymous. The logout hook fires after the event has applied.
func (s *Service) Logout(ctx context.Context) error {
	sessionID, ok := sessionctx.FromContext(ctx)
	if !ok {
		return ErrSessionRequired
	}

	var loggedOutUser string
	err := s.sessions.Do(ctx, sessionID, func(ctx context.Context) error {
		value, err := s.log.Get(ctx, TableName, sessionID)
		if err != nil {
			if errors.Is(err, eventlog.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
			}
			return err
		}
		current, err := decodeSession(value)
		if err != nil {
			return err
		}
		if current.Anonymous() {
			return ErrLoggedOut
		}
		loggedOutUser = current.User

		ev, err := eventlog.NewEvent(StreamID(sessionID), EventLoggedOut, LoggedOutEvent{
			Session: sessionID,
		})
		if err != nil {
			return err
		}
		return s.log.Append(ctx, ev)
	})
	if err != nil {
		return err
	}

	telemetry.GetMetrics().LogoutsTotal.Add(ctx, 1)
	log.Info().Str("session", sessionID).Str("user", loggedOutUser).Msg("session logged out")

	if s.onLogout != nil {
		s.onLogout(ctx, loggedOutUser, sessionID)
	}
	return nil
}
