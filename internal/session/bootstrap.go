package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/sessiond/internal/eventlog"
	"github.com/wolfeidau/sessiond/internal/queue"
	"github.com/wolfeidau/sessiond/internal/telemetry"
)

// Mode selects how session keys are turned into session ids.
type Mode string

const (
	// ModeDeterministic derives the session id as a keyed hash of the
	// session key. No record is written at resolution time; the record
	// materializes lazily on the first mutating event.
	ModeDeterministic Mode = "deterministic"

	// ModeTransactional allocates a fresh session id for unseen keys and
	// writes the session record inside a per-key critical section, so
	// concurrent resolutions of one key converge on a single session.
	ModeTransactional Mode = "transactional"
)

// Outcome reports whether a transactional resolution created the session or
// found an existing one.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeExists  Outcome = "exists"
)

var (
	ErrSessionKeyRequired = errors.New("session key required")
	ErrSessionKeyInvalid  = errors.New("session key must not contain separator bytes")
	ErrSecretRequired     = errors.New("hmac secret required for deterministic mode")
	ErrUnknownMode        = errors.New("unknown bootstrap mode")
)

// deterministicIDLength keeps derived ids compact while leaving far more
// entropy than the local-id fingerprint needs.
const deterministicIDLength = 32

// Resolution is the result of resolving a session key.
type Resolution struct {
	Session string
	Outcome Outcome
}

// Resolver maps client-presented session keys to session ids.
type Resolver struct {
	mode   Mode
	secret []byte
	log    eventlog.Log
	keys   *queue.Group
}

// NewResolver builds a resolver for the given mode. secret is only used in
// deterministic mode and must be non-empty there.
func NewResolver(mode Mode, secret []byte, l eventlog.Log) (*Resolver, error) {
	switch mode {
	case ModeDeterministic:
		if len(secret) == 0 {
			return nil, ErrSecretRequired
		}
	case ModeTransactional:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	return &Resolver{
		mode:   mode,
		secret: secret,
		log:    l,
		keys:   queue.NewGroup(),
	}, nil
}

// Mode reports the configured bootstrap mode.
func (r *Resolver) Mode() Mode {
	return r.mode
}

// Resolve maps sessionKey to a session id. In deterministic mode this is a
// pure computation; in transactional mode it creates the session record on
// first sight of the key, serialized per key so a racing pair of resolutions
// yields exactly one created outcome.
func (r *Resolver) Resolve(ctx context.Context, sessionKey string) (*Resolution, error) {
	if sessionKey == "" {
		return nil, ErrSessionKeyRequired
	}
	// \x00 and \xff are index key framing bytes; a key carrying them could
	// land inside another key's byKey prefix range.
	if strings.ContainsAny(sessionKey, "\x00\xff") {
		return nil, ErrSessionKeyInvalid
	}

	var (
		res *Resolution
		err error
	)
	switch r.mode {
	case ModeDeterministic:
		res = &Resolution{
			Session: r.deriveID(sessionKey),
			Outcome: OutcomeExists,
		}
	case ModeTransactional:
		res, err = r.resolveTransactional(ctx, sessionKey)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMode, r.mode)
	}
	if err != nil {
		return nil, err
	}

	telemetry.GetMetrics().BootstrapResolutionsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", string(r.mode)),
			attribute.String("outcome", string(res.Outcome)),
		))
	return res, nil
}

func (r *Resolver) deriveID(sessionKey string) string {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write([]byte(sessionKey))
	id := base58.Encode(mac.Sum(nil))
	if len(id) > deterministicIDLength {
		id = id[:deterministicIDLength]
	}
	return id
}

func (r *Resolver) resolveTransactional(ctx context.Context, sessionKey string) (*Resolution, error) {
	var res *Resolution

	err := r.keys.Do(ctx, sessionKey, func(ctx context.Context) error {
		// Re-check inside the critical section; a racing resolution may have
		// created the session while this one queued.
		existing, err := r.findByKey(ctx, sessionKey)
		if err != nil {
			return err
		}
		if existing != nil {
			res = &Resolution{Session: existing.ID, Outcome: OutcomeExists}
			return nil
		}

		sessionID := uuid.Must(uuid.NewV7()).String()
		ev, err := eventlog.NewEvent(StreamID(sessionID), EventCreated, CreatedEvent{
			Session: sessionID,
			Key:     sessionKey,
		})
		if err != nil {
			return err
		}
		if err := r.log.Append(ctx, ev); err != nil {
			return err
		}

		telemetry.GetMetrics().SessionsCreatedTotal.Add(ctx, 1)
		log.Debug().Str("session", sessionID).Msg("created session for new key")

		res = &Resolution{Session: sessionID, Outcome: OutcomeCreated}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// findByKey scans the byKey index for the session created from sessionKey.
// Returns nil without error when no session exists.
func (r *Resolver) findByKey(ctx context.Context, sessionKey string) (*Session, error) {
	entries, err := r.log.RangeScan(ctx, TableName, IndexByKey, eventlog.PrefixRange(sessionKey))
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		s, err := decodeSession(e.Value)
		if err != nil {
			return nil, err
		}
		// A stored key containing the separator byte falls inside the
		// prefix range of its own prefix; only an exact match counts.
		if s.Key == sessionKey {
			return s, nil
		}
	}
	return nil, nil
}
