package session

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/sessiond/internal/eventlog"
	"github.com/wolfeidau/sessiond/internal/user"
)

// Propagator consumes account-level notifications from the User service and
// translates them into session cascade events. The originating account
// operation never waits on the sweep; a failed append is logged and the
// notification dropped, leaving the affected sessions stale rather than
// blocking the feed.
type Propagator struct {
	log  eventlog.Log
	feed user.Feed
}

// NewPropagator wires a propagator over the given event log and feed.
func NewPropagator(l eventlog.Log, feed user.Feed) *Propagator {
	return &Propagator{log: l, feed: feed}
}

// Run subscribes to the feed and processes notifications until ctx is done.
// The subscription is reopened with exponential backoff if it ends early.
func (p *Propagator) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()

	for {
		ch, stop, err := p.feed.Subscribe(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("user feed subscribe failed, backing off")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(nextBackoff(bo)):
				continue
			}
		}

		bo.Reset()
		done := p.consume(ctx, ch)
		stop()
		if done {
			return ctx.Err()
		}

		log.Debug().Msg("user feed ended, resubscribing")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(nextBackoff(bo)):
		}
	}
}

// consume processes notifications until the channel closes (returns false)
// or ctx is done (returns true).
func (p *Propagator) consume(ctx context.Context, ch <-chan user.Notification) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case n, ok := <-ch:
			if !ok {
				return false
			}
			p.handle(ctx, n)
		}
	}
}

func (p *Propagator) handle(ctx context.Context, n user.Notification) {
	if n.User == "" {
		log.Warn().Str("type", string(n.Type)).Msg("dropping user notification without user id")
		return
	}

	var ev *eventlog.Event
	var err error
	switch n.Type {
	case user.EventDeleted:
		ev, err = eventlog.NewEvent(CascadeStreamID(n.User), EventUserDeleted, UserDeletedEvent{
			User: n.User,
		})
	case user.EventRolesUpdated:
		ev, err = eventlog.NewEvent(CascadeStreamID(n.User), EventRolesUpdated, RolesUpdatedEvent{
			User:  n.User,
			Roles: NormalizeRoles(n.Roles),
		})
	default:
		log.Debug().Str("type", string(n.Type)).Msg("ignoring unrecognized user notification")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("user", n.User).Msg("failed to build cascade event")
		return
	}

	if err := p.log.Append(ctx, ev); err != nil {
		log.Warn().Err(err).
			Str("user", n.User).
			Str("type", string(n.Type)).
			Msg("failed to append cascade event")
	}
}

func nextBackoff(bo backoff.BackOff) time.Duration {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		d = backoff.DefaultMaxInterval
	}
	return d
}
