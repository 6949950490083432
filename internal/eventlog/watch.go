package eventlog

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// Resubscribe wraps Log.Subscribe with automatic restart. If the underlying
// subscription ends while the context is still live (adapter restart,
// transient failure), it is reopened with exponential backoff and emissions
// resume on the same channel. The returned channel closes only when stop is
// called or ctx is done.
func Resubscribe(ctx context.Context, l Log, table, id string) (<-chan Change, func()) {
	out := make(chan Change, 16)
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)

		bo := backoff.NewExponentialBackOff()

		for {
			ch, stop, err := l.Subscribe(ctx, table, id)
			if err != nil {
				log.Warn().Err(err).
					Str("table", table).
					Str("id", id).
					Msg("subscribe failed, backing off")

				select {
				case <-ctx.Done():
					return
				case <-waitBackoff(bo):
					continue
				}
			}

			bo.Reset()
			if !forward(ctx, ch, out) {
				stop()
				return
			}
			stop()

			// Source channel closed while we are still live; restart.
			log.Debug().
				Str("table", table).
				Str("id", id).
				Msg("subscription ended, restarting")

			select {
			case <-ctx.Done():
				return
			case <-waitBackoff(bo):
			}
		}
	}()

	return out, cancel
}

// forward copies changes until the source closes (returns true) or the
// context is done (returns false).
func forward(ctx context.Context, src <-chan Change, dst chan<- Change) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case c, ok := <-src:
			if !ok {
				return true
			}
			select {
			case dst <- c:
			case <-ctx.Done():
				return false
			}
		}
	}
}

func waitBackoff(bo backoff.BackOff) <-chan time.Time {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		d = backoff.DefaultMaxInterval
	}
	return time.After(d)
}
