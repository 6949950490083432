// Package user exposes the fragment of the foreign User aggregate this
// service consumes: the opaque user id and the account-level notifications
// that drive cascade propagation. The User aggregate itself lives in another
// service and needs no session-specific knowledge.
package user

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// EventType identifies a consumed account-level notification.
type EventType string

const (
	// EventDeleted signals the referenced user account was deleted.
	EventDeleted EventType = "userDeleted"
	// EventRolesUpdated signals the user's role set was replaced.
	EventRolesUpdated EventType = "rolesUpdated"
)

// Notification is one account-level change received from the User service.
type Notification struct {
	Type  EventType `json:"type"`
	User  string    `json:"user"`
	Roles []string  `json:"roles,omitempty"`
}

// Feed delivers account-level notifications. Subscriptions are push-based
// and independent of request handling.
type Feed interface {
	Subscribe(ctx context.Context) (<-chan Notification, func(), error)
}

// Bus is an in-process Feed implementation. Production deployments adapt
// their message transport to the Feed interface; the bus backs tests and
// single-node setups.
type Bus struct {
	mu   sync.Mutex
	subs []*busSub
}

type busSub struct {
	ch     chan Notification
	stopCh chan struct{}
	once   sync.Once
}

// NewBus creates an empty notification bus.
func NewBus() *Bus {
	return &Bus{}
}

// Publish delivers a notification to all current subscribers. Sends happen
// under the bus lock so they cannot race an unsubscribe closing the channel;
// a subscriber that cannot keep up drops the notification.
func (b *Bus) Publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- n:
		default:
			log.Warn().
				Str("user", n.User).
				Str("type", string(n.Type)).
				Msg("subscriber channel full, dropping notification")
		}
	}
}

// Subscribe registers for notifications until stop is called or ctx is done.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Notification, func(), error) {
	sub := &busSub{
		ch:     make(chan Notification, 16),
		stopCh: make(chan struct{}),
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	stop := func() {
		sub.once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subs {
				if s == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			close(sub.stopCh)
			close(sub.ch)
			b.mu.Unlock()
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
