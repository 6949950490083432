package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/sessiond/internal/sessionctx"
)

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *Resolver) {
	t.Helper()
	l := newTestLog(t)
	r, err := NewResolver(ModeTransactional, nil, l)
	require.NoError(t, err)
	return NewService(l, r, opts...), r
}

func resolvedContext(t *testing.T, svc *Service, sessionKey string) (context.Context, string) {
	t.Helper()
	sessionID, err := svc.ResolveSession(context.Background(), Credentials{SessionKey: sessionKey})
	require.NoError(t, err)
	return sessionctx.WithSession(context.Background(), sessionID), sessionID
}

func TestCreateSessionIfNotExists(t *testing.T) {
	svc, _ := newTestService(t)

	ctx := sessionctx.WithSession(context.Background(), "sess-1")

	outcome, err := svc.CreateSessionIfNotExists(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, outcome)

	outcome, err = svc.CreateSessionIfNotExists(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeExists, outcome)
}

func TestCreateSessionIfNotExistsRequiresMatchingContext(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateSessionIfNotExists(context.Background(), "sess-1")
	require.ErrorIs(t, err, ErrSessionRequired)

	ctx := sessionctx.WithSession(context.Background(), "sess-1")
	_, err = svc.CreateSessionIfNotExists(ctx, "sess-other")
	require.ErrorIs(t, err, ErrSessionMismatch)
}

func TestSnapshotDefaultsAbsentRecord(t *testing.T) {
	svc, _ := newTestService(t)

	ctx := sessionctx.WithSession(context.Background(), "never-written")
	s, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "never-written", s.ID)
	require.True(t, s.Anonymous())
	require.NotNil(t, s.Roles)
	require.Empty(t, s.Roles)
	require.Nil(t, s.Expire)
}

func TestLoginRequiresRecord(t *testing.T) {
	svc, _ := newTestService(t)

	ctx := sessionctx.WithSession(context.Background(), "missing")
	err := svc.Login(ctx, LoginParams{User: "u1"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLoginLogout(t *testing.T) {
	var hookUser, hookSession string
	svc, _ := newTestService(t, WithLogoutHook(func(ctx context.Context, user, sessionID string) {
		hookUser, hookSession = user, sessionID
	}))

	ctx, sessionID := resolvedContext(t, svc, "key-1")

	expire := time.Now().Add(time.Hour).UTC()
	err := svc.Login(ctx, LoginParams{
		User:   "u1",
		Roles:  []string{"reader", "reader", "writer"},
		Expire: &expire,
	})
	require.NoError(t, err)

	s, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "u1", s.User)
	require.Equal(t, []string{"reader", "writer"}, s.Roles)
	require.Equal(t, "key-1", s.Key)

	err = svc.Logout(ctx)
	require.NoError(t, err)
	require.Equal(t, "u1", hookUser)
	require.Equal(t, sessionID, hookSession)

	s, err = svc.Snapshot(ctx)
	require.NoError(t, err)
	require.True(t, s.Anonymous())
	require.Empty(t, s.Roles)
	require.Nil(t, s.Expire)
	require.Equal(t, sessionID, s.ID)
	require.Equal(t, "key-1", s.Key)
}

func TestLogoutErrors(t *testing.T) {
	svc, _ := newTestService(t)

	// No record at all.
	err := svc.Logout(sessionctx.WithSession(context.Background(), "missing"))
	require.ErrorIs(t, err, ErrNotFound)

	// Record exists but is anonymous.
	ctx, _ := resolvedContext(t, svc, "key-1")
	err = svc.Logout(ctx)
	require.ErrorIs(t, err, ErrLoggedOut)
}

func TestFindByKey(t *testing.T) {
	svc, _ := newTestService(t)

	_, sessionID := resolvedContext(t, svc, "key-1")

	s, err := svc.FindByKey(context.Background(), "key-1")
	require.NoError(t, err)
	require.Equal(t, sessionID, s.ID)

	_, err = svc.FindByKey(context.Background(), "unseen")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.FindByKey(context.Background(), "")
	require.ErrorIs(t, err, ErrSessionKeyRequired)
}

func TestCurrentSessionStreamsChanges(t *testing.T) {
	svc, _ := newTestService(t)

	ctx, sessionID := resolvedContext(t, svc, "key-1")

	ch, stop, err := svc.CurrentSession(ctx)
	require.NoError(t, err)
	defer stop()

	initial := waitSession(t, ch)
	require.Equal(t, sessionID, initial.ID)
	require.True(t, initial.Anonymous())

	require.NoError(t, svc.Login(ctx, LoginParams{User: "u1", Roles: []string{"reader"}}))

	next := waitSession(t, ch)
	require.Equal(t, "u1", next.User)
	require.Equal(t, []string{"reader"}, next.Roles)
}

func TestCurrentSessionAbsentRecordDefaults(t *testing.T) {
	svc, _ := newTestService(t)

	ctx := sessionctx.WithSession(context.Background(), "never-written")
	ch, stop, err := svc.CurrentSession(ctx)
	require.NoError(t, err)
	defer stop()

	initial := waitSession(t, ch)
	require.Equal(t, "never-written", initial.ID)
	require.True(t, initial.Anonymous())
	require.NotNil(t, initial.Roles)
}

func TestCurrentSessionRequiresContext(t *testing.T) {
	svc, _ := newTestService(t)

	_, _, err := svc.CurrentSession(context.Background())
	require.ErrorIs(t, err, ErrSessionRequired)
}

func waitSession(t *testing.T, ch <-chan *Session) *Session {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "session channel closed")
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session emission")
		return nil
	}
}
