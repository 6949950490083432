//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/wolfeidau/sessiond/internal/eventlog"
)

type note struct {
	ID      string `json:"id"`
	Session string `json:"session"`
	Body    string `json:"body"`
}

func setupPostgresLog(t *testing.T, ctx context.Context) (*Log, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connString := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	l, err := NewLog(ctx, &Config{
		Pool:        PoolConfig{ConnString: connString},
		AutoMigrate: true,
	})
	require.NoError(t, err)

	require.NoError(t, l.RegisterTable(eventlog.TableDef{
		Name: "notes",
		Indexes: []eventlog.IndexDef{
			{
				Name: "bySession",
				Key: func(id string, value json.RawMessage) (string, bool) {
					var n note
					if err := json.Unmarshal(value, &n); err != nil || n.Session == "" {
						return "", false
					}
					return eventlog.KeyTuple(n.Session, id), true
				},
			},
		},
	}))
	require.NoError(t, l.RegisterApplier("notePut", func(ctx context.Context, tx eventlog.Tx, ev *eventlog.Event) error {
		var n note
		if err := json.Unmarshal(ev.Data, &n); err != nil {
			return err
		}
		return tx.Put(ctx, "notes", n.ID, ev.Data)
	}))
	require.NoError(t, l.RegisterApplier("noteDeleted", func(ctx context.Context, tx eventlog.Tx, ev *eventlog.Event) error {
		var n note
		if err := json.Unmarshal(ev.Data, &n); err != nil {
			return err
		}
		return tx.Delete(ctx, "notes", n.ID)
	}))

	cleanup := func() {
		l.Close()
		_ = container.Terminate(ctx)
	}
	return l, cleanup
}

func appendNote(t *testing.T, l *Log, eventType string, n note) {
	t.Helper()
	ev, err := eventlog.NewEvent("notes/"+n.ID, eventType, n)
	require.NoError(t, err)
	require.NoError(t, l.Append(context.Background(), ev))
}

func TestIntegration_AppendGetScan(t *testing.T) {
	ctx := context.Background()
	l, cleanup := setupPostgresLog(t, ctx)
	defer cleanup()

	appendNote(t, l, "notePut", note{ID: "n1", Session: "s1", Body: "one"})
	appendNote(t, l, "notePut", note{ID: "n2", Session: "s1", Body: "two"})
	appendNote(t, l, "notePut", note{ID: "n3", Session: "s2", Body: "three"})

	t.Run("get", func(t *testing.T) {
		value, err := l.Get(ctx, "notes", "n1")
		require.NoError(t, err)

		var n note
		require.NoError(t, json.Unmarshal(value, &n))
		require.Equal(t, "one", n.Body)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := l.Get(ctx, "notes", "nope")
		require.ErrorIs(t, err, eventlog.ErrNotFound)
	})

	t.Run("scan by session", func(t *testing.T) {
		entries, err := l.RangeScan(ctx, "notes", "bySession", eventlog.PrefixRange("s1"))
		require.NoError(t, err)
		require.Len(t, entries, 2)
		require.Equal(t, "n1", entries[0].ID)
		require.Equal(t, "n2", entries[1].ID)
	})

	t.Run("scan with limit", func(t *testing.T) {
		r := eventlog.PrefixRange("s1")
		r.Limit = 1
		entries, err := l.RangeScan(ctx, "notes", "bySession", r)
		require.NoError(t, err)
		require.Len(t, entries, 1)
	})

	t.Run("update moves index entry", func(t *testing.T) {
		appendNote(t, l, "notePut", note{ID: "n2", Session: "s3", Body: "moved"})

		entries, err := l.RangeScan(ctx, "notes", "bySession", eventlog.PrefixRange("s1"))
		require.NoError(t, err)
		require.Len(t, entries, 1)

		entries, err = l.RangeScan(ctx, "notes", "bySession", eventlog.PrefixRange("s3"))
		require.NoError(t, err)
		require.Len(t, entries, 1)
	})

	t.Run("delete removes record and index", func(t *testing.T) {
		appendNote(t, l, "noteDeleted", note{ID: "n3"})

		_, err := l.Get(ctx, "notes", "n3")
		require.ErrorIs(t, err, eventlog.ErrNotFound)

		entries, err := l.RangeScan(ctx, "notes", "bySession", eventlog.PrefixRange("s2"))
		require.NoError(t, err)
		require.Empty(t, entries)
	})
}

func TestIntegration_SubscribeSeesCommittedChanges(t *testing.T) {
	ctx := context.Background()
	l, cleanup := setupPostgresLog(t, ctx)
	defer cleanup()

	appendNote(t, l, "notePut", note{ID: "n1", Session: "s1", Body: "v1"})

	ch, stop, err := l.Subscribe(ctx, "notes", "n1")
	require.NoError(t, err)
	defer stop()

	initial := <-ch
	require.NotNil(t, initial.Value)

	appendNote(t, l, "notePut", note{ID: "n1", Session: "s1", Body: "v2"})

	select {
	case c := <-ch:
		var n note
		require.NoError(t, json.Unmarshal(c.Value, &n))
		require.Equal(t, "v2", n.Body)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change")
	}
}
