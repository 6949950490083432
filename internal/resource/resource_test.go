package resource

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/sessiond/internal/eventlog"
	"github.com/wolfeidau/sessiond/internal/eventlog/memory"
	"github.com/wolfeidau/sessiond/internal/localid"
	"github.com/wolfeidau/sessiond/internal/queue"
	"github.com/wolfeidau/sessiond/internal/sessionctx"
)

const (
	sessionA = "aaaa0198-b5f0-7000-8000-000000000001"
	sessionB = "bbbb0198-b5f0-7000-8000-000000000002"
)

func ctxFor(sessionID string) context.Context {
	return sessionctx.WithSession(context.Background(), sessionID)
}

func buildOne(t *testing.T, def Definition, opts ...BuildOption) (*Handlers, *memory.Log) {
	t.Helper()
	l := memory.NewLog()
	handlers, err := NewRegistry().Add(def).Build(l, queue.NewGroup(), opts...)
	require.NoError(t, err)
	return handlers[def.Name], l
}

func noteDefinition() Definition {
	return Definition{
		Name: "note",
		Kind: KindItem,
		Policy: Policy{
			Read:   AllowAll,
			Public: AllowAll,
			Write:  AllowAll,
		},
		SortBy:   []string{"rank"},
		Writable: []string{"text", "rank"},
		Defaults: map[string]any{"rank": "m"},
	}
}

func TestItemCreateForcesSession(t *testing.T) {
	h, l := buildOne(t, noteDefinition())
	items := h.Items()
	require.NotNil(t, items)

	// The payload cannot claim another session or override the id.
	id, err := items.Create(ctxFor(sessionA), "", map[string]any{
		"text":    "hello",
		"session": sessionB,
		"id":      "forged",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NotEqual(t, "forged", id)

	value, err := l.Get(context.Background(), "note", id)
	require.NoError(t, err)
	record, err := decodeRecord(value)
	require.NoError(t, err)
	require.Equal(t, sessionA, record["session"])
	require.Equal(t, "hello", record["text"])
	require.Equal(t, "m", record["rank"])
}

func TestItemCreateClientID(t *testing.T) {
	h, _ := buildOne(t, noteDefinition())
	items := h.Items()

	gen, err := localid.NewGenerator(sessionA)
	require.NoError(t, err)
	clientID := gen.Next()

	id, err := items.Create(ctxFor(sessionA), clientID, map[string]any{"text": "x"})
	require.NoError(t, err)
	require.Equal(t, clientID, id)

	// Duplicate creates for the same id fail.
	_, err = items.Create(ctxFor(sessionA), clientID, map[string]any{"text": "y"})
	require.ErrorIs(t, err, ErrExists)

	// Ids fingerprinted for another session are rejected.
	otherGen, err := localid.NewGenerator(sessionB)
	require.NoError(t, err)
	_, err = items.Create(ctxFor(sessionA), otherGen.Next(), map[string]any{"text": "z"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestItemCreateUserFingerprint(t *testing.T) {
	userID := "cccc0198-b5f0-7000-8000-000000000003"
	def := noteDefinition()
	h, _ := buildOne(t, def, WithUserLookup(func(ctx context.Context, sessionID string) (string, error) {
		return userID, nil
	}))

	gen, err := localid.NewGenerator(userID)
	require.NoError(t, err)

	// An id fingerprinted for the logged-in user passes even though it does
	// not match the session id.
	id, err := h.Items().Create(ctxFor(sessionA), gen.Next(), map[string]any{"text": "x"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestItemUpdateOwnershipAndFiltering(t *testing.T) {
	h, l := buildOne(t, noteDefinition())
	items := h.Items()

	id, err := items.Create(ctxFor(sessionA), "", map[string]any{"text": "before"})
	require.NoError(t, err)

	// Non-writable and reserved fields are stripped from the patch.
	err = items.Update(ctxFor(sessionA), id, map[string]any{
		"text":    "after",
		"session": sessionB,
		"secret":  "nope",
	})
	require.NoError(t, err)

	value, err := l.Get(context.Background(), "note", id)
	require.NoError(t, err)
	record, err := decodeRecord(value)
	require.NoError(t, err)
	require.Equal(t, "after", record["text"])
	require.Equal(t, sessionA, record["session"])
	require.NotContains(t, record, "secret")

	// Another session cannot touch the record, and the failed attempt
	// leaves it unchanged.
	err = items.Update(ctxFor(sessionB), id, map[string]any{"text": "stolen"})
	require.ErrorIs(t, err, ErrNotAuthorized)

	value, err = l.Get(context.Background(), "note", id)
	require.NoError(t, err)
	record, err = decodeRecord(value)
	require.NoError(t, err)
	require.Equal(t, "after", record["text"])

	err = items.Update(ctxFor(sessionA), "missing", map[string]any{"text": "x"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestItemDelete(t *testing.T) {
	h, l := buildOne(t, noteDefinition())
	items := h.Items()

	id, err := items.Create(ctxFor(sessionA), "", map[string]any{"text": "x"})
	require.NoError(t, err)

	require.ErrorIs(t, items.Delete(ctxFor(sessionB), id), ErrNotAuthorized)
	require.NoError(t, items.Delete(ctxFor(sessionA), id))

	_, err = l.Get(context.Background(), "note", id)
	require.ErrorIs(t, err, eventlog.ErrNotFound)

	require.ErrorIs(t, items.Delete(ctxFor(sessionA), id), ErrNotFound)
}

func TestItemListing(t *testing.T) {
	h, _ := buildOne(t, noteDefinition())
	items := h.Items()

	for i, rank := range []string{"c", "a", "b"} {
		_, err := items.Create(ctxFor(sessionA), "", map[string]any{
			"text": fmt.Sprintf("note-%d", i),
			"rank": rank,
		})
		require.NoError(t, err)
	}
	_, err := items.Create(ctxFor(sessionB), "", map[string]any{"text": "other"})
	require.NoError(t, err)

	// List sees only the context session's items.
	mine, err := items.List(ctxFor(sessionA), Query{})
	require.NoError(t, err)
	require.Len(t, mine, 3)

	// ListBy orders by the sort field within the session.
	byRank, err := items.ListBy(ctxFor(sessionA), "rank", Query{})
	require.NoError(t, err)
	require.Len(t, byRank, 3)
	require.Equal(t, "a", byRank[0].Value["rank"])
	require.Equal(t, "b", byRank[1].Value["rank"])
	require.Equal(t, "c", byRank[2].Value["rank"])

	reversed, err := items.ListBy(ctxFor(sessionA), "rank", Query{Reverse: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, reversed, 1)
	require.Equal(t, "c", reversed[0].Value["rank"])

	_, err = items.ListBy(ctxFor(sessionA), "text", Query{})
	require.Error(t, err)

	// Cursor paging resumes strictly past the last seen record.
	page, err := items.ListBy(ctxFor(sessionA), "rank", Query{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	rest, err := items.ListBy(ctxFor(sessionA), "rank", Query{Limit: 2, After: page[1].Cursor})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "c", rest[0].Value["rank"])

	// Public listing reads another session's items.
	public, err := items.ListPublic(ctxFor(sessionB), sessionA, Query{})
	require.NoError(t, err)
	require.Len(t, public, 3)
}

func TestPolicyDisablesOperations(t *testing.T) {
	def := noteDefinition()
	def.Policy = Policy{Read: AllowAll} // no write access at all
	h, _ := buildOne(t, def)
	items := h.Items()

	_, err := items.Create(ctxFor(sessionA), "", map[string]any{"text": "x"})
	require.ErrorIs(t, err, ErrNotAuthorized)
	require.ErrorIs(t, items.Update(ctxFor(sessionA), "any", nil), ErrNotAuthorized)
	require.ErrorIs(t, items.Delete(ctxFor(sessionA), "any"), ErrNotAuthorized)

	_, err = items.ListPublic(ctxFor(sessionA), sessionB, Query{})
	require.ErrorIs(t, err, ErrNotAuthorized)

	// Reads still work.
	_, err = items.List(ctxFor(sessionA), Query{})
	require.NoError(t, err)
}

func TestAccessDenialWrapsError(t *testing.T) {
	denied := errors.New("nope")
	def := noteDefinition()
	def.Policy.Write = func(ctx context.Context) error { return denied }
	h, _ := buildOne(t, def)

	_, err := h.Items().Create(ctxFor(sessionA), "", map[string]any{"text": "x"})
	require.ErrorIs(t, err, ErrNotAuthorized)
	require.ErrorIs(t, err, denied)
}

func TestValidateHookBlocksMutations(t *testing.T) {
	def := noteDefinition()
	def.Validate = func(ctx context.Context, merged map[string]any) error {
		if merged["text"] == "" || merged["text"] == nil {
			return errors.New("text required")
		}
		return nil
	}
	h, l := buildOne(t, def)
	items := h.Items()

	_, err := items.Create(ctxFor(sessionA), "", map[string]any{})
	require.ErrorIs(t, err, ErrValidation)

	id, err := items.Create(ctxFor(sessionA), "", map[string]any{"text": "ok"})
	require.NoError(t, err)

	// The failed update appends nothing.
	err = items.Update(ctxFor(sessionA), id, map[string]any{"text": ""})
	require.ErrorIs(t, err, ErrValidation)

	value, err := l.Get(context.Background(), "note", id)
	require.NoError(t, err)
	record, err := decodeRecord(value)
	require.NoError(t, err)
	require.Equal(t, "ok", record["text"])
}

func themeDefinition() Definition {
	return Definition{
		Name: "theme",
		Kind: KindProperty,
		Policy: Policy{
			Read:   AllowAll,
			Public: AllowAll,
			Write:  AllowAll,
		},
		Writable: []string{"color", "contrast"},
		Defaults: map[string]any{"color": "light", "contrast": "normal"},
	}
}

func TestPropertyLifecycle(t *testing.T) {
	h, _ := buildOne(t, themeDefinition())
	prop := h.Property()
	require.NotNil(t, prop)
	require.Nil(t, h.Items())

	// Unset reads fall back to defaults with the session attached.
	value, err := prop.Get(ctxFor(sessionA))
	require.NoError(t, err)
	require.Equal(t, "light", value["color"])
	require.Equal(t, sessionA, value["session"])

	require.NoError(t, prop.Set(ctxFor(sessionA), map[string]any{"color": "dark"}))

	value, err = prop.Get(ctxFor(sessionA))
	require.NoError(t, err)
	require.Equal(t, "dark", value["color"])
	require.Equal(t, "normal", value["contrast"])

	// Update merges over the stored value.
	require.NoError(t, prop.Update(ctxFor(sessionA), map[string]any{"contrast": "high"}))
	value, err = prop.Get(ctxFor(sessionA))
	require.NoError(t, err)
	require.Equal(t, "dark", value["color"])
	require.Equal(t, "high", value["contrast"])

	// Each session holds its own value.
	value, err = prop.Get(ctxFor(sessionB))
	require.NoError(t, err)
	require.Equal(t, "light", value["color"])

	// Public reads cross sessions.
	value, err = prop.GetPublic(ctxFor(sessionB), sessionA)
	require.NoError(t, err)
	require.Equal(t, "dark", value["color"])

	// Reset returns to defaults; resetting again is a no-op.
	require.NoError(t, prop.Reset(ctxFor(sessionA)))
	value, err = prop.Get(ctxFor(sessionA))
	require.NoError(t, err)
	require.Equal(t, "light", value["color"])
	require.NoError(t, prop.Reset(ctxFor(sessionA)))
}

func TestPropertyUpdateUnsetMaterializesDefaults(t *testing.T) {
	h, _ := buildOne(t, themeDefinition())
	prop := h.Property()

	require.NoError(t, prop.Update(ctxFor(sessionA), map[string]any{"contrast": "high"}))

	value, err := prop.Get(ctxFor(sessionA))
	require.NoError(t, err)
	require.Equal(t, "light", value["color"])
	require.Equal(t, "high", value["contrast"])
}

func TestPropertyWatch(t *testing.T) {
	h, _ := buildOne(t, themeDefinition())
	prop := h.Property()

	ctx := ctxFor(sessionA)
	ch, stop, err := prop.Watch(ctx)
	require.NoError(t, err)
	defer stop()

	initial := waitValue(t, ch)
	require.Equal(t, "light", initial["color"])

	require.NoError(t, prop.Set(ctx, map[string]any{"color": "dark"}))

	next := waitValue(t, ch)
	require.Equal(t, "dark", next["color"])
}

func TestOperations(t *testing.T) {
	itemHandlers, _ := buildOne(t, noteDefinition())
	require.Equal(t, []string{
		"createMySessionNote",
		"updateMySessionNote",
		"deleteMySessionNote",
		"mySessionNotes",
		"mySessionNotesByRank",
		"publicSessionNotes",
	}, itemHandlers.Operations())

	propDef := themeDefinition()
	propDef.Policy.Public = nil
	propHandlers, _ := buildOne(t, propDef)
	require.Equal(t, []string{
		"setSessionTheme",
		"updateSessionTheme",
		"resetSessionTheme",
		"sessionTheme",
	}, propHandlers.Operations())
}

func TestBuildRejectsBadDefinitions(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
	}{
		{name: "missing name", def: Definition{Kind: KindItem}},
		{name: "unknown kind", def: Definition{Name: "x", Kind: Kind("blob")}},
		{name: "upper case name", def: Definition{Name: "Note", Kind: KindItem}},
		{name: "reserved writable", def: Definition{Name: "note", Kind: KindItem, Writable: []string{"session"}}},
		{name: "reserved default", def: Definition{Name: "note", Kind: KindItem, Defaults: map[string]any{"id": "x"}}},
		{name: "reserved sort", def: Definition{Name: "note", Kind: KindItem, SortBy: []string{"session"}}},
		{name: "sort on property", def: Definition{Name: "note", Kind: KindProperty, SortBy: []string{"rank"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry().Add(tt.def).Build(memory.NewLog(), queue.NewGroup())
			require.Error(t, err)
		})
	}
}

func TestBuildRejectsDuplicatesAndReuse(t *testing.T) {
	r := NewRegistry().Add(noteDefinition()).Add(noteDefinition())
	_, err := r.Build(memory.NewLog(), queue.NewGroup())
	require.Error(t, err)

	r = NewRegistry().Add(noteDefinition())
	_, err = r.Build(memory.NewLog(), queue.NewGroup())
	require.NoError(t, err)
	_, err = r.Build(memory.NewLog(), queue.NewGroup())
	require.Error(t, err)
}

func TestRequiresSessionContext(t *testing.T) {
	h, _ := buildOne(t, noteDefinition())

	_, err := h.Items().Create(context.Background(), "", map[string]any{"text": "x"})
	require.ErrorIs(t, err, ErrSessionRequired)

	_, err = h.Items().List(context.Background(), Query{})
	require.ErrorIs(t, err, ErrSessionRequired)
}

func waitValue(t *testing.T, ch <-chan map[string]any) map[string]any {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for property emission")
		return nil
	}
}
