package journal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comalice/statecore/internal/wire"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func openTempStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.sqlite")
	store, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func entry(session string, seq uint64) Entry {
	return Entry{
		Session: session,
		Seq:     seq,
		Tick:    seq,
		At:      t0.Add(time.Duration(seq) * time.Millisecond),
		Command: wire.Envelope{Kind: "set_register", Payload: json.RawMessage(`{"name":"pump","value":1}`)},
		Events:  []wire.Envelope{{Kind: "register_changed", Payload: json.RawMessage(`{"name":"pump"}`)}},
	}
}

// stores runs fn against every Store implementation.
func stores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, openTempStore(t)) })
}

func TestStoreAppendAndList(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for seq := uint64(1); seq <= 5; seq++ {
			require.NoError(t, s.Append(ctx, entry("a", seq)))
		}

		page, err := s.List(ctx, "a", 0, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, uint64(1), page[0].Seq)
		assert.Equal(t, uint64(2), page[1].Seq)

		page, err = s.List(ctx, "a", 2, 10)
		require.NoError(t, err)
		require.Len(t, page, 3)
		assert.Equal(t, uint64(3), page[0].Seq)

		got := page[0]
		want := entry("a", 3)
		assert.Equal(t, want.At, got.At)
		assert.Equal(t, want.Command.Kind, got.Command.Kind)
		assert.JSONEq(t, string(want.Command.Payload), string(got.Command.Payload))
		require.Len(t, got.Events, 1)
		assert.Equal(t, "register_changed", got.Events[0].Kind)

		page, err = s.List(ctx, "a", 5, 10)
		require.NoError(t, err)
		assert.Empty(t, page)

		_, err = s.List(ctx, "a", 0, 0)
		assert.Error(t, err)
	})
}

func TestStoreRejectsOutOfOrder(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		assert.ErrorIs(t, s.Append(ctx, entry("a", 2)), ErrOutOfOrder)
		require.NoError(t, s.Append(ctx, entry("a", 1)))
		assert.ErrorIs(t, s.Append(ctx, entry("a", 1)), ErrOutOfOrder, "duplicate")
		assert.ErrorIs(t, s.Append(ctx, entry("a", 3)), ErrOutOfOrder, "gap")
		require.NoError(t, s.Append(ctx, entry("b", 1)), "sessions are independent")
	})
}

func TestStoreUnknownSession(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.List(ctx, "nope", 0, 10)
		assert.ErrorIs(t, err, ErrUnknownSession)
		_, err = s.Checkpoints(ctx, "nope")
		assert.ErrorIs(t, err, ErrUnknownSession)
	})
}

func TestStoreCheckpoints(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		// checkpoints may land before the entries they follow
		require.NoError(t, s.SaveCheckpoint(ctx, Checkpoint{Session: "a", Seq: 4, Tick: 2, Revision: 3, Digest: "d4", At: t0}))
		require.NoError(t, s.SaveCheckpoint(ctx, Checkpoint{Session: "a", Seq: 0, Tick: 1, Digest: "d0", At: t0}))
		require.NoError(t, s.SaveCheckpoint(ctx, Checkpoint{Session: "a", Seq: 4, Tick: 2, Revision: 3, Digest: "d4b", At: t0}))
		require.NoError(t, s.Append(ctx, entry("a", 1)))

		cps, err := s.Checkpoints(ctx, "a")
		require.NoError(t, err)
		require.Len(t, cps, 2)
		assert.Equal(t, uint64(0), cps[0].Seq)
		assert.Equal(t, "d0", cps[0].Digest)
		assert.Equal(t, "d4b", cps[1].Digest, "same seq replaces")
		assert.Equal(t, uint64(3), cps[1].Revision)
		assert.Equal(t, t0, cps[1].At)
	})
}

func TestStoreSessions(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Append(ctx, entry("first", 1)))
		require.NoError(t, s.Append(ctx, entry("first", 2)))
		later := entry("second", 1)
		later.At = t0.Add(time.Hour)
		require.NoError(t, s.Append(ctx, later))

		infos, err := s.Sessions(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 2)
		assert.Equal(t, "first", infos[0].ID)
		assert.Equal(t, uint64(2), infos[0].Entries)
		assert.Equal(t, t0.Add(time.Millisecond), infos[0].StartedAt)
		assert.Equal(t, "second", infos[1].ID)
		assert.Equal(t, uint64(1), infos[1].Entries)
	})
}

func TestMemoryClosed(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Append(context.Background(), entry("a", 1)), ErrClosed)
	_, err := m.List(context.Background(), "a", 0, 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenSQLiteIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.sqlite")
	ctx := context.Background()

	first, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, first.Append(ctx, entry("a", 1)))
	require.NoError(t, first.Close())

	second, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer second.Close()
	page, err := second.List(ctx, "a", 0, 10)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	var applied int
	require.NoError(t, second.sqlDB.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	assert.Equal(t, 2, applied)
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "  ")
	assert.Error(t, err)
}

func TestExtractUp(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE t (x);\n-- +migrate Down\nDROP TABLE t;\n"
	assert.Equal(t, "\nCREATE TABLE t (x);\n", extractUp(content))
	assert.Equal(t, "SELECT 1;", extractUp("SELECT 1;"))
}
