package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE records (
  type       TEXT    NOT NULL,
  key        TEXT    NOT NULL,
  value      BLOB,
  version    INTEGER NOT NULL DEFAULT 0,
  deleted    INTEGER NOT NULL DEFAULT 0,
  dirty      INTEGER NOT NULL DEFAULT 0,
  local_rev  INTEGER NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (type, key)
);`)
	require.NoError(t, err)
	return db
}

func TestGet_NotFound(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))

	_, err := r.Get(context.Background(), "note", "missing")
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestPutLocal_MarksDirtyAndBumpsRev(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.PutLocal(ctx, "note", "a", []byte(`"v1"`), false))
	require.NoError(t, r.PutLocal(ctx, "note", "a", []byte(`"v2"`), false))

	rec, err := r.Get(ctx, "note", "a")
	require.NoError(t, err)
	assert.JSONEq(t, `"v2"`, string(rec.Value))
	assert.True(t, rec.Dirty)
	assert.Equal(t, int64(2), rec.LocalRev)
	assert.Equal(t, int64(0), rec.Version)
	assert.False(t, rec.UpdatedAt.IsZero())
}

func TestPutLocal_Tombstone(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.PutLocal(ctx, "note", "a", []byte(`"v1"`), false))
	require.NoError(t, r.PutLocal(ctx, "note", "a", []byte(`"ignored"`), true))

	rec, err := r.Get(ctx, "note", "a")
	require.NoError(t, err)
	assert.True(t, rec.Deleted)
	assert.Nil(t, rec.Value)

	live, err := r.List(ctx, "note")
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestMarkPushed_KeepsNewerLocalWrite(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.PutLocal(ctx, "note", "a", []byte(`"v1"`), false))
	pushed, err := r.Get(ctx, "note", "a")
	require.NoError(t, err)

	require.NoError(t, r.PutLocal(ctx, "note", "a", []byte(`"v2"`), false))
	require.NoError(t, r.MarkPushed(ctx, "note", "a", pushed.LocalRev, 4))

	rec, err := r.Get(ctx, "note", "a")
	require.NoError(t, err)
	assert.True(t, rec.Dirty, "write after the push must stay dirty")
	assert.Equal(t, int64(4), rec.Version)

	require.NoError(t, r.MarkPushed(ctx, "note", "a", rec.LocalRev, 5))
	rec, err = r.Get(ctx, "note", "a")
	require.NoError(t, err)
	assert.False(t, rec.Dirty)
	assert.Equal(t, int64(5), rec.Version)

	dirty, err := r.ListDirty(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

func TestApplyRemote(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	applied, err := r.ApplyRemote(ctx, &models.Record{Type: "note", Key: "a", Value: json.RawMessage(`"srv"`), Version: 3}, 0)
	require.NoError(t, err)
	assert.True(t, applied)

	rec, err := r.Get(ctx, "note", "a")
	require.NoError(t, err)
	assert.JSONEq(t, `"srv"`, string(rec.Value))
	assert.Equal(t, int64(3), rec.Version)
	assert.False(t, rec.Dirty)

	t.Run("stale expectation is skipped", func(t *testing.T) {
		require.NoError(t, r.PutLocal(ctx, "note", "a", []byte(`"local"`), false))

		applied, err := r.ApplyRemote(ctx, &models.Record{Type: "note", Key: "a", Value: json.RawMessage(`"srv2"`), Version: 4}, rec.LocalRev)
		require.NoError(t, err)
		assert.False(t, applied)

		cur, err := r.Get(ctx, "note", "a")
		require.NoError(t, err)
		assert.JSONEq(t, `"local"`, string(cur.Value))
	})

	t.Run("dirty merge bumps rev", func(t *testing.T) {
		cur, err := r.Get(ctx, "note", "a")
		require.NoError(t, err)

		applied, err := r.ApplyRemote(ctx, &models.Record{Type: "note", Key: "a", Value: json.RawMessage(`"merged"`), Version: 4, Dirty: true}, cur.LocalRev)
		require.NoError(t, err)
		assert.True(t, applied)

		after, err := r.Get(ctx, "note", "a")
		require.NoError(t, err)
		assert.True(t, after.Dirty)
		assert.Equal(t, cur.LocalRev+1, after.LocalRev)
	})
}

func TestListAndClear(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.PutLocal(ctx, "note", "b", []byte(`1`), false))
	require.NoError(t, r.PutLocal(ctx, "note", "a", []byte(`2`), false))
	require.NoError(t, r.PutLocal(ctx, "profile", "me", []byte(`{}`), false))

	notes, err := r.List(ctx, "note")
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "a", notes[0].Key)
	assert.Equal(t, "b", notes[1].Key)

	require.NoError(t, r.Clear(ctx))
	dirty, err := r.ListDirty(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirty)
}
