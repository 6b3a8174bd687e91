package changestore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/repomanager"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *Store
	repos   *repomanager.MemoryRepositoryManager
	account uuid.UUID
	a, b    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repos := repomanager.NewMemoryRepositoryManager()
	f := &fixture{
		store:   New(repos, logging.NewNoopLogger()),
		repos:   repos,
		account: uuid.New(),
		a:       uuid.New(),
		b:       uuid.New(),
	}
	acc := repos.Repositories().Accounts
	require.NoError(t, acc.Create(ctx, f.account))
	require.NoError(t, acc.UpsertDevice(ctx, &models.Device{AccountID: f.account, ID: f.a, Name: "a"}))
	require.NoError(t, acc.UpsertDevice(ctx, &models.Device{AccountID: f.account, ID: f.b, Name: "b"}))
	return f
}

func ptr(v int64) *int64 { return &v }

func TestSave_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		acc, dev uuid.UUID
		typ, key string
	}{
		{"empty type", f.account, f.a, "", "k"},
		{"empty key", f.account, f.a, "t", ""},
		{"nil account", uuid.Nil, f.a, "t", "k"},
		{"nil device", f.account, uuid.Nil, "t", "k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.store.Save(ctx, tt.acc, tt.dev, tt.typ, tt.key, json.RawMessage(`1`))
			require.ErrorIs(t, err, common.ErrValidation)
			_, err = f.store.Remove(ctx, tt.acc, tt.dev, tt.typ, tt.key)
			require.ErrorIs(t, err, common.ErrValidation)
		})
	}

	list, err := f.store.LoadChanges(ctx, f.account, f.b)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSave_CreatesEntryForOtherDevicesOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.store.Save(ctx, f.account, f.a, "note", "n1", json.RawMessage(`"hello"`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	own, err := f.store.LoadChanges(ctx, f.account, f.a)
	require.NoError(t, err)
	assert.Empty(t, own)

	other, err := f.store.LoadChanges(ctx, f.account, f.b)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "note", other[0].Type)
	assert.Equal(t, "n1", other[0].Key)
	assert.JSONEq(t, `"hello"`, string(other[0].Value))
	assert.Equal(t, f.a, other[0].Origin)
	assert.False(t, other[0].Conflict)

	rec, err := f.store.Load(ctx, f.account, "note", "n1")
	require.NoError(t, err)
	assert.JSONEq(t, `"hello"`, string(rec.Value))
	assert.Equal(t, int64(1), rec.Version)
}

func TestEntryPersistsUntilMarkedUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Save(ctx, f.account, f.a, "note", "n1", json.RawMessage(`1`))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		list, err := f.store.LoadChanges(ctx, f.account, f.b)
		require.NoError(t, err)
		require.Len(t, list, 1, "loadChanges must be read-only")
	}

	require.NoError(t, f.store.MarkUnchanged(ctx, f.account, f.b, "note", "n1", nil))
	list, err := f.store.LoadChanges(ctx, f.account, f.b)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, f.store.MarkUnchanged(ctx, f.account, f.b, "note", "n1", nil), "acknowledging twice is fine")
}

func TestNewerWriteSupersedesEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Save(ctx, f.account, f.a, "note", "n1", json.RawMessage(`1`))
	require.NoError(t, err)
	_, err = f.store.Save(ctx, f.account, f.a, "note", "n2", json.RawMessage(`2`))
	require.NoError(t, err)
	v, err := f.store.Save(ctx, f.account, f.a, "note", "n1", json.RawMessage(`3`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	list, err := f.store.LoadChanges(ctx, f.account, f.b)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "n2", list[0].Key)
	assert.Equal(t, "n1", list[1].Key)
	assert.Equal(t, int64(2), list[1].Version)

	require.NoError(t, f.store.MarkUnchanged(ctx, f.account, f.b, "note", "n1", ptr(1)))
	list, err = f.store.LoadChanges(ctx, f.account, f.b)
	require.NoError(t, err)
	require.Len(t, list, 2, "acknowledging an older version keeps the newer entry")

	require.NoError(t, f.store.MarkUnchanged(ctx, f.account, f.b, "note", "n1", ptr(2)))
	list, err = f.store.LoadChanges(ctx, f.account, f.b)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestRemove_TombstonesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Save(ctx, f.account, f.a, "note", "n1", json.RawMessage(`1`))
	require.NoError(t, err)
	v, err := f.store.Remove(ctx, f.account, f.a, "note", "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = f.store.Load(ctx, f.account, "note", "n1")
	require.ErrorIs(t, err, common.ErrorNotFound)

	list, err := f.store.LoadChanges(ctx, f.account, f.b)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Deleted)
	assert.Equal(t, int64(2), list[0].Version)

	v, err = f.store.Save(ctx, f.account, f.a, "note", "n1", json.RawMessage(`5`))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v, "versions keep growing across a tombstone")
}

func TestLoad_Missing(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Load(context.Background(), f.account, "note", "none")
	require.ErrorIs(t, err, common.ErrorNotFound)
	_, err = f.store.Load(context.Background(), f.account, "", "none")
	require.ErrorIs(t, err, common.ErrValidation)
}

func TestConcurrentWriteCarriesBothValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A writes v1; B writes v2 before acknowledging v1.
	_, err := f.store.Save(ctx, f.account, f.a, "profile", "main", json.RawMessage(`{"name":"v1"}`))
	require.NoError(t, err)
	_, err = f.store.Save(ctx, f.account, f.b, "profile", "main", json.RawMessage(`{"name":"v2"}`))
	require.NoError(t, err)

	onA, err := f.store.LoadChanges(ctx, f.account, f.a)
	require.NoError(t, err)
	require.Len(t, onA, 1)
	e := onA[0]
	assert.True(t, e.Conflict)
	assert.JSONEq(t, `{"name":"v2"}`, string(e.Value))
	assert.Equal(t, int64(2), e.Version)
	assert.JSONEq(t, `{"name":"v1"}`, string(e.ConflictValue))
	assert.Equal(t, int64(1), e.ConflictVersion)

	onB, err := f.store.LoadChanges(ctx, f.account, f.b)
	require.NoError(t, err)
	require.Len(t, onB, 1, "the writer keeps the value it has not seen")
	assert.Equal(t, int64(1), onB[0].Version)

	// A resolves, writes the merge and acknowledges; B then sees only the merge.
	require.NoError(t, f.store.MarkUnchanged(ctx, f.account, f.a, "profile", "main", ptr(e.Version)))
	merged, err := f.store.Save(ctx, f.account, f.a, "profile", "main", json.RawMessage(`{"name":"v1+v2"}`))
	require.NoError(t, err)

	onB, err = f.store.LoadChanges(ctx, f.account, f.b)
	require.NoError(t, err)
	require.Len(t, onB, 1)
	assert.False(t, onB[0].Conflict)
	assert.Equal(t, merged, onB[0].Version)
	require.NoError(t, f.store.MarkUnchanged(ctx, f.account, f.b, "profile", "main", ptr(merged)))

	for _, dev := range []uuid.UUID{f.a, f.b} {
		list, err := f.store.LoadChanges(ctx, f.account, dev)
		require.NoError(t, err)
		assert.Empty(t, list)
	}
}

func TestSeedDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Save(ctx, f.account, f.a, "note", "n1", json.RawMessage(`1`))
	require.NoError(t, err)
	_, err = f.store.Save(ctx, f.account, f.a, "note", "n2", json.RawMessage(`2`))
	require.NoError(t, err)
	_, err = f.store.Remove(ctx, f.account, f.a, "note", "n2")
	require.NoError(t, err)

	c := uuid.New()
	require.NoError(t, f.repos.Repositories().Accounts.UpsertDevice(ctx, &models.Device{AccountID: f.account, ID: c}))
	require.NoError(t, f.store.SeedDevice(ctx, f.account, c))

	list, err := f.store.LoadChanges(ctx, f.account, c)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "n1", list[0].Key)
	assert.Equal(t, f.a, list[0].Origin)
}

func TestSeedDevice_KeepsPendingConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Save(ctx, f.account, f.a, "profile", "main", json.RawMessage(`"v1"`))
	require.NoError(t, err)
	_, err = f.store.Save(ctx, f.account, f.b, "profile", "main", json.RawMessage(`"v2"`))
	require.NoError(t, err)

	before, err := f.store.LoadChanges(ctx, f.account, f.a)
	require.NoError(t, err)
	require.Len(t, before, 1)
	require.True(t, before[0].Conflict)

	require.NoError(t, f.store.SeedDevice(ctx, f.account, f.a))

	after, err := f.store.LoadChanges(ctx, f.account, f.a)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.True(t, after[0].Conflict)
	assert.JSONEq(t, `"v2"`, string(after[0].Value))
	assert.JSONEq(t, `"v1"`, string(after[0].ConflictValue))
	assert.Equal(t, before[0].Seq, after[0].Seq)
}

func TestSeedDevice_DoesNotDowngradeNewerEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Save(ctx, f.account, f.a, "note", "n1", json.RawMessage(`1`))
	require.NoError(t, err)

	c := uuid.New()
	require.NoError(t, f.repos.Repositories().Accounts.UpsertDevice(ctx, &models.Device{AccountID: f.account, ID: c}))
	// c is registered, so this write reaches it before the seed runs.
	_, err = f.store.Save(ctx, f.account, f.a, "note", "n1", json.RawMessage(`2`))
	require.NoError(t, err)
	require.NoError(t, f.store.SeedDevice(ctx, f.account, c))

	list, err := f.store.LoadChanges(ctx, f.account, c)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(2), list[0].Version)
	assert.JSONEq(t, `2`, string(list[0].Value))
}

func TestConcurrentSavesSerializePerKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 20
	versions := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := f.store.Save(ctx, f.account, f.a, "counter", "c", json.RawMessage(`0`))
			if err == nil {
				versions <- v
			}
		}()
	}
	wg.Wait()
	close(versions)

	seen := make(map[int64]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %d handed out twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, n)

	rec, err := f.store.Load(ctx, f.account, "counter", "c")
	require.NoError(t, err)
	assert.Equal(t, int64(n), rec.Version)
}

func TestKeyLock_ReleasesEntries(t *testing.T) {
	k := newKeyLock()
	unlock := k.Lock("a")
	unlock2 := make(chan func())
	go func() { unlock2 <- k.Lock("b") }()
	(<-unlock2)()
	unlock()
	assert.Empty(t, k.locks)
}
