package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return NewPostgresRepository(db), mock, db
}

func TestGet(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	acc, dev := uuid.New(), uuid.New()
	q := `(?s)^SELECT\s+value,\s*version,\s*deleted,\s*updated_by,\s*updated_at\s+FROM\s+records\s+WHERE\s+account_id\s*=\s*\$1\s+AND\s+type\s*=\s*\$2\s+AND\s+key\s*=\s*\$3$`

	t.Run("found", func(t *testing.T) {
		mock.ExpectQuery(q).WithArgs(acc, "profile", "main").
			WillReturnRows(sqlmock.NewRows([]string{"value", "version", "deleted", "updated_by", "updated_at"}).
				AddRow([]byte(`{"n":1}`), int64(3), false, dev.String(), time.Now()))

		got, err := repo.Get(context.Background(), acc, "profile", "main")
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":1}`, string(got.Value))
		assert.Equal(t, int64(3), got.Version)
		assert.Equal(t, dev, got.UpdatedBy)
		assert.Equal(t, "profile", got.Type)
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery(q).WithArgs(acc, "profile", "none").WillReturnError(sql.ErrNoRows)
		_, err := repo.Get(context.Background(), acc, "profile", "none")
		require.ErrorIs(t, err, common.ErrorNotFound)
	})

	t.Run("db error", func(t *testing.T) {
		mock.ExpectQuery(q).WithArgs(acc, "profile", "main").WillReturnError(errors.New("db down"))
		_, err := repo.Get(context.Background(), acc, "profile", "main")
		require.ErrorContains(t, err, "db error: db down")
	})
}

func TestPut(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rec := &models.Record{AccountID: uuid.New(), Type: "profile", Key: "main", Value: json.RawMessage(`"v"`), Version: 4, UpdatedBy: uuid.New()}
	q := `(?s)^INSERT\s+INTO\s+records.*ON\s+CONFLICT\s+\(account_id,\s*type,\s*key\)\s+DO\s+UPDATE.*RETURNING\s+updated_at$`
	now := time.Now().UTC()

	mock.ExpectQuery(q).
		WithArgs(rec.AccountID, "profile", "main", []byte(`"v"`), int64(4), false, rec.UpdatedBy).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(now))

	require.NoError(t, repo.Put(context.Background(), rec))
	assert.Equal(t, now, rec.UpdatedAt)

	mock.ExpectQuery(q).WillReturnError(errors.New("constraint"))
	require.ErrorContains(t, repo.Put(context.Background(), rec), "db error: constraint")
}

func TestListLive(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	acc := uuid.New()
	q := `(?s)^SELECT\s+type,\s*key,\s*value,\s*version,\s*updated_by,\s*updated_at\s+FROM\s+records\s+WHERE\s+account_id\s*=\s*\$1\s+AND\s+NOT\s+deleted\s+ORDER\s+BY\s+type,\s*key$`

	mock.ExpectQuery(q).WithArgs(acc).
		WillReturnRows(sqlmock.NewRows([]string{"type", "key", "value", "version", "updated_by", "updated_at"}).
			AddRow("note", "a", []byte(`1`), int64(1), uuid.NewString(), time.Now()).
			AddRow("profile", "main", []byte(`2`), int64(7), uuid.NewString(), time.Now()))

	got, err := repo.ListLive(context.Background(), acc)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "main", got[1].Key)
	assert.Equal(t, int64(7), got[1].Version)
	assert.Equal(t, acc, got[0].AccountID)
}
