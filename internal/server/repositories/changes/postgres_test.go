package changes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var entryCols = []string{"seq", "type", "key", "value", "version", "deleted", "origin", "conflict", "conflict_value", "conflict_version", "conflict_deleted"}

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return NewPostgresRepository(db), mock, db
}

func TestPut_RefreshesSeq(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	e := &models.ChangeEntry{
		AccountID: uuid.New(), DeviceID: uuid.New(), Type: "profile", Key: "main",
		Value: json.RawMessage(`"v2"`), Version: 2, Origin: uuid.New(),
		Conflict: true, ConflictValue: json.RawMessage(`"v1"`), ConflictVersion: 1,
	}

	q := `(?s)^INSERT\s+INTO\s+changes.*ON\s+CONFLICT\s+\(account_id,\s*device_id,\s*type,\s*key\)\s+DO\s+UPDATE\s+SET\s+seq\s*=\s*nextval\('change_seq'\).*RETURNING\s+seq$`
	mock.ExpectQuery(q).
		WithArgs(e.AccountID, e.DeviceID, "profile", "main", []byte(`"v2"`), int64(2), false, e.Origin,
			true, []byte(`"v1"`), int64(1), false).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(11)))

	require.NoError(t, repo.Put(context.Background(), e))
	assert.Equal(t, int64(11), e.Seq)
}

func TestPutIfAbsent(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	e := &models.ChangeEntry{
		AccountID: uuid.New(), DeviceID: uuid.New(), Type: "note", Key: "n1",
		Value: json.RawMessage(`1`), Version: 3, Origin: uuid.New(),
	}
	q := `(?s)^INSERT\s+INTO\s+changes.*ON\s+CONFLICT\s+\(account_id,\s*device_id,\s*type,\s*key\)\s+DO\s+NOTHING\s+RETURNING\s+seq$`

	mock.ExpectQuery(q).
		WithArgs(e.AccountID, e.DeviceID, "note", "n1", []byte(`1`), int64(3), false, e.Origin,
			false, sqlmock.AnyArg(), int64(0), false).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(4)))
	inserted, err := repo.PutIfAbsent(context.Background(), e)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(4), e.Seq)

	mock.ExpectQuery(q).WillReturnRows(sqlmock.NewRows([]string{"seq"}))
	inserted, err = repo.PutIfAbsent(context.Background(), e)
	require.NoError(t, err)
	assert.False(t, inserted)

	mock.ExpectQuery(q).WillReturnError(errors.New("boom"))
	_, err = repo.PutIfAbsent(context.Background(), e)
	require.ErrorContains(t, err, "db error")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	acc, dev, origin := uuid.New(), uuid.New(), uuid.New()
	q := `(?s)^SELECT\s+seq,.*FROM\s+changes\s+WHERE\s+account_id\s*=\s*\$1\s+AND\s+device_id\s*=\s*\$2\s+AND\s+type\s*=\s*\$3\s+AND\s+key\s*=\s*\$4$`

	mock.ExpectQuery(q).WithArgs(acc, dev, "profile", "main").
		WillReturnRows(sqlmock.NewRows(entryCols).
			AddRow(int64(5), "profile", "main", []byte(`"v"`), int64(3), false, origin.String(), false, nil, int64(0), false))

	got, err := repo.Get(context.Background(), acc, dev, "profile", "main")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Seq)
	assert.Equal(t, origin, got.Origin)
	assert.Equal(t, dev, got.DeviceID)
	assert.Nil(t, got.ConflictValue)

	mock.ExpectQuery(q).WithArgs(acc, dev, "profile", "x").WillReturnError(sql.ErrNoRows)
	_, err = repo.Get(context.Background(), acc, dev, "profile", "x")
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestList_OrderedBySeq(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	acc, dev := uuid.New(), uuid.New()
	q := `(?s)^SELECT\s+seq,.*FROM\s+changes\s+WHERE\s+account_id\s*=\s*\$1\s+AND\s+device_id\s*=\s*\$2\s+ORDER\s+BY\s+seq$`

	mock.ExpectQuery(q).WithArgs(acc, dev).
		WillReturnRows(sqlmock.NewRows(entryCols).
			AddRow(int64(1), "a", "1", []byte(`1`), int64(1), false, uuid.NewString(), false, nil, int64(0), false).
			AddRow(int64(4), "b", "2", nil, int64(6), true, uuid.NewString(), true, []byte(`9`), int64(5), false))

	got, err := repo.List(context.Background(), acc, dev)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Type)
	assert.True(t, got[1].Deleted)
	assert.True(t, got[1].Conflict)
	assert.Equal(t, int64(5), got[1].ConflictVersion)

	mock.ExpectQuery(q).WithArgs(acc, dev).WillReturnError(errors.New("timeout"))
	_, err = repo.List(context.Background(), acc, dev)
	require.ErrorContains(t, err, "db error: timeout")
}

func TestDelete(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	acc, dev := uuid.New(), uuid.New()
	q := `(?s)^DELETE\s+FROM\s+changes\s+WHERE\s+account_id\s*=\s*\$1\s+AND\s+device_id\s*=\s*\$2\s+AND\s+type\s*=\s*\$3\s+AND\s+key\s*=\s*\$4\s+AND\s+version\s*<=\s*\$5$`

	mock.ExpectExec(q).WithArgs(acc, dev, "profile", "main", int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs(acc, dev, "profile", "main", AnyVersion).WillReturnResult(sqlmock.NewResult(0, 0))

	deleted, err := repo.Delete(context.Background(), acc, dev, "profile", "main", 3)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = repo.Delete(context.Background(), acc, dev, "profile", "main", AnyVersion)
	require.NoError(t, err)
	assert.False(t, deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}
