package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hoshino-sync/internal/danbooru"
)

// preparedStatementCount must track the number of statements prepare()
// registers, since sqlmock expects each db.Prepare call explicitly.
const preparedStatementCount = 9

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for i := 0; i < preparedStatementCount; i++ {
		mock.ExpectPrepare(".*")
	}

	s, err := NewForTesting(context.Background(), sqlx.NewDb(db, "postgres"))
	require.NoError(t, err)

	return s, mock
}

func TestStore_TagID_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id FROM tags WHERE name = \$1`).
		WithArgs("unknown_tag").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	id, err := s.TagID(ctx, tx, "unknown_tag")
	require.NoError(t, err)
	assert.Equal(t, int32(0), id)

	mock.ExpectRollback()
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_TagID_Found(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id FROM tags WHERE name = \$1`).
		WithArgs("existing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	id, err := s.TagID(ctx, tx, "existing")
	require.NoError(t, err)
	assert.Equal(t, int32(42), id)

	mock.ExpectCommit()
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_TagID_DuplicateRowsIsDataConsistencyError(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id FROM tags WHERE name = \$1`).
		WithArgs("dup").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))

	_, err = s.TagID(ctx, tx, "dup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data consistency error")

	mock.ExpectRollback()
	require.NoError(t, tx.Rollback())
}

func TestStore_InsertTag_Weak(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	tag := danbooru.Tag{ID: 5, Name: "foo", PostCount: 3, Category: danbooru.TagCategoryArtist}

	mock.ExpectExec(`INSERT INTO tags`).
		WithArgs(tag.ID, tag.Name, tag.PostCount, int(tag.Category), tag.IsDeprecated, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := s.InsertTag(ctx, tx, tag, InsertWeak)
	require.NoError(t, err)
	assert.Equal(t, tag.ID, id)

	mock.ExpectCommit()
	require.NoError(t, tx.Commit())
}

func TestStore_LatestTag(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(id\), 0\) FROM tags`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(17))

	id, err := s.LatestTag(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(17), id)
}

func TestStore_IncrementPostCount_SkipsZeroDelta(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	// No ExpectExec registered: a zero delta must not issue a query.
	require.NoError(t, s.IncrementPostCount(ctx, tx, 5, 0))

	mock.ExpectCommit()
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNullTime(t *testing.T) {
	assert.Nil(t, nullTime(danbooru.Timestamp{}))

	ts := danbooru.NewTimestamp(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	assert.Equal(t, ts.Time, nullTime(ts))
}

func TestNullString(t *testing.T) {
	assert.Nil(t, nullString(nil))
	empty := ""
	assert.Nil(t, nullString(&empty))
	val := "source"
	assert.Equal(t, "source", nullString(&val))
}

func TestNullInt32Array(t *testing.T) {
	assert.Nil(t, nullInt32Array(nil))
	assert.Nil(t, nullInt32Array([]int32{}))
	assert.NotNil(t, nullInt32Array([]int32{1, 2}))
}
