package tasks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"hoshino-sync/internal/danbooru"
	"hoshino-sync/internal/ratelimit"
	"hoshino-sync/internal/store"
)

const preparedStatementCount = 9

// TestTagSync_SingleFreshPage exercises spec end-to-end scenario 1: a
// fresh database and one page of tags from the server inserts exactly
// that page, then the next page request (now empty) ends the walk.
func TestTagSync_SingleFreshPage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < preparedStatementCount; i++ {
		mock.ExpectPrepare(".*")
	}

	st, err := store.NewForTesting(context.Background(), sqlx.NewDb(db, "postgres"))
	require.NoError(t, err)

	pageServed := false
	mux := http.NewServeMux()
	mux.HandleFunc("/profile.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(danbooru.Profile{ID: 1, Name: "sync", Level: danbooru.UserLevelMember})
	})
	mux.HandleFunc("/tags.json", func(w http.ResponseWriter, r *http.Request) {
		if !pageServed {
			pageServed = true
			json.NewEncoder(w).Encode([]danbooru.Tag{
				{ID: 10, Name: "a"},
				{ID: 8, Name: "b"},
				{ID: 5, Name: "c"},
			})
			return
		}
		json.NewEncoder(w).Encode([]danbooru.Tag{})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := danbooru.NewClient(context.Background(), server.URL, "login", "key", ratelimit.New(1000, time.Millisecond))
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(id\), 0\) FROM tags`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))

	mock.ExpectBegin()
	for _, tag := range []string{"a", "b", "c"} {
		mock.ExpectExec(`INSERT INTO tags`).
			WithArgs(sqlmock.AnyArg(), tag, int32(0), sqlmock.AnyArg(), sqlmock.AnyArg(), nil, nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	sync := &TagSync{Client: client, Store: st}
	require.NoError(t, sync.Run(context.Background()))

	require.NoError(t, mock.ExpectationsWereMet())
}
