package coldstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresFromDB(db, LocalEmbedder{}, nil), mock
}

func TestPostgresSave(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO cold_records").
		WithArgs("test_success", "p1", "login test", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Save(context.Background(), CollectionTestSuccess, "p1", "login test", map[string]string{"path": "a.ts"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO cold_records").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Save(context.Background(), CollectionTestSuccess, "p1", "login test", nil)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestPostgresSearchRanksAndFilters(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	embed := func(text string) []byte {
		vec, err := LocalEmbedder{}.Embed(ctx, text)
		require.NoError(t, err)
		raw, err := json.Marshal(vec)
		require.NoError(t, err)
		return raw
	}

	rows := sqlmock.NewRows([]string{"record_id", "content", "metadata", "embedding"}).
		AddRow("far", "kafka consumer rebalance tuning", []byte(`{}`), embed("kafka consumer rebalance tuning")).
		AddRow("near", "login form test with password", []byte(`{"path":"x.ts"}`), embed("login form test with password"))

	mock.ExpectQuery("SELECT record_id, content, metadata, embedding").
		WithArgs("test_success", scanLimit).
		WillReturnRows(rows)

	matches := store.Search(ctx, CollectionTestSuccess, "login form test with password", 5, 0.7)
	require.Len(t, matches, 1)
	assert.Equal(t, "near", matches[0].ID)
	assert.Equal(t, "x.ts", matches[0].Metadata["path"])
}

func TestPostgresSearchFailureYieldsEmpty(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT record_id, content, metadata, embedding").
		WillReturnError(assert.AnError)

	matches := store.Search(context.Background(), CollectionBugFixes, "anything", 5, 0.7)
	assert.Empty(t, matches)
}

func TestPostgresSearchSkipsCorruptEmbedding(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	good, err := LocalEmbedder{}.Embed(ctx, "login form test")
	require.NoError(t, err)
	goodJSON, err := json.Marshal(good)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"record_id", "content", "metadata", "embedding"}).
		AddRow("bad", "corrupt", []byte(`{}`), []byte(`not-json`)).
		AddRow("ok", "login form test", []byte(`{}`), goodJSON)

	mock.ExpectQuery("SELECT record_id, content, metadata, embedding").
		WillReturnRows(rows)

	matches := store.Search(ctx, CollectionTestSuccess, "login form test", 5, 0.7)
	require.Len(t, matches, 1)
	assert.Equal(t, "ok", matches[0].ID)
}
