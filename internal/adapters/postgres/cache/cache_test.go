package cache

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkit/queryserver/common/mlog"
	"github.com/flowkit/queryserver/common/mpostgres"
)

func newTestRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	resolved := dbresolver.New(dbresolver.WithPrimaryDBs(db))

	conn := &mpostgres.PostgresConnection{
		ConnectionDB: &resolved,
		Connected:    true,
	}

	return NewRepository(conn, &mlog.NoneLogger{}), mock
}

func TestRepository_Lookup_Absent(t *testing.T) {
	t.Parallel()

	repo, mock := newTestRepository(t)

	mock.ExpectQuery(`SELECT query_id, class, query, created, access_count, last_accessed, compute_time, cache_score_multiplier, schema, tablename, obj FROM cache.cached`).
		WillReturnRows(sqlmock.NewRows(nil))

	rec, err := repo.Lookup(context.Background(), "deadbeef")

	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Lookup_Found(t *testing.T) {
	t.Parallel()

	repo, mock := newTestRepository(t)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"query_id", "class", "query", "created", "access_count",
		"last_accessed", "compute_time", "cache_score_multiplier", "schema", "tablename", "obj"}).
		AddRow("deadbeef", "dummy_query", `{"query_kind":"dummy_query","params":{}}`, now, int64(3),
			now, int64(1200), 1.0, "warehouse", "q_deadbeef", []byte(nil))

	mock.ExpectQuery(`SELECT query_id, class, query, created, access_count, last_accessed, compute_time, cache_score_multiplier, schema, tablename, obj FROM cache.cached`).
		WillReturnRows(rows)

	mock.ExpectQuery(`SELECT depends_on FROM cache.dependencies`).
		WillReturnRows(sqlmock.NewRows([]string{"depends_on"}).AddRow("cafebabe"))

	rec, err := repo.Lookup(context.Background(), "deadbeef")

	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "dummy_query", rec.QueryKind)
	assert.Equal(t, "warehouse", rec.Schema)
	assert.Equal(t, []string{"cafebabe"}, rec.Dependencies)
	require.NotNil(t, rec.CacheScoreMultiplier)
	assert.InDelta(t, 1.0, *rec.CacheScoreMultiplier, 0.0001)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_IsCompleted(t *testing.T) {
	t.Parallel()

	repo, mock := newTestRepository(t)

	mock.ExpectQuery(`SELECT 1 FROM cache.cached`).
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	completed, err := repo.IsCompleted(context.Background(), "deadbeef")

	require.NoError(t, err)
	assert.True(t, completed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_IsCompleted_Absent(t *testing.T) {
	t.Parallel()

	repo, mock := newTestRepository(t)

	mock.ExpectQuery(`SELECT 1 FROM cache.cached`).
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	completed, err := repo.IsCompleted(context.Background(), "deadbeef")

	require.NoError(t, err)
	assert.False(t, completed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Reserve_InsertsRecordAndEdges(t *testing.T) {
	t.Parallel()

	repo, mock := newTestRepository(t)

	mock.ExpectExec(`INSERT INTO cache.cached`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO cache.dependencies`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Reserve(context.Background(), "deadbeef", "dummy_query", `{}`, []string{"cafebabe"}, nil)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Commit_SetsSchemaAndTable(t *testing.T) {
	t.Parallel()

	repo, mock := newTestRepository(t)

	mock.ExpectExec(`UPDATE cache.cached SET schema`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Commit(context.Background(), "deadbeef", "warehouse", "q_deadbeef", 1200)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Touch_IncrementsAccessCount(t *testing.T) {
	t.Parallel()

	repo, mock := newTestRepository(t)

	mock.ExpectExec(`UPDATE cache.cached SET access_count`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Touch(context.Background(), "deadbeef")

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScore_HigherAccessCountScoresHigher(t *testing.T) {
	t.Parallel()

	now := time.Now()

	low := Score(1.0, 1000, 0, now, 3600)
	high := Score(1.0, 1000, 10, now, 3600)

	assert.Greater(t, high, low)
}

func TestScore_DecaysWithAge(t *testing.T) {
	t.Parallel()

	fresh := Score(1.0, 1000, 1, time.Now(), 3600)
	stale := Score(1.0, 1000, 1, time.Now().Add(-2*time.Hour), 3600)

	assert.Greater(t, fresh, stale)
}

func TestScore_ZeroMultiplierPinsToZero(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, Score(0, 1000, 10, time.Now(), 3600))
}
