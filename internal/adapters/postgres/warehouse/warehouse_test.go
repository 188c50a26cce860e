package warehouse

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkit/queryserver/common/mlog"
	"github.com/flowkit/queryserver/common/mpostgres"
)

func newTestWarehouse(t *testing.T) (*Warehouse, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	resolved := dbresolver.New(dbresolver.WithPrimaryDBs(db))

	conn := &mpostgres.PostgresConnection{ConnectionDB: &resolved, Connected: true}

	return New(conn, &mlog.NoneLogger{}), mock
}

func TestWarehouse_Materialize(t *testing.T) {
	t.Parallel()

	w, mock := newTestWarehouse(t)

	mock.ExpectExec(`CREATE TABLE "warehouse"\."q_deadbeef" AS SELECT 1`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := w.Materialize(context.Background(), "warehouse", "q_deadbeef", "SELECT 1")

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWarehouse_RelationExists(t *testing.T) {
	t.Parallel()

	w, mock := newTestWarehouse(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("warehouse", "q_deadbeef").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := w.RelationExists(context.Background(), "warehouse", "q_deadbeef")

	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWarehouse_DropTable(t *testing.T) {
	t.Parallel()

	w, mock := newTestWarehouse(t)

	mock.ExpectExec(`DROP TABLE IF EXISTS "warehouse"\."q_deadbeef"`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := w.DropTable(context.Background(), "warehouse", "q_deadbeef")

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWarehouse_Explain(t *testing.T) {
	t.Parallel()

	w, mock := newTestWarehouse(t)

	mock.ExpectQuery(`EXPLAIN \(FORMAT JSON\) SELECT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"QUERY PLAN"}).AddRow(`[{"Plan":{}}]`))

	plan, err := w.Explain(context.Background(), "SELECT 1")

	require.NoError(t, err)
	assert.JSONEq(t, `[{"Plan":{}}]`, plan)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWarehouse_StreamSelect_SingleBatch(t *testing.T) {
	t.Parallel()

	w, mock := newTestWarehouse(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DECLARE query_result_cursor NO SCROLL CURSOR FOR SELECT subscriber, location_id FROM q_deadbeef`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FETCH FORWARD 2 FROM query_result_cursor`).
		WillReturnRows(sqlmock.NewRows([]string{"subscriber", "location_id"}).
			AddRow("sub-1", "admin3-001").
			AddRow("sub-2", "admin3-002"))
	mock.ExpectQuery(`FETCH FORWARD 2 FROM query_result_cursor`).
		WillReturnRows(sqlmock.NewRows([]string{"subscriber", "location_id"}))
	mock.ExpectRollback()

	var batches [][]Row

	err := w.StreamSelect(context.Background(), "SELECT subscriber, location_id FROM q_deadbeef", 2, func(rows []Row) error {
		batches = append(batches, rows)
		return nil
	})

	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "sub-1", batches[0][0]["subscriber"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWarehouse_StreamSelect_CallbackErrorAborts(t *testing.T) {
	t.Parallel()

	w, mock := newTestWarehouse(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DECLARE query_result_cursor NO SCROLL CURSOR FOR SELECT 1`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FETCH FORWARD 500 FROM query_result_cursor`).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	mock.ExpectRollback()

	boom := assert.AnError

	err := w.StreamSelect(context.Background(), "SELECT 1", 0, func(rows []Row) error {
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
