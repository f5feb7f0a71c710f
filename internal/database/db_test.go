package database

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(conn, "postgres")
	return &DB{conn: sqlxDB, name: "testdb"}, mock
}

func TestDB_HealthCheck_Success(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectPing()

	err := db.HealthCheck(context.Background())
	require.NoError(t, err)
}

func TestDB_HealthCheck_Failure(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	err := db.HealthCheck(context.Background())
	assert.Error(t, err)
}

func TestDB_Name(t *testing.T) {
	db, _ := newMockDB(t)
	assert.Equal(t, "testdb", db.Name())
}

func TestWithTransaction_CommitsOnSuccess(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE assets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := WithTransaction(db.conn, func(tx *sqlx.Tx) error {
		_, execErr := tx.Exec("UPDATE assets SET active = true")
		return execErr
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := WithTransaction(db.conn, func(tx *sqlx.Tx) error {
		return errors.New("boom")
	})
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransaction_NilDB(t *testing.T) {
	err := WithTransaction(nil, func(tx *sqlx.Tx) error { return nil })
	assert.Error(t, err)
}

func TestIsLockContention(t *testing.T) {
	cases := []struct {
		err      error
		expected bool
	}{
		{nil, false},
		{errors.New("deadlock detected"), true},
		{errors.New("lock not available"), true},
		{errors.New("canceling statement due to statement timeout"), true},
		{errors.New("pq: SQLSTATE 40P01"), true},
		{errors.New("syntax error"), false},
	}
	for _, c := range cases {
		assert.Equal(t, c.expected, IsLockContention(c.err))
	}
}

func TestDB_GetStats(t *testing.T) {
	db, _ := newMockDB(t)
	stats := db.GetStats()
	assert.GreaterOrEqual(t, stats.OpenConnections, 0)
}
