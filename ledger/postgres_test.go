package ledger

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockPostgresStore wires the store against sqlmock so the
// postgres-specific SQL paths can be exercised without a server.
func newMockPostgresStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// Schema init runs one exec per statement.
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sync_runs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_sync_runs_source_operation").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_sync_runs_status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS uniq_sync_runs_running").WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewStore(db, "postgres")
	require.NoError(t, err)
	return store, mock
}

func TestCreatePostgresUsesReturning(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO sync_runs .+ RETURNING id`).
		WithArgs("hubspot", "contacts", StatusRunning, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := store.Create(context.Background(), "hubspot", "contacts", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePostgresMapsUniqueViolation(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO sync_runs`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uniq_sync_runs_running"})

	_, err := store.Create(context.Background(), "hubspot", "contacts", nil)
	assert.ErrorIs(t, err, ErrDuplicateRunning)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLastSuccessEndPostgresPlaceholders(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	// Rebind must have turned ? placeholders into $n.
	mock.ExpectQuery(`WHERE source = \$1 AND operation = \$2 AND status = \$3`).
		WithArgs("hubspot", "contacts", StatusSuccess).
		WillReturnRows(sqlmock.NewRows([]string{"end_time"}))

	_, ok, err := store.LastSuccessEnd(context.Background(), "hubspot", "contacts")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
