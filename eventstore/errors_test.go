package eventstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/TemporalDynamics/ecosign-sub001/domain"
)

func TestClassifyError(t *testing.T) {
	assert.NoError(t, classifyError(nil))

	lock := classifyError(fmt.Errorf("tx: %w", &pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"}))
	assert.True(t, errors.Is(lock, domain.ErrLockTimeout))

	dup := classifyError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_ledger_events_event_id"})
	assert.True(t, errors.Is(dup, ErrDuplicateKey))
	assert.Contains(t, dup.Error(), "idx_ledger_events_event_id")

	other := errors.New("connection reset")
	assert.Equal(t, other, classifyError(other))
}

func newMockGorm(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Silent),
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)
	return db, mock
}

func TestGormStoreReads(t *testing.T) {
	db, mock := newMockGorm(t)
	store := NewGormStore(db, 0)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM "document_entities"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err := store.Status(ctx, "doc-1")
	assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)

	mock.ExpectQuery(`SELECT \* FROM "document_entities"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_count", "status"}).AddRow("doc-1", 0, []byte("{}")))
	_, err = store.Status(ctx, "doc-1")
	assert.True(t, errors.Is(err, domain.ErrNotFound), "opened but empty documents do not exist yet")

	mock.ExpectQuery(`SELECT \* FROM "ledger_events"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	ev, err := store.FindEvent(ctx, "d4f1c3a0-0000-4000-8000-000000000000")
	require.NoError(t, err)
	assert.Nil(t, ev)

	assert.NoError(t, mock.ExpectationsWereMet())
}
