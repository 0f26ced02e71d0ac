package projections

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestProcessBatch(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	ledger := newLedger(t)
	processor := NewEventProcessor(db, ledger, NewLegacyProjector(db, ledger), nil, 10, time.Minute)

	mock.ExpectQuery(`SELECT \* FROM "ledger_events" WHERE processed = .* ORDER BY id ASC LIMIT .*`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_id", "entity_id", "seq", "kind", "processed"}).
			AddRow(1, "7d3f9c1e-2b4a-4f6e-9a8d-1c2b3a4d5e6f", "doc-1", 1, "created", false).
			AddRow(2, "0b1c2d3e-4f5a-4b6c-8d7e-9f0a1b2c3d4e", "doc-unknown", 1, "created", false))
	mock.ExpectExec(`INSERT INTO "user_documents"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "ledger_events" SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	// the unknown document only gets its error recorded
	mock.ExpectExec(`UPDATE "ledger_events" SET`).WillReturnResult(sqlmock.NewResult(0, 1))

	projected, err := processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, projected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessBatchSurvivesBookkeepingFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	ledger := newLedger(t)
	processor := NewEventProcessor(db, ledger, NewLegacyProjector(db, ledger), nil, 10, time.Minute)

	mock.ExpectQuery(`SELECT \* FROM "ledger_events"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_id", "entity_id", "seq", "kind", "processed"}).
			AddRow(1, "0b1c2d3e-4f5a-4b6c-8d7e-9f0a1b2c3d4e", "doc-unknown", 1, "created", false).
			AddRow(2, "7d3f9c1e-2b4a-4f6e-9a8d-1c2b3a4d5e6f", "doc-1", 1, "created", false))
	mock.ExpectExec(`UPDATE "ledger_events" SET`).WillReturnError(errors.New("connection reset"))
	mock.ExpectExec(`INSERT INTO "user_documents"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "ledger_events" SET`).WillReturnResult(sqlmock.NewResult(0, 1))

	projected, err := processor.ProcessBatch(context.Background())
	require.NoError(t, err, "a failed bookkeeping write does not stop the batch")
	assert.Equal(t, 1, projected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessBatchEmpty(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT \* FROM "ledger_events"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	ledger := newLedger(t)
	processor := NewEventProcessor(db, ledger, NewLegacyProjector(db, ledger), nil, 0, 0)
	projected, err := processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, projected)
	assert.NoError(t, mock.ExpectationsWereMet())
}
