package freeze

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/TemporalDynamics/ecosign-sub001/models"
)

// newDryRunDB builds statements without executing them, so only the
// callbacks decide whether a write fails.
func newDryRunDB(t *testing.T) (*gorm.DB, *Guard) {
	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		DryRun:                 true,
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	guard, err := Register(db, models.LegacyDocumentsTable)
	require.NoError(t, err)
	return db, guard
}

func TestGuardRejectsUnpermittedWrites(t *testing.T) {
	db, guard := newDryRunDB(t)
	ctx := context.Background()

	err := db.WithContext(ctx).Create(&models.LegacyDocument{DocumentID: "doc-1"}).Error
	assert.True(t, errors.Is(err, ErrLegacyWriteFrozen), "create: %v", err)

	err = db.WithContext(ctx).Model(&models.LegacyDocument{}).Where("document_id = ?", "doc-1").Update("signed", true).Error
	assert.True(t, errors.Is(err, ErrLegacyWriteFrozen), "update: %v", err)

	err = db.WithContext(ctx).Where("document_id = ?", "doc-1").Delete(&models.LegacyDocument{}).Error
	assert.True(t, errors.Is(err, ErrLegacyWriteFrozen), "delete: %v", err)

	assert.Equal(t, int64(3), guard.Rejected())
	assert.Equal(t, int64(0), guard.Allowed())
}

func TestGuardRejectsRawWrites(t *testing.T) {
	db, guard := newDryRunDB(t)
	ctx := context.Background()

	blocked := []string{
		`UPDATE user_documents SET signed = true WHERE document_id = 'doc-1'`,
		`insert into "user_documents" (document_id) values ('doc-1')`,
		`DELETE FROM "public"."user_documents" WHERE document_id = 'doc-1'`,
	}
	for _, sql := range blocked {
		err := db.WithContext(ctx).Exec(sql).Error
		assert.True(t, errors.Is(err, ErrLegacyWriteFrozen), "%s: %v", sql, err)
	}

	passed := []string{
		`SELECT * FROM user_documents`,
		`UPDATE user_documents_archive SET signed = true`,
		`UPDATE document_entities SET event_count = 1`,
	}
	for _, sql := range passed {
		assert.NoError(t, db.WithContext(ctx).Exec(sql).Error, sql)
	}
	assert.Equal(t, int64(len(blocked)), guard.Rejected())
}

func TestGuardAllowsPermittedWrites(t *testing.T) {
	db, guard := newDryRunDB(t)

	ctx, err := WithTag(context.Background(), TagProjectionRebuild)
	require.NoError(t, err)

	assert.NoError(t, db.WithContext(ctx).Create(&models.LegacyDocument{DocumentID: "doc-1"}).Error)
	assert.NoError(t, db.WithContext(ctx).Exec(`UPDATE user_documents SET signed = true`).Error)
	assert.Equal(t, int64(2), guard.Allowed())
	assert.Equal(t, int64(0), guard.Rejected())
}

func TestGuardIgnoresOtherTables(t *testing.T) {
	db, guard := newDryRunDB(t)

	err := db.WithContext(context.Background()).Create(&models.DocumentEntity{ID: "doc-1"}).Error
	assert.NoError(t, err)
	assert.Equal(t, int64(0), guard.Rejected())
}

func TestPermits(t *testing.T) {
	_, err := NewPermit("hotfix")
	assert.True(t, errors.Is(err, ErrLegacyWriteFrozen))

	_, err = WithTag(context.Background(), "")
	assert.Error(t, err)

	p, err := NewPermit(TagLegacyMigration)
	require.NoError(t, err)
	assert.Equal(t, TagLegacyMigration, p.Tag())

	got, ok := PermitFrom(p.Context(context.Background()))
	assert.True(t, ok)
	assert.Equal(t, p, got)

	_, ok = PermitFrom(context.Background())
	assert.False(t, ok)

	// a zero permit smuggled into a context is not honored
	_, ok = PermitFrom(Permit{}.Context(context.Background()))
	assert.False(t, ok)
}

func TestRegisterRequiresTables(t *testing.T) {
	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	_, err = Register(db)
	assert.Error(t, err)
}
