package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openMemory(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:models_"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestMigrate_IsRepeatable(t *testing.T) {
	db := openMemory(t)
	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db))

	for _, idx := range []string{"idx_participant_conv_legacy", "idx_enrollments_due"} {
		var n int64
		db.Raw("SELECT count(*) FROM sqlite_master WHERE type = 'index' AND name = ?", idx).Scan(&n)
		assert.Equal(t, int64(1), n, idx)
	}
}

func TestMigrate_OneActiveEnrollmentPerFunnel(t *testing.T) {
	db := openMemory(t)
	require.NoError(t, Migrate(db))

	active := FunnelEnrollment{FunnelID: 1, WorkspaceID: 1, ConversationID: "c1", CurrentStep: 1, Status: EnrollmentActive}
	require.NoError(t, db.Create(&active).Error)
	dup := active
	dup.ID = 0
	assert.Error(t, db.Create(&dup).Error)

	done := active
	done.ID = 0
	done.Status = EnrollmentCompleted
	assert.NoError(t, db.Create(&done).Error, "completed rows are outside the partial index")
}

func TestMigrate_LegacyParticipantUnique(t *testing.T) {
	db := openMemory(t)
	require.NoError(t, Migrate(db))

	p := ConversationParticipant{ConversationID: "c1", Platform: PlatformFacebook, ParticipantID: "u1", UserID: 1}
	require.NoError(t, db.Create(&p).Error)
	dup := p
	dup.ID = 0
	assert.Error(t, db.Create(&dup).Error)
}
