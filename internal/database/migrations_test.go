package database

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IamMattHenry/salemate-notify/internal/models"
)

func TestAutoMigrateCreatesSchema(t *testing.T) {
	db, err := Open(Config{Driver: "sqlite"})
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		_ = sqlDB.Close()
	})

	require.NoError(t, AutoMigrate(db))

	for _, table := range []string{"recipients", "notifications", "notification_reads"} {
		require.True(t, db.Migrator().HasTable(table), "missing table %s", table)
	}
}

func TestSeedDataIsIdempotent(t *testing.T) {
	db, err := Open(Config{Driver: "sqlite"})
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		_ = sqlDB.Close()
	})

	require.NoError(t, AutoMigrateAndSeed(db))
	require.NoError(t, AutoMigrateAndSeed(db))

	var count int64
	require.NoError(t, db.Model(&models.Recipient{}).Count(&count).Error)
	require.EqualValues(t, 3, count)

	var admin models.Recipient
	require.NoError(t, db.First(&admin, "id = ?", "admin").Error)
	require.Equal(t, "admin", admin.Role)
	require.True(t, admin.Active)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	require.Error(t, err)
}
