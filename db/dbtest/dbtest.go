// Package dbtest opens an isolated in-memory database for package tests.
package dbtest

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	dbmodel "netherealmstudio.com/toolbroker/db"
)

// Open returns a migrated database private to the calling test. A single connection keeps the
// in-memory database alive and serializes transactions.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	err = gormDB.AutoMigrate(dbmodel.Models()...)
	require.NoError(t, err)

	return gormDB
}
