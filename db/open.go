package db

import (
	"fmt"

	commondb "github.com/kdjuwidja/aishoppercommon/db"
	"github.com/kdjuwidja/aishoppercommon/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

type ConnectionConfig struct {
	Driver       string
	User         string
	Password     string
	Host         string
	Port         string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// Open connects to the configured database and migrates every model. The returned close
// function releases the pool.
func Open(cfg ConnectionConfig) (*gorm.DB, func(), error) {
	switch cfg.Driver {
	case "", DriverMySQL:
		mysqlConn, err := commondb.InitializeMySQLConnectionPool(cfg.User,
			cfg.Password,
			cfg.Host,
			cfg.Port,
			cfg.Name,
			cfg.MaxOpenConns,
			cfg.MaxIdleConns,
			Models(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize MySQL connection pool: %w", err)
		}

		logger.Info("Migrating database...")
		mysqlConn.AutoMigrate()
		logger.Info("Database migrated successfully")

		return mysqlConn.GetDB(), func() { mysqlConn.Close() }, nil
	case DriverPostgres:
		dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)
		gormDB, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}

		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, nil, err
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

		logger.Info("Migrating database...")
		if err := gormDB.AutoMigrate(Models()...); err != nil {
			sqlDB.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("Database migrated successfully")

		return gormDB, func() { sqlDB.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// ForUpdate adds a row lock to the query on dialects that support one. SQLite serializes
// writers on its own.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
