package database

import (
	"fmt"
	"time"

	"github.com/wnt/rebin/internal/config"
	"github.com/wnt/rebin/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the configured database and migrates the schema
func Connect(cfg config.Config) (*gorm.DB, error) {
	switch cfg.DBDriver {
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	case "postgres", "":
		return connectPostgres(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.DBDriver)
	}
}

func gormConfig(prepare bool) *gorm.Config {
	return &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: prepare,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func connectPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig(true))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Set connection pool settings
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// OpenSQLite opens a sqlite database at path (":memory:" for an ephemeral
// one) with a single connection and migrates the schema.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), gormConfig(false))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates or updates every table and the composite indexes
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.PositionRecord{},
		&models.RepositionSettings{},
		&models.RepositionChainEntry{},
		&models.CreditBalance{},
		&models.CreditUsage{},
		&models.CreditPurchase{},
		&models.Subscription{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// Composite indexes for common query patterns
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_position_records_owner_status ON position_records(owner, status)",
		"CREATE INDEX IF NOT EXISTS idx_reposition_chain_wallet_created ON reposition_chain_entries(wallet_address, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_credit_usages_wallet_created ON credit_usages(wallet_address, created_at)",
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}
