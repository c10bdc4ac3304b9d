// Package storage persists migration run history through GORM.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kuhlman-labs/crm-field-migrator/internal/config"
	"github.com/kuhlman-labs/crm-field-migrator/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Database struct {
	db  *gorm.DB
	cfg config.DatabaseConfig
}

// NewDatabase opens the configured database and migrates the run history schema
func NewDatabase(cfg config.DatabaseConfig) (*Database, error) {
	dialer, err := NewDialectDialer(cfg)
	if err != nil {
		return nil, err
	}

	// Ensure data directory exists for SQLite
	if strings.EqualFold(cfg.Type, DBTypeSQLite) && !isMemoryDSN(cfg.DSN) {
		dir := filepath.Dir(cfg.DSN)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := gorm.Open(dialer.Dialect(), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := dialer.ConfigureConnection(db); err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&models.MigrationRun{}, &models.RunRecordOutcome{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Database{
		db:  db,
		cfg: cfg,
	}, nil
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB returns the underlying GORM handle
func (d *Database) DB() *gorm.DB {
	return d.db
}

func isMemoryDSN(dsn string) bool {
	return dsn == "" || strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

func isNotFoundError(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
