// Package database opens the gorm database that holds usage records and, in
// single node setups, channel messages.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/teampulse/pulse-ai/internal/config"
)

const defaultSQLiteFile = "pulse-ai.db"

// Open connects using cfg and migrates the schema.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch strings.ToLower(cfg.Driver) {
	case "mysql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database: mysql driver needs a dsn")
		}
		dialector = mysql.Open(cfg.DSN)
	case "", "sqlite", "sqlite3":
		dialector = sqlite.Open(sqlitePath(cfg))
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&UsageRecord{}, &ChatMessage{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}

func sqlitePath(cfg config.DatabaseConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	if cfg.LogDir == "" {
		return defaultSQLiteFile
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		log.Warnf("failed to create database directory: %v", err)
		return defaultSQLiteFile
	}
	return filepath.Join(cfg.LogDir, defaultSQLiteFile)
}
