// Package datastore opens the operational database and owns its schema.
package datastore

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"

	"github.com/kestrelmon/kestrel-go/internal/datastore/entities"
)

// Open connects to the operational store. Supported dialects are "sqlite"
// and "mysql".
func Open(dialect, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch dialect {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported datastore dialect %q", dialect)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gorm_logger.Default.LogMode(gorm_logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s datastore: %w", dialect, err)
	}
	return db, nil
}

// Migrate creates or updates the operational tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&entities.ActionInstance{},
		&entities.ConvergeRecord{},
		&entities.ShieldRuleRow{},
		&entities.StrategySnapshotRow{},
		&entities.ActionConfig{},
	); err != nil {
		return fmt.Errorf("failed to migrate datastore schema: %w", err)
	}
	return nil
}
