package datastore

import (
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tremorlab/quakescan-go/internal/errors"
	"github.com/tremorlab/quakescan-go/internal/observability/metrics"
)

// DefaultSlowQueryThreshold defines the duration after which a query is
// considered slow. 1 second accommodates migration batch queries while still
// flagging queries that truly need a look.
const DefaultSlowQueryThreshold = 1 * time.Second

// createGormLogger configures and returns a new GORM logger instance.
func createGormLogger(dsMetrics *metrics.DatastoreMetrics) gormlogger.Interface {
	return NewGormLogger(DefaultSlowQueryThreshold, gormlogger.Warn, dsMetrics)
}

// performAutoMigration automates database migrations with error handling.
func performAutoMigration(db *gorm.DB, debug bool, dbType, connectionInfo string) error {
	migrationStart := time.Now()
	migrationLogger := getLogger().With("db_type", dbType)

	tableMappings := []struct {
		model any
		name  string
	}{
		{&DetectionRecord{}, "detection_records"},
		{&PickRecord{}, "pick_records"},
	}

	for _, table := range tableMappings {
		tableStart := time.Now()
		tableExists := db.Migrator().HasTable(table.model)

		if err := db.AutoMigrate(table.model); err != nil {
			enhancedErr := errors.New(err).
				Component("datastore").
				Category(errors.CategoryDatabase).
				Context("operation", "auto_migrate").
				Context("db_type", dbType).
				Context("table", table.name).
				Build()

			migrationLogger.Error("Table migration failed",
				"table", table.name,
				"error", enhancedErr)
			return enhancedErr
		}

		if debug {
			action := "updated"
			if !tableExists {
				action = "created"
			}
			migrationLogger.Debug("Table migrated",
				"table", table.name,
				"action", action,
				"duration", time.Since(tableStart))
		}
	}

	migrationLogger.Debug("Database migration completed successfully",
		"connection", connectionInfo,
		"tables_migrated", len(tableMappings),
		"total_duration", time.Since(migrationStart))

	return nil
}
