// Package datastore persists detections and their refined picks through GORM.
package datastore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tremorlab/quakescan-go/internal/errors"
	"github.com/tremorlab/quakescan-go/internal/logging"
	"github.com/tremorlab/quakescan-go/internal/observability/metrics"
)

var (
	serviceLogger *slog.Logger
	loggerOnce    sync.Once
)

func getLogger() *slog.Logger {
	loggerOnce.Do(func() {
		serviceLogger = logging.ForService("datastore")
		if serviceLogger == nil {
			serviceLogger = slog.Default().With("service", "datastore")
		}
	})
	return serviceLogger
}

// GormLogger implements GORM's logger interface with structured logging and metrics
type GormLogger struct {
	SlowThreshold time.Duration
	LogLevel      gormlogger.LogLevel
	metrics       *metrics.DatastoreMetrics
}

// NewGormLogger creates a new GORM logger instance
func NewGormLogger(slowThreshold time.Duration, logLevel gormlogger.LogLevel, dsMetrics *metrics.DatastoreMetrics) *GormLogger {
	return &GormLogger{
		SlowThreshold: slowThreshold,
		LogLevel:      logLevel,
		metrics:       dsMetrics,
	}
}

// LogMode implements logger.Interface
func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

// Info implements logger.Interface
func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormlogger.Info {
		getLogger().InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// Warn implements logger.Interface
func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormlogger.Warn {
		getLogger().WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// Error implements logger.Interface
func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormlogger.Error {
		getLogger().ErrorContext(ctx, "GORM error",
			"msg", fmt.Sprintf(msg, data...))

		if l.metrics != nil {
			l.metrics.RecordError("gorm_internal", "gorm_error")
		}
	}
}

// Trace implements logger.Interface
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.LogLevel <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	operation := parseSQLOperation(sql)

	if l.metrics != nil {
		l.metrics.RecordDuration(operation, elapsed.Seconds())
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		enhancedErr := errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "sql_query").
			Context("duration_ms", elapsed.Milliseconds()).
			Build()

		getLogger().ErrorContext(ctx, "Database query failed",
			"error", enhancedErr,
			"sql", sql,
			"duration", elapsed,
			"rows_affected", rows)

		if l.metrics != nil {
			l.metrics.RecordError(operation, "query_failed")
		}

	case l.SlowThreshold != 0 && elapsed > l.SlowThreshold:
		getLogger().WarnContext(ctx, "Slow query detected",
			"sql", sql,
			"duration", elapsed,
			"rows_affected", rows,
			"threshold", l.SlowThreshold)

		if l.metrics != nil {
			l.metrics.RecordOperation(operation, metrics.LabelSuccess)
		}

	case l.LogLevel >= gormlogger.Info:
		getLogger().DebugContext(ctx, "Query executed",
			"sql", sql,
			"duration", elapsed,
			"rows_affected", rows)

		if l.metrics != nil {
			l.metrics.RecordOperation(operation, metrics.LabelSuccess)
		}
	}
}

// parseSQLOperation maps the leading SQL verb onto the metric operation names.
func parseSQLOperation(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	switch verb := strings.ToLower(fields[0]); verb {
	case "insert", "replace":
		return metrics.OpDbInsert
	case "select":
		return metrics.OpDbQuery
	case "delete":
		return metrics.OpDbDelete
	default:
		return verb
	}
}
