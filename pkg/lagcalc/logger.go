package lagcalc

import (
	"log/slog"
	"sync"

	"github.com/tremorlab/quakescan-go/internal/logging"
)

// Package-level cached logger instance for efficiency.
var (
	serviceLogger *slog.Logger
	loggerOnce    sync.Once
)

// getLogger returns the package logger, falling back to the process default
// when structured logging has not been initialized.
func getLogger() *slog.Logger {
	loggerOnce.Do(func() {
		if l := logging.ForService("lagcalc"); l != nil {
			serviceLogger = l
		} else {
			serviceLogger = slog.Default().With("service", "lagcalc")
		}
	})
	return serviceLogger
}
