// Package util hosts small cross-cutting helpers: logger construction and
// the retry combinator used by the gateway and the ledger callers.
package util

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds the process-wide JSON logger. One record per lifecycle
// event; components receive sub-loggers via With().
func NewLogger(service, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", service).
		Logger().Level(lvl)
}

// NopLogger returns a logger that discards everything. Test helper.
func NopLogger() zerolog.Logger {
	return zerolog.Nop()
}
