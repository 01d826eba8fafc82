// Package logging builds the process-wide zap logger. Components receive
// the logger through constructors; nothing in this repo logs through
// package-level state.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Profiles select the output encoding.
const (
	ProfileStructured = "structured" // JSON, production encoder
	ProfileConsole    = "console"    // human-readable, for local runs
)

// New builds a logger for the given level and profile.
func New(level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToLower(profile) {
	case ProfileStructured, "":
		cfg = zap.NewProductionConfig()
	case ProfileConsole:
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("logging: unknown profile %q", profile)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger, nil
}

// Nop returns a no-op logger for tests and optional components.
func Nop() *zap.Logger {
	return zap.NewNop()
}
