// Package logging provides categorized zap loggers for browserNERD.
// Each subsystem logs under a named category so a single session's
// activity can be followed across the profile store, driver, runner
// and control plane.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot       Category = "boot"
	CategoryProfile    Category = "profile"
	CategoryDriver     Category = "driver"
	CategorySession    Category = "session"
	CategoryRunner     Category = "runner"
	CategoryEscalation Category = "escalation"
	CategoryVision     Category = "vision"
	CategoryArtifact   Category = "artifact"
	CategoryServer     Category = "server"
)

var (
	mu      sync.RWMutex
	root    *zap.Logger
	loggers = make(map[Category]*zap.Logger)
)

// Initialize builds the process-wide logger. Call once at startup.
// When verbose is true the level drops to debug.
func Initialize(verbose bool) error {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	root = logger
	loggers = make(map[Category]*zap.Logger)
	return nil
}

// Get returns the logger for a category. Safe to call before
// Initialize; it falls back to a no-op logger so library code never
// has to nil-check.
func Get(category Category) *zap.Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	base := root
	mu.RUnlock()

	if base == nil {
		return zap.NewNop()
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := base.Named(string(category))
	loggers[category] = l
	return l
}

// Sync flushes buffered log entries. Call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}
