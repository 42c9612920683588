// Package log provides the daemon's global structured logger. Components
// call the package-level functions directly (grounded on the teacher's
// own global-logger convention) rather than threading a logger through
// every constructor; components that want a tagged child logger use
// With().
package log

import (
	"sync"

	"go.uber.org/zap"
)

// Config controls how the global logger is built.
type Config struct {
	// Development enables a human-readable console encoder and debug
	// level instead of the default JSON production encoder.
	Development bool `yaml:"development"`
	// Level is one of debug, info, warn, error. Defaults to info, or to
	// debug when Development is set.
	Level string `yaml:"level"`
}

var (
	mu     sync.RWMutex
	global = zap.NewNop().Sugar()
)

// Configure builds and installs the global logger from cfg. It is safe to
// call before any other package function; until it is called, log calls
// are no-ops.
func Configure(cfg Config) error {
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if lvl := cfg.Level; lvl != "" {
		if err := zcfg.Level.UnmarshalText([]byte(lvl)); err != nil {
			return err
		}
	}
	logger, err := zcfg.Build()
	if err != nil {
		return err
	}
	SetGlobalLogger(logger.Sugar())
	return nil
}

// SetGlobalLogger installs l as the package-level logger. Intended for
// tests and for callers that built their own zap.Logger (e.g. to wire a
// logger the caller already owns the lifecycle of).
func SetGlobalLogger(l *zap.SugaredLogger) {
	mu.Lock()
	defer mu.Unlock()
	global = l
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// With returns a child logger tagged with the given key/value pairs,
// for components that want per-instance context (e.g. a session ID) on
// every subsequent line.
func With(args ...interface{}) *zap.SugaredLogger {
	return get().With(args...)
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() error {
	return get().Sync()
}

func Debugf(format string, args ...interface{}) { get().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { get().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { get().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { get().Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { get().Fatalf(format, args...) }

func Info(args ...interface{})  { get().Info(args...) }
func Warn(args ...interface{})  { get().Warn(args...) }
func Error(args ...interface{}) { get().Error(args...) }
