// Package logging provides structured component loggers for eventkeep.
//
// It wraps log/slog so every package logs with the same handler and a
// "component" attribute:
//
//	logging.Init(slog.LevelInfo, false)
//	log := logging.Component("engine")
//	log.Warn("type conflict", "event_id", id)
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu     sync.RWMutex
	logger *slog.Logger
)

// Init installs a text or JSON handler writing to stdout at the given level.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter installs a handler writing to w. Tests use it with io.Discard
// or a buffer.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	InitWithHandler(handler)
}

// InitWithHandler installs a custom handler.
func InitWithHandler(handler slog.Handler) {
	l := slog.New(handler)
	mu.Lock()
	logger = l
	mu.Unlock()
	slog.SetDefault(l)
}

// ParseLevel maps a config string to a slog level; unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func get() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l == nil {
		Init(slog.LevelInfo, false)
		mu.RLock()
		l = logger
		mu.RUnlock()
	}
	return l
}

// Component returns a logger tagged with the component name.
func Component(name string) *slog.Logger {
	return get().With("component", name)
}

// With returns the global logger with additional attributes.
func With(args ...any) *slog.Logger {
	return get().With(args...)
}
