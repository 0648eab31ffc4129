// Package log provides the application-wide structured logger.
//
// The call-site API is a small package-level key/value surface
// (Debug/Info/Warn/Error with alternating key, value pairs); the backend is
// zerolog with a console writer and an optional append-only log file.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

var (
	mu   sync.Mutex
	root = newRoot(zerolog.InfoLevel, nil)
	file *os.File
)

func newRoot(level zerolog.Level, extra io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorFieldName = "err"

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: timeFormat}
	var w io.Writer = console
	if extra != nil {
		w = zerolog.MultiLevelWriter(console, zerolog.SyncWriter(extra))
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Setup configures the global logger. level is one of "debug", "info",
// "warn", "error" (unknown values fall back to info). If path is non-empty,
// log lines are additionally appended to that file as JSON.
func Setup(level, path string) error {
	lvl := parseLevel(level)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		_ = file.Close()
		file = nil
	}

	var extra io.Writer
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		file = f
		extra = f
	}

	root = newRoot(lvl, extra)
	return nil
}

func Debug(msg string, kv ...any) { emit(zerolog.DebugLevel, msg, kv...) }
func Info(msg string, kv ...any)  { emit(zerolog.InfoLevel, msg, kv...) }
func Warn(msg string, kv ...any)  { emit(zerolog.WarnLevel, msg, kv...) }

// Error logs msg at error severity with err attached, followed by optional
// key/value pairs.
func Error(msg string, err error, kv ...any) {
	mu.Lock()
	l := root
	mu.Unlock()

	e := l.Error()
	if err != nil {
		e = e.Err(err)
	}
	applyKVs(e, kv)
	e.Msg(msg)
}

func emit(level zerolog.Level, msg string, kv ...any) {
	mu.Lock()
	l := root
	mu.Unlock()

	e := l.WithLevel(level)
	applyKVs(e, kv)
	e.Msg(msg)
}

// applyKVs appends kv as alternating key, value pairs. Non-string keys and a
// trailing odd value are ignored.
func applyKVs(e *zerolog.Event, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e.Interface(key, kv[i+1])
	}
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
