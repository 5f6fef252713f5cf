// Package applog is the coordinator's structured log: one append-only
// file of "timestamp LEVEL event key=value ..." lines with size-based
// rotation. All functions are no-ops until Init succeeds, so library
// code logs unconditionally and tests stay silent.
package applog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	logName     = "tabzentrale.log"
	maxFileSize = 5 << 20 // rotate past 5 MB
	maxValueLen = 200
)

var (
	mu      sync.Mutex
	file    *os.File
	verbose bool
)

// Init opens the log file for appending. Call once at startup. A file
// past the size limit is rotated (renamed to .log.1) before opening.
// Setting TABZENTRALE_DEBUG enables the Debug level.
func Init(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, logName)
	if info, err := os.Stat(path); err == nil && info.Size() > maxFileSize {
		os.Rename(path, path+".1")
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	mu.Lock()
	file = f
	verbose = os.Getenv("TABZENTRALE_DEBUG") != ""
	mu.Unlock()
	return nil
}

// Close flushes and closes the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
		file = nil
	}
}

// Info logs a structured event line.
//
//	applog.Info("ws.connected", "remote", addr)
//	applog.Info("display.rebuilt", "tabs", 42)
func Info(event string, kv ...any) {
	write("INFO", event, nil, kv)
}

// Error logs an event with an error.
//
//	applog.Error("ws.send", err, "conn", id)
func Error(event string, err error, kv ...any) {
	write("ERROR", event, err, kv)
}

// Debug logs high-volume diagnostics (expected races, liveness churn).
// Suppressed unless TABZENTRALE_DEBUG was set when Init ran.
func Debug(event string, kv ...any) {
	mu.Lock()
	on := verbose
	mu.Unlock()
	if !on {
		return
	}
	write("DEBUG", event, nil, kv)
}

// Session logs an event attributed to one browser session, keeping the
// session key the first field so per-session greps stay trivial.
//
//	applog.Session("session.snapshot", key, "tabs", 42)
func Session(event, sessionKey string, kv ...any) {
	write("INFO", event, nil, append([]any{"session", sessionKey}, kv...))
}

func write(level, event string, err error, kv []any) {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}

	fields := make([]string, 0, 3+len(kv)/2+1)
	fields = append(fields,
		time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		level,
		event,
	)
	if err != nil {
		fields = append(fields, "err="+quote(err.Error()))
	}
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, fmt.Sprint(kv[i])+"="+quote(fmt.Sprint(kv[i+1])))
	}

	file.WriteString(strings.Join(fields, " ") + "\n")
}

// quote truncates long values (rune-safe; URLs and titles may be
// multibyte) and wraps anything with whitespace or quotes.
func quote(s string) string {
	if runes := []rune(s); len(runes) > maxValueLen {
		s = string(runes[:maxValueLen]) + "…"
	}
	if strings.ContainsAny(s, " \t\n\"") {
		return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return s
}
