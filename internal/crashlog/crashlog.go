// Package crashlog persists panics, errors, and warnings to the
// error_logs table (internal/store's goose-migrated SQLite database).
// Grounded in the teacher's internal/crashlog/crashlog.go — same
// LogPanic/LogError/LogWarn API and print-to-stdout fallback when
// uninitialized — rewired off database/sql directly since the
// teacher's sqlc-generated db.Queries package isn't part of this
// repo's stack (see SPEC_FULL.md §4.J).
package crashlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"
)

// Logger persists errors and panics to the error_logs table.
// Safe for concurrent use from multiple goroutines.
type Logger struct {
	db *sql.DB
	mu sync.Mutex
}

var (
	global   *Logger
	globalMu sync.Mutex
)

// Init sets up the global crash logger. Call once at startup, after
// store.Open has run migrations.
func Init(db *sql.DB) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = &Logger{db: db}
}

// LogPanic records a recovered panic with a full stack trace. Safe to
// call even if Init was never called (prints to stdout as fallback).
func LogPanic(module string, r any, ctx map[string]string) {
	msg := fmt.Sprintf("%v", r)
	stack := make([]byte, 4096)
	n := runtime.Stack(stack, false)
	stackStr := string(stack[:n])

	fmt.Printf("[PANIC] %s: %s\n%s\n", module, msg, stackStr)

	l := currentLogger()
	if l == nil {
		return
	}
	l.insert("panic", module, msg, stackStr, ctx)
}

// LogError records an error with optional context.
func LogError(module string, err error, ctx map[string]string) {
	if err == nil {
		return
	}

	l := currentLogger()
	if l == nil {
		fmt.Printf("[ERROR] %s: %v\n", module, err)
		return
	}
	l.insert("error", module, err.Error(), "", ctx)
}

// LogWarn records a warning.
func LogWarn(module, msg string, ctx map[string]string) {
	l := currentLogger()
	if l == nil {
		fmt.Printf("[WARN] %s: %s\n", module, msg)
		return
	}
	l.insert("warn", module, msg, "", ctx)
}

func currentLogger() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

func (l *Logger) insert(level, module, message, stacktrace string, ctx map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ctxJSON sql.NullString
	if len(ctx) > 0 {
		if b, err := json.Marshal(ctx); err == nil {
			ctxJSON = sql.NullString{String: string(b), Valid: true}
		}
	}
	var stackNull sql.NullString
	if stacktrace != "" {
		stackNull = sql.NullString{String: stacktrace, Valid: true}
	}

	_, err := l.db.ExecContext(context.Background(),
		`INSERT INTO error_logs (level, module, message, stacktrace, context) VALUES (?, ?, ?, ?, ?)`,
		level, module, message, stackNull, ctxJSON,
	)
	if err != nil {
		fmt.Printf("[crashlog] insert failed: %v\n", err)
	}
}

// Recent returns the most recent n error_logs rows, newest first. The
// CLI's fleet status command does not call it; it reads /healthz.
func Recent(db *sql.DB, n int) ([]Entry, error) {
	rows, err := db.QueryContext(context.Background(),
		`SELECT id, level, module, message, stacktrace, context, created_at FROM error_logs ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var stack, ctx sql.NullString
		if err := rows.Scan(&e.ID, &e.Level, &e.Module, &e.Message, &stack, &ctx, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Stacktrace = stack.String
		e.Context = ctx.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneOlderThan deletes error_logs rows older than age, run by a
// daily cron job (cmd/fleetbridge/main.go) so a long-lived deployment's
// database does not grow unbounded.
func PruneOlderThan(db *sql.DB, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).Unix()
	res, err := db.ExecContext(context.Background(), `DELETE FROM error_logs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Entry is one error_logs row.
type Entry struct {
	ID         int64
	Level      string
	Module     string
	Message    string
	Stacktrace string
	Context    string
	CreatedAt  int64
}
