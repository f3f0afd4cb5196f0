// Package logging provides real-time log output for board activity.
// The board itself is THE authoritative record. This package provides
// console output for monitoring a worker's view of it.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger provides structured logging to stdout.
// This is for real-time monitoring only - the board holds the facts.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	identity  string
}

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		identity:  l.identity,
	}
}

// WithIdentity returns a new logger tagged with the acting identity.
func (l *Logger) WithIdentity(identity string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		identity:  identity,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	var parts []string
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a log entry in traditional format: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}
	if l.identity != "" {
		fieldStr += " identity=" + l.identity
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Board-event logging methods ---
// Called by the worker loop as board interactions resolve. They provide
// real-time console output without duplicating board state.

// TaskSeen logs a newly discovered claimable task.
func (l *Logger) TaskSeen(taskID uint64, funcType string) {
	l.Debug("task_seen", map[string]interface{}{
		"task": taskID,
		"func": funcType,
	})
}

// TaskClaimed logs a won claim.
func (l *Logger) TaskClaimed(taskID uint64, attempts int, fee string) {
	l.Info("task_claimed", map[string]interface{}{
		"task":     taskID,
		"attempts": attempts,
		"fee":      fee,
	})
}

// ClaimLost logs a claim race lost to a rival worker.
func (l *Logger) ClaimLost(taskID uint64) {
	l.Info("claim_lost", map[string]interface{}{
		"task": taskID,
	})
}

// ClaimAbandoned logs a claim given up after exhausting retries.
func (l *Logger) ClaimAbandoned(taskID uint64, attempts int, err error) {
	fields := map[string]interface{}{
		"task":     taskID,
		"attempts": attempts,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Warn("claim_abandoned", fields)
}

// ClaimsHalted logs that claiming stopped for the rest of the tick.
func (l *Logger) ClaimsHalted(reason string) {
	l.Warn("claims_halted", map[string]interface{}{
		"reason": reason,
	})
}

// TaskCompleted logs a successfully submitted result.
func (l *Logger) TaskCompleted(taskID uint64, duration time.Duration, reward string) {
	l.Info("task_completed", map[string]interface{}{
		"task":     taskID,
		"duration": duration.String(),
		"reward":   reward,
	})
}

// ExecutionFailed logs a task whose computation failed or timed out.
func (l *Logger) ExecutionFailed(taskID uint64, err error) {
	l.Error("execution_failed", map[string]interface{}{
		"task":  taskID,
		"error": err.Error(),
	})
}

// SubmitDeferred logs a result submission pushed to the next tick.
func (l *Logger) SubmitDeferred(taskID uint64, err error) {
	l.Warn("submit_deferred", map[string]interface{}{
		"task":  taskID,
		"error": err.Error(),
	})
}

// NonceResynced logs a sequence resync against the board.
func (l *Logger) NonceResynced(local, authoritative uint64) {
	l.Debug("nonce_resynced", map[string]interface{}{
		"local":         local,
		"authoritative": authoritative,
	})
}

// TickError logs a poll-tick failure. The loop continues.
func (l *Logger) TickError(err error) {
	l.Error("tick_error", map[string]interface{}{
		"error": err.Error(),
	})
}

// WorkerStats logs a periodic statistics snapshot.
func (l *Logger) WorkerStats(spendable, accrued string, activeClaims int, lastProcessed uint64) {
	l.Info("worker_stats", map[string]interface{}{
		"spendable":      spendable,
		"accrued":        accrued,
		"active_claims":  activeClaims,
		"last_processed": lastProcessed,
	})
}
