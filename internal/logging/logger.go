// Package logging provides config-driven categorized file-based logging for
// concierge. Logs are written to the configured directory with separate files
// per category so a routing problem can be traced without wading through
// store chatter.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot       Category = "boot"       // Process startup and shutdown
	CategoryServer     Category = "server"     // HTTP endpoints, auth, streaming
	CategoryRouting    Category = "routing"    // Specialist classification decisions
	CategorySynthesis  Category = "synthesis"  // Specialist answer generation
	CategoryDecision   Category = "decision"   // State decision engine attempts
	CategoryMemory     Category = "memory"     // Memory curation and dedup
	CategoryState      Category = "state"      // Write coordination and footers
	CategoryStore      Category = "store"      // SQLite operations
	CategoryEmbedding  Category = "embedding"  // Embedding engine calls
	CategorySession    Category = "session"    // Session tracking and continuity
	CategoryProjection Category = "projection" // Markdown projection exports
	CategoryGateway    Category = "gateway"    // Raw model provider calls
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

var levelTags = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func parseLevel(s string) int {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Options configures the logging system. The config package translates its
// LoggingConfig into this struct so logging never imports config.
type Options struct {
	Directory  string
	Level      string // debug, info, warn, error
	Enabled    bool
	JSONFormat bool
	Categories map[string]bool // nil means all categories enabled
}

// StructuredEntry is the JSON form of one log line.
type StructuredEntry struct {
	Timestamp int64  `json:"ts"` // Unix milliseconds
	Category  string `json:"cat"`
	Level     string `json:"lvl"`
	Message   string `json:"msg"`
}

// Logger writes entries for one category to its own file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

// One mutex guards the options, the resolved level, and the logger map.
// Contention is negligible: loggers are created once and cached.
var (
	mu       sync.RWMutex
	opts     Options
	logLevel = LevelInfo
	loggers  = make(map[Category]*Logger)
)

// Initialize sets up the logging directory and applies options. Call once at
// startup; safe to call again to reconfigure.
func Initialize(o Options) error {
	mu.Lock()
	opts = o
	logLevel = parseLevel(o.Level)
	mu.Unlock()

	if !o.Enabled {
		return nil
	}
	if o.Directory == "" {
		return fmt.Errorf("logging directory required when logging is enabled")
	}
	if err := os.MkdirAll(o.Directory, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== concierge logging initialized ===")
	boot.Info("Logs directory: %s", o.Directory)
	boot.Info("Log level: %s", o.Level)
	return nil
}

// IsEnabled reports whether logging is active at all.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return opts.Enabled
}

// IsCategoryEnabled reports whether a specific category is enabled.
// Unlisted categories default to enabled.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if !opts.Enabled {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	if enabled, listed := opts.Categories[string(category)]; listed {
		return enabled
	}
	return true
}

// Get returns (or creates) a logger for the given category. Returns a no-op
// logger when logging or the category is disabled, so call sites never nil-check.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	mu.RLock()
	dir := opts.Directory
	l, cached := loggers[category]
	mu.RUnlock()
	if cached {
		return l
	}
	if dir == "" {
		return &Logger{category: category}
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l = openCategoryFile(dir, category)
	if l.file != nil {
		loggers[category] = l
	}
	return l
}

// openCategoryFile opens <dir>/<date>_<category>.log for append. The date
// prefix keeps rotation a plain file-move problem. On failure the returned
// logger is a no-op.
func openCategoryFile(dir string, category Category) *Logger {
	name := fmt.Sprintf("%s_%s.log", time.Now().Format("2006-01-02"), category)
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", path, err)
		return &Logger{category: category}
	}
	return &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

// emit is the single write path for all levels. Level gating happens here;
// errors always pass.
func (l *Logger) emit(level int, format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	mu.RLock()
	gate := logLevel
	asJSON := opts.JSONFormat
	mu.RUnlock()
	if level < gate && level != LevelError {
		return
	}

	msg := fmt.Sprintf(format, args...)
	if !asJSON {
		l.logger.Printf("[%s] %s", levelTags[level], msg)
		return
	}
	entry := StructuredEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     levelTags[level],
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", levelTags[level], msg)
		return
	}
	l.logger.Printf("%s", data)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.emit(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.emit(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.emit(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.emit(LevelError, format, args...)
}

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Convenience functions for one-line logging without fetching a logger first.
// All of them are no-ops when the category is disabled.

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// Server logs to the server category.
func Server(format string, args ...interface{}) {
	Get(CategoryServer).Info(format, args...)
}

// ServerDebug logs debug to the server category.
func ServerDebug(format string, args ...interface{}) {
	Get(CategoryServer).Debug(format, args...)
}

// Routing logs to the routing category.
func Routing(format string, args ...interface{}) {
	Get(CategoryRouting).Info(format, args...)
}

// RoutingDebug logs debug to the routing category.
func RoutingDebug(format string, args ...interface{}) {
	Get(CategoryRouting).Debug(format, args...)
}

// Decision logs to the decision category.
func Decision(format string, args ...interface{}) {
	Get(CategoryDecision).Info(format, args...)
}

// DecisionDebug logs debug to the decision category.
func DecisionDebug(format string, args ...interface{}) {
	Get(CategoryDecision).Debug(format, args...)
}

// Memory logs to the memory category.
func Memory(format string, args ...interface{}) {
	Get(CategoryMemory).Info(format, args...)
}

// MemoryDebug logs debug to the memory category.
func MemoryDebug(format string, args ...interface{}) {
	Get(CategoryMemory).Debug(format, args...)
}

// State logs to the state category.
func State(format string, args ...interface{}) {
	Get(CategoryState).Info(format, args...)
}

// StateDebug logs debug to the state category.
func StateDebug(format string, args ...interface{}) {
	Get(CategoryState).Debug(format, args...)
}

// Store logs to the store category.
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// Projection logs to the projection category.
func Projection(format string, args ...interface{}) {
	Get(CategoryProjection).Info(format, args...)
}

// ProjectionDebug logs debug to the projection category.
func ProjectionDebug(format string, args ...interface{}) {
	Get(CategoryProjection).Debug(format, args...)
}

// Synthesis logs to the synthesis category.
func Synthesis(format string, args ...interface{}) {
	Get(CategorySynthesis).Info(format, args...)
}

// SynthesisDebug logs debug to the synthesis category.
func SynthesisDebug(format string, args ...interface{}) {
	Get(CategorySynthesis).Debug(format, args...)
}

// Embedding logs to the embedding category.
func Embedding(format string, args ...interface{}) {
	Get(CategoryEmbedding).Info(format, args...)
}

// EmbeddingDebug logs debug to the embedding category.
func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debug(format, args...)
}

// Session logs to the session category.
func Session(format string, args ...interface{}) {
	Get(CategorySession).Info(format, args...)
}

// SessionDebug logs debug to the session category.
func SessionDebug(format string, args ...interface{}) {
	Get(CategorySession).Debug(format, args...)
}

// Gateway logs to the gateway category.
func Gateway(format string, args ...interface{}) {
	Get(CategoryGateway).Info(format, args...)
}

// GatewayDebug logs debug to the gateway category.
func GatewayDebug(format string, args ...interface{}) {
	Get(CategoryGateway).Debug(format, args...)
}

// GatewayError logs an error to the gateway category.
func GatewayError(format string, args ...interface{}) {
	Get(CategoryGateway).Error(format, args...)
}

// RequestLogger prefixes every line with a request correlation ID so one
// turn's server log lines can be grepped out of a busy file.
type RequestLogger struct {
	logger    *Logger
	requestID string
	fields    map[string]interface{}
}

// WithRequestID creates a request-scoped logger.
func WithRequestID(category Category, requestID string) *RequestLogger {
	return &RequestLogger{
		logger:    Get(category),
		requestID: requestID,
		fields:    make(map[string]interface{}),
	}
}

// WithField adds a field to the request logger.
func (r *RequestLogger) WithField(key string, value interface{}) *RequestLogger {
	r.fields[key] = value
	return r
}

func (r *RequestLogger) emit(level int, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if len(r.fields) > 0 {
		r.logger.emit(level, "[req:%s] %s | %v", r.requestID, msg, r.fields)
		return
	}
	r.logger.emit(level, "[req:%s] %s", r.requestID, msg)
}

func (r *RequestLogger) Debug(format string, args ...interface{}) {
	r.emit(LevelDebug, format, args...)
}

func (r *RequestLogger) Info(format string, args ...interface{}) {
	r.emit(LevelInfo, format, args...)
}

func (r *RequestLogger) Warn(format string, args ...interface{}) {
	r.emit(LevelWarn, format, args...)
}

func (r *RequestLogger) Error(format string, args ...interface{}) {
	r.emit(LevelError, format, args...)
}

// Timer measures one operation and reports the duration when stopped.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
