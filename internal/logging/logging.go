// Package logging provides the in-memory category logger, its zap mirror and
// crash capture.
package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	default:
		return "error"
	}
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ParseLevel maps debug|info|warn|error to a Level.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// Category groups log entries by subsystem.
type Category string

const (
	CatCard      Category = "card"
	CatMonitor   Category = "monitor"
	CatInject    Category = "inject"
	CatSystem    Category = "system"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
	CatMQTT      Category = "mqtt"
	CatHistory   Category = "history"
)

// Entry is one stored log line.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    Level          `json:"level"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Stats summarizes the buffer contents.
type Stats struct {
	Total      int              `json:"total"`
	Capacity   int              `json:"capacity"`
	ByLevel    map[string]int   `json:"byLevel"`
	ByCategory map[Category]int `json:"byCategory"`
}

// Logger keeps the most recent entries in a ring buffer and mirrors every
// entry to zap.
type Logger struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	minLevel Level
	zap      *zap.Logger
}

var (
	global   *Logger
	globalMu sync.Mutex
)

// Init replaces the global logger. size is the ring buffer capacity.
func Init(size int, minLevel Level) *Logger {
	if size <= 0 {
		size = 1000
	}
	l := &Logger{
		entries:  make([]Entry, size),
		minLevel: minLevel,
		zap:      newZap(ZapConfigFromEnv()),
	}
	globalMu.Lock()
	global = l
	globalMu.Unlock()
	return l
}

// Get returns the global logger, initializing a default one if needed.
func Get() *Logger {
	globalMu.Lock()
	l := global
	globalMu.Unlock()
	if l == nil {
		return Init(1000, LevelInfo)
	}
	return l
}

// ZapConfig selects the zap encoder and level.
type ZapConfig struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// ZapConfigFromEnv reads NFC_WEDGE_LOG_LEVEL and NFC_WEDGE_LOG_FORMAT.
func ZapConfigFromEnv() ZapConfig {
	return ZapConfig{
		Level:  getenv("NFC_WEDGE_LOG_LEVEL", "info"),
		Format: getenv("NFC_WEDGE_LOG_FORMAT", "console"),
	}
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func newZap(cfg ZapConfig) *zap.Logger {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			level = zapcore.InfoLevel
		}
	}

	var zcfg zap.Config
	if strings.ToLower(cfg.Format) == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.DisableStacktrace = true

	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger.With(zap.String("service", "nfc-wedge"))
}

// SetZap replaces the zap mirror. Tests use zap.NewNop or an observer core.
func (l *Logger) SetZap(z *zap.Logger) {
	if z == nil {
		z = zap.NewNop()
	}
	l.mu.Lock()
	l.zap = z
	l.mu.Unlock()
}

// Sync flushes the zap mirror.
func (l *Logger) Sync() {
	l.mu.RLock()
	z := l.zap
	l.mu.RUnlock()
	_ = z.Sync()
}

// Log stores an entry and mirrors it to zap.
func (l *Logger) Log(level Level, cat Category, msg string, fields map[string]any) {
	if level < l.minLevel {
		return
	}
	e := Entry{Time: time.Now(), Level: level, Category: cat, Message: msg}
	if len(fields) > 0 {
		e.Fields = make(map[string]any, len(fields))
		for k, v := range fields {
			e.Fields[k] = v
		}
	}

	l.mu.Lock()
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	z := l.zap
	l.mu.Unlock()

	if ce := z.Check(level.zapLevel(), msg); ce != nil {
		zf := make([]zap.Field, 0, len(fields)+1)
		zf = append(zf, zap.String("category", string(cat)))
		for k, v := range fields {
			zf = append(zf, zap.Any(k, v))
		}
		ce.Write(zf...)
	}
}

// ordered returns the stored entries, oldest first. Caller holds l.mu.
func (l *Logger) ordered() []Entry {
	if !l.full {
		return append([]Entry(nil), l.entries[:l.next]...)
	}
	out := make([]Entry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

// GetEntries returns up to limit entries, newest first, optionally filtered
// by minimum level and category. limit <= 0 means no limit.
func (l *Logger) GetEntries(limit int, minLevel *Level, cat *Category) []Entry {
	l.mu.RLock()
	all := l.ordered()
	l.mu.RUnlock()

	out := make([]Entry, 0)
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if minLevel != nil && e.Level < *minLevel {
			continue
		}
		if cat != nil && e.Category != *cat {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Stats counts stored entries.
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	all := l.ordered()
	capacity := len(l.entries)
	l.mu.RUnlock()

	s := Stats{
		Total:      len(all),
		Capacity:   capacity,
		ByLevel:    map[string]int{},
		ByCategory: map[Category]int{},
	}
	for _, e := range all {
		s.ByLevel[e.Level.String()]++
		s.ByCategory[e.Category]++
	}
	return s
}

// Clear drops all stored entries.
func (l *Logger) Clear() {
	l.mu.Lock()
	l.entries = make([]Entry, len(l.entries))
	l.next = 0
	l.full = false
	l.mu.Unlock()
}

func Debug(cat Category, msg string, fields map[string]any) {
	Get().Log(LevelDebug, cat, msg, fields)
}

func Info(cat Category, msg string, fields map[string]any) {
	Get().Log(LevelInfo, cat, msg, fields)
	addBreadcrumb(LevelInfo, cat, msg)
}

func Warn(cat Category, msg string, fields map[string]any) {
	Get().Log(LevelWarn, cat, msg, fields)
	addBreadcrumb(LevelWarn, cat, msg)
}

// Error logs at error level and forwards to Sentry when an "error" field is set.
func Error(cat Category, msg string, fields map[string]any) {
	Get().Log(LevelError, cat, msg, fields)
	addBreadcrumb(LevelError, cat, msg)
	if err := reportedError(fields); err != nil {
		CaptureError(err, string(cat), fields)
	}
}
