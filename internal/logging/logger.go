// Package logging is the SDK's queryable domain log. Entries are kept
// in a circular buffer, filtered by level and category, redacted by
// field key, mirrored to a *slog.Logger and optionally handed to an
// observer (the SDK forwards them as "log" events).
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBufferSize is the ring capacity when none is configured.
const DefaultMaxBufferSize = 1000

// Level orders entries by severity.
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
	case LevelError:
		return "error"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// MarshalText renders the level by name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses a level name.
func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel converts a case-insensitive name to a Level. An empty
// string is info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", s)
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Category groups entries by the component that wrote them.
type Category string

const (
	CategorySDK        Category = "sdk"
	CategoryClassifier Category = "classifier"
	CategoryRouter     Category = "router"
	CategoryQueue      Category = "queue"
	CategoryAgent      Category = "agent"
	CategoryDispatcher Category = "dispatcher"
	CategoryHook       Category = "hook"
	CategoryUndo       Category = "undo"
	CategoryContext    Category = "context"
	CategoryPersist    Category = "persistence"
)

// Entry is one log record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
}

// Config tunes a Logger.
type Config struct {
	Level         Level
	MaxBufferSize int
	Redact        Redact
	// Disabled lists categories that start switched off.
	Disabled []Category
	// Handler observes every admitted entry after redaction.
	Handler func(Entry)
}

// Query filters GetLogs. Zero fields match everything.
type Query struct {
	Category Category
	// MinLevel keeps entries at or above this level.
	MinLevel Level
	TaskID   string
	AgentID  string
	Since    time.Time
	// Limit keeps the newest Limit matches.
	Limit int
}

// Logger is safe for concurrent use.
type Logger struct {
	console  *slog.Logger
	redactor *redactor
	now      func() time.Time

	mu       sync.RWMutex
	level    Level
	disabled map[Category]bool
	handler  func(Entry)
	entries  []Entry // circular buffer, pre-allocated
	head     int     // next write position
	count    int
}

// New creates a Logger mirroring to console. A nil console discards
// the mirror.
func New(console *slog.Logger, cfg Config) (*Logger, error) {
	if console == nil {
		console = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultMaxBufferSize
	}
	r, err := newRedactor(cfg.Redact)
	if err != nil {
		return nil, err
	}
	l := &Logger{
		console:  console,
		redactor: r,
		now:      time.Now,
		level:    cfg.Level,
		disabled: make(map[Category]bool),
		handler:  cfg.Handler,
		entries:  make([]Entry, cfg.MaxBufferSize),
	}
	for _, c := range cfg.Disabled {
		l.disabled[c] = true
	}
	return l, nil
}

// Nop returns a Logger that buffers entries without mirroring them.
func Nop() *Logger {
	l, _ := New(nil, Config{})
	return l
}

// SetHandler replaces the entry observer.
func (l *Logger) SetHandler(fn func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = fn
}

// ShouldLog reports whether an entry at level in category is admitted.
func (l *Logger) ShouldLog(level Level, category Category) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level && !l.disabled[category]
}

// Debug logs at debug level. args are slog-style key/value pairs;
// the keys task_id, agent_id and duration fill the matching entry
// fields.
func (l *Logger) Debug(category Category, msg string, args ...any) {
	l.Log(context.Background(), LevelDebug, category, msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(category Category, msg string, args ...any) {
	l.Log(context.Background(), LevelInfo, category, msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(category Category, msg string, args ...any) {
	l.Log(context.Background(), LevelWarn, category, msg, args...)
}

// Error logs at error level.
func (l *Logger) Error(category Category, msg string, args ...any) {
	l.Log(context.Background(), LevelError, category, msg, args...)
}

// Log records an entry if level and category are admitted.
func (l *Logger) Log(ctx context.Context, level Level, category Category, msg string, args ...any) {
	if l == nil || !l.ShouldLog(level, category) {
		return
	}

	e := Entry{
		Timestamp: l.now(),
		Level:     level,
		Category:  category,
		Message:   msg,
	}
	data := make(map[string]any)
	for i := 0; i < len(args); i++ {
		var key string
		var val any
		switch a := args[i].(type) {
		case slog.Attr:
			key, val = a.Key, attrValue(a.Value)
		case string:
			if i+1 >= len(args) {
				key, val = "!BADKEY", a
			} else {
				key, val = a, args[i+1]
				i++
			}
		default:
			key, val = "!BADKEY", a
		}
		masked := l.redactor.matches(key)
		switch key {
		case "task_id":
			e.TaskID = fmt.Sprint(val)
			if masked {
				e.TaskID = Redacted
			}
		case "agent_id":
			e.AgentID = fmt.Sprint(val)
			if masked {
				e.AgentID = Redacted
			}
		case "duration":
			if d, ok := val.(time.Duration); ok {
				e.Duration = d
				continue
			}
			data[key] = val
		default:
			data[key] = val
		}
	}
	if len(data) > 0 {
		e.Data = l.redactor.apply(data)
	}

	l.mu.Lock()
	l.entries[l.head] = e
	l.head = (l.head + 1) % len(l.entries)
	if l.count < len(l.entries) {
		l.count++
	}
	handler := l.handler
	l.mu.Unlock()

	l.mirror(ctx, e)
	if handler != nil {
		l.notify(ctx, handler, e)
	}
}

// notify runs the observer. A panic is reported on the console and
// the entry stays buffered.
func (l *Logger) notify(ctx context.Context, handler func(Entry), e Entry) {
	defer func() {
		if p := recover(); p != nil {
			l.console.LogAttrs(ctx, slog.LevelError, "log handler panicked",
				slog.String("category", string(e.Category)), slog.Any("panic", p))
		}
	}()
	handler(e)
}

func (l *Logger) mirror(ctx context.Context, e Entry) {
	attrs := make([]slog.Attr, 0, len(e.Data)+4)
	attrs = append(attrs, slog.String("category", string(e.Category)))
	if e.TaskID != "" {
		attrs = append(attrs, slog.String("task_id", e.TaskID))
	}
	if e.AgentID != "" {
		attrs = append(attrs, slog.String("agent_id", e.AgentID))
	}
	if e.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", e.Duration))
	}
	for k, v := range e.Data {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.console.LogAttrs(ctx, e.Level.slogLevel(), e.Message, attrs...)
}

// SetLevel changes the minimum admitted level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the minimum admitted level.
func (l *Logger) GetLevel() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

// EnableCategory admits entries in c.
func (l *Logger) EnableCategory(c Category) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.disabled, c)
}

// DisableCategory drops entries in c.
func (l *Logger) DisableCategory(c Category) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disabled[c] = true
}

// snapshot returns buffered entries oldest first. Callers hold mu.
func (l *Logger) snapshot() []Entry {
	out := make([]Entry, 0, l.count)
	start := (l.head - l.count + len(l.entries)) % len(l.entries)
	for i := range l.count {
		out = append(out, l.entries[(start+i)%len(l.entries)])
	}
	return out
}

// GetLogs returns matching entries, oldest first.
func (l *Logger) GetLogs(q Query) []Entry {
	l.mu.RLock()
	all := l.snapshot()
	l.mu.RUnlock()

	out := all[:0]
	for _, e := range all {
		if q.Category != "" && e.Category != q.Category {
			continue
		}
		if e.Level < q.MinLevel {
			continue
		}
		if q.TaskID != "" && e.TaskID != q.TaskID {
			continue
		}
		if q.AgentID != "" && e.AgentID != q.AgentID {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, e)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// ExportLogs serializes the buffer as a JSON array.
func (l *Logger) ExportLogs() ([]byte, error) {
	l.mu.RLock()
	all := l.snapshot()
	l.mu.RUnlock()
	return json.MarshalIndent(all, "", "  ")
}

// ClearLogs empties the buffer.
func (l *Logger) ClearLogs() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.entries)
	l.head, l.count = 0, 0
}

// Len returns the number of buffered entries.
func (l *Logger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}
