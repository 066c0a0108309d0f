// Package logging defines the structured logging protocol shared by all
// engine components.
//
// Every component logs through the Logger interface so embedders can plug
// in their own backend. A zap-backed implementation is provided for
// production use, a no-op implementation for quiet embedding, and a
// capturing implementation for tests.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

// Logger is the structured logging protocol. Messages are snake_case event
// names; keysAndValues are alternating key/value pairs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)

	// Bind returns a child logger with the given key/value pairs attached
	// to every subsequent message.
	Bind(keysAndValues ...any) Logger
}

// ============================================================================
// Zap adapter
// ============================================================================

type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger wraps an existing zap logger.
func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{s: l.Sugar()}
}

// NewProduction returns a JSON logger suitable for services.
func NewProduction() (Logger, error) {
	l, err := zap.NewProduction(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &zapLogger{s: l.Sugar()}, nil
}

// NewDevelopment returns a console logger suitable for local runs.
func NewDevelopment() (Logger, error) {
	l, err := zap.NewDevelopment(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &zapLogger{s: l.Sugar()}, nil
}

func (z *zapLogger) Debug(msg string, keysAndValues ...any) {
	z.s.Debugw(msg, keysAndValues...)
}

func (z *zapLogger) Info(msg string, keysAndValues ...any) {
	z.s.Infow(msg, keysAndValues...)
}

func (z *zapLogger) Warn(msg string, keysAndValues ...any) {
	z.s.Warnw(msg, keysAndValues...)
}

func (z *zapLogger) Error(msg string, keysAndValues ...any) {
	z.s.Errorw(msg, keysAndValues...)
}

func (z *zapLogger) Bind(keysAndValues ...any) Logger {
	return &zapLogger{s: z.s.With(keysAndValues...)}
}

// ============================================================================
// No-op logger
// ============================================================================

type nopLogger struct{}

// NewNop returns a logger that discards everything.
func NewNop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Bind(...any) Logger   { return nopLogger{} }

// ============================================================================
// Capture logger (tests)
// ============================================================================

// Entry is one captured log call.
type Entry struct {
	Level   string
	Message string
	Fields  []any
}

// Capture records every log call for later assertion. Bound children feed
// entries back into the root recorder.
type Capture struct {
	mu      sync.Mutex
	entries []Entry
	bound   []any
	parent  *Capture
}

// NewCapture returns an empty capturing logger.
func NewCapture() *Capture { return &Capture{} }

func (c *Capture) root() *Capture {
	r := c
	for r.parent != nil {
		r = r.parent
	}
	return r
}

func (c *Capture) record(level, msg string, kv []any) {
	fields := make([]any, 0, len(c.bound)+len(kv))
	fields = append(fields, c.bound...)
	fields = append(fields, kv...)
	r := c.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Message: msg, Fields: fields})
}

func (c *Capture) Debug(msg string, kv ...any) { c.record("debug", msg, kv) }
func (c *Capture) Info(msg string, kv ...any)  { c.record("info", msg, kv) }
func (c *Capture) Warn(msg string, kv ...any)  { c.record("warn", msg, kv) }
func (c *Capture) Error(msg string, kv ...any) { c.record("error", msg, kv) }

func (c *Capture) Bind(kv ...any) Logger {
	return &Capture{
		bound:  append(append([]any{}, c.bound...), kv...),
		parent: c.root(),
	}
}

// Entries returns a copy of everything captured so far.
func (c *Capture) Entries() []Entry {
	r := c.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Messages returns the captured messages in order.
func (c *Capture) Messages() []string {
	entries := c.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

// Has reports whether a message was logged at any level.
func (c *Capture) Has(msg string) bool {
	for _, e := range c.Entries() {
		if e.Message == msg {
			return true
		}
	}
	return false
}
