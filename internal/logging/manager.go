// Package logging holds the hub's in-memory structured log manager: a
// fixed-size ring buffer of JSON-shaped entries, queryable by level,
// source, and agent id, with live handlers for streaming and a
// standard-library log interceptor so every "log.Printf" callsite
// across the hub flows through the same buffer. Durable persistence is
// a non-goal for this hub, so there is no database sink here — entries
// live only as long as the process does.
package logging

import (
	"container/ring"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

const (
	// MaxBufferSize is the maximum number of log entries kept in memory.
	MaxBufferSize = 10000

	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Entry is a single log record.
type Entry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Source    string                 `json:"source"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Manager buffers log entries in a ring and fans them out to any
// registered handlers, so a consumer can follow new entries without
// re-reading the buffer.
type Manager struct {
	mu       sync.RWMutex
	buffer   *ring.Ring
	handlers []func(Entry)
}

// NewManager creates a ready-to-use Manager.
func NewManager() *Manager {
	return &Manager{
		buffer:   ring.New(MaxBufferSize),
		handlers: make([]func(Entry), 0),
	}
}

// Log appends an entry to the buffer and notifies every handler.
func (m *Manager) Log(level, source, message string, metadata map[string]interface{}) {
	entry := Entry{
		ID:        fmt.Sprintf("log-%d", time.Now().UnixNano()),
		Timestamp: time.Now(),
		Level:     level,
		Source:    source,
		Message:   message,
		Metadata:  metadata,
	}

	m.mu.Lock()
	m.buffer.Value = entry
	m.buffer = m.buffer.Next()
	handlers := make([]func(Entry), len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		go h(entry)
	}
}

// Debug logs a debug-level message.
func (m *Manager) Debug(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelDebug, source, message, metadata)
}

// Info logs an info-level message.
func (m *Manager) Info(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelInfo, source, message, metadata)
}

// Warn logs a warning-level message.
func (m *Manager) Warn(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelWarn, source, message, metadata)
}

// Error logs an error-level message.
func (m *Manager) Error(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelError, source, message, metadata)
}

// AddHandler registers a callback invoked (in its own goroutine) for
// every new entry.
func (m *Manager) AddHandler(handler func(Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Recent returns the most recent entries matching the given filters,
// newest first.
func (m *Manager) Recent(limit int, levelFilter, sourceFilter, agentID string, since, until time.Time) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > MaxBufferSize {
		limit = 100
	}

	entries := make([]Entry, 0, limit)

	m.buffer.Do(func(v interface{}) {
		if v == nil {
			return
		}
		entry, ok := v.(Entry)
		if !ok {
			return
		}
		if levelFilter != "" && entry.Level != levelFilter {
			return
		}
		if sourceFilter != "" && entry.Source != sourceFilter {
			return
		}
		if !since.IsZero() && entry.Timestamp.Before(since) {
			return
		}
		if !until.IsZero() && entry.Timestamp.After(until) {
			return
		}
		if agentID != "" && metaString(entry.Metadata, "agentId") != agentID {
			return
		}
		entries = append(entries, entry)
	})

	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	for i := 0; i < len(entries)/2; i++ {
		entries[i], entries[len(entries)-1-i] = entries[len(entries)-1-i], entries[i]
	}
	return entries
}

func metaString(meta map[string]interface{}, key string) string {
	if meta == nil {
		return ""
	}
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

// logInterceptWriter implements io.Writer so the standard "log" package
// output is captured and routed through the Manager.
type logInterceptWriter struct {
	manager *Manager
}

// Write parses a "[Source] message" prefix out of standard log.Printf
// output and files it under that source.
func (w *logInterceptWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if len(msg) > 20 && msg[4] == '/' && msg[7] == '/' && msg[10] == ' ' {
		msg = strings.TrimSpace(msg[20:])
	}

	level := LogLevelInfo
	source := "hub"

	lowerMsg := strings.ToLower(msg)
	switch {
	case strings.Contains(lowerMsg, "error") || strings.Contains(lowerMsg, "fail"):
		level = LogLevelError
	case strings.Contains(lowerMsg, "warn"):
		level = LogLevelWarn
	}

	if len(msg) > 2 && msg[0] == '[' {
		if end := strings.Index(msg, "]"); end > 1 {
			source = strings.ToLower(msg[1:end])
			msg = strings.TrimSpace(msg[end+1:])
		}
	}

	w.manager.Log(level, source, msg, nil)
	return len(p), nil
}

// InstallLogInterceptor redirects the standard "log" package through
// this Manager. Call once at startup.
func (m *Manager) InstallLogInterceptor() {
	log.SetOutput(&logInterceptWriter{manager: m})
	log.SetFlags(0)
}
