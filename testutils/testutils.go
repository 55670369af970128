package testutils

import (
	"fmt"
	"strings"
	"sync"
)

// TestLogger is a utility for logging in tests
//
// Every message is recorded so tests can assert on what was logged. Background goroutines may outlive the test that
// created the logger, so messages are never written to testing.T.
type TestLogger struct {
	mu       sync.Mutex
	messages []string
}

// Info records an info message
func (h *TestLogger) Info(m string, args ...any) { h.record("INFO", m, args) }

// Debug records a debug message
func (h *TestLogger) Debug(m string, args ...any) { h.record("DEBUG", m, args) }

// Warn records a warning
func (h *TestLogger) Warn(m string, args ...any) { h.record("WARN", m, args) }

// Error records an error message
func (h *TestLogger) Error(m string, args ...any) { h.record("ERROR", m, args) }

// Logged reports whether any recorded message contains substr
func (h *TestLogger) Logged(substr string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, m := range h.messages {
		if strings.Contains(m, substr) {
			return true
		}
	}

	return false
}

func (h *TestLogger) record(level, m string, args []any) {
	line := fmt.Sprintf("%s %s %v", level, m, args)

	h.mu.Lock()
	h.messages = append(h.messages, line)
	h.mu.Unlock()
}
