// Package logging provides the session debug log shared by all service
// packages.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// DebugLogger provides verbose debug logging with payload hex dumps. It
// writes to a dedicated session log file and is intended for troubleshooting
// ingestion problems such as broker disconnects, dropped messages, and
// unexpected payloads.
type DebugLogger struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // Category filters (empty = log all)
}

// Global debug logger instance
var globalDebugLogger *DebugLogger
var globalDebugMu sync.RWMutex

// Known categories for filtering
var knownCategories = []string{
	"mqtt",
	"kafka",
	"valkey",
	"buffer",
	"snapshot",
	"storage",
	"api",
	"client",
	"debug",
}

// NewDebugLogger creates a new debug logger that writes to the specified
// path. The file is created fresh (truncated if it exists) for each session.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	logger := &DebugLogger{
		file:    file,
		filters: make(map[string]bool),
	}

	// Write header
	logger.Log("debug", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	logger.Log("debug", "========================================")

	return logger, nil
}

// KnownCategories returns the category names recognized by the filter.
func KnownCategories() []string {
	out := make([]string, len(knownCategories))
	copy(out, knownCategories)
	return out
}

// SetFilter sets the category filter for logging. The filter can be a single
// category or a comma-separated list; empty string means log all categories.
// Categories are matched case-insensitively.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)

	if filter == "" {
		return // Empty filter = log all
	}

	for _, c := range strings.Split(filter, ",") {
		c = strings.TrimSpace(strings.ToLower(c))
		if c != "" {
			l.filters[c] = true
		}
	}

	if len(l.filters) > 0 {
		filterList := make([]string, 0, len(l.filters))
		for c := range l.filters {
			filterList = append(filterList, c)
		}
		timestamp := time.Now().Format("2006-01-02 15:04:05.000")
		fmt.Fprintf(l.file, "%s [debug] Filtering enabled for categories: %s\n",
			timestamp, strings.Join(filterList, ", "))
	}
}

// shouldLog returns true if the category should be logged based on the
// current filter. Must be called with l.mu held.
func (l *DebugLogger) shouldLog(category string) bool {
	if len(l.filters) == 0 {
		return true
	}

	categoryLower := strings.ToLower(category)
	if l.filters[categoryLower] {
		return true
	}

	// Always allow debug messages (for header/footer)
	return categoryLower == "debug"
}

// SetGlobalDebugLogger sets the global debug logger instance.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the global debug logger instance.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// Log writes a formatted message with timestamp and category prefix.
func (l *DebugLogger) Log(category, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	if !l.shouldLog(category) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "%s [%s] %s\n", timestamp, category, msg)
}

// LogPayload logs a message payload with a hex dump for tracing what the bus
// actually delivered.
func (l *DebugLogger) LogPayload(category, topic string, data []byte) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	if !l.shouldLog(category) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [%s] payload on %s (%d bytes):\n", timestamp, category, topic, len(data))
	fmt.Fprintf(l.file, "%s\n", hexDump(data))
}

// LogError logs an error with context.
func (l *DebugLogger) LogError(category, context string, err error) {
	l.Log(category, "ERROR in %s: %v", context, err)
}

// Close closes the debug log file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true

	// Write footer
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [debug] Debug logging ended\n", timestamp)

	return l.file.Close()
}

// hexDump returns a hex dump of the data in a readable format.
// Format: offset: hex bytes   ASCII
// Example:
//
//	0000: 65 00 04 00 00 00 00 00  00 00 00 00 00 00 00 00  e...............
//	0010: 00 00 00 00 01 00 00 00                          ........
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}

	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		// Offset
		sb.WriteString(fmt.Sprintf("    %04X: ", offset))

		// Hex bytes (first 8)
		for i := 0; i < 8; i++ {
			if offset+i < len(data) {
				sb.WriteString(fmt.Sprintf("%02X ", data[offset+i]))
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteString(" ")

		// Hex bytes (second 8)
		for i := 8; i < 16; i++ {
			if offset+i < len(data) {
				sb.WriteString(fmt.Sprintf("%02X ", data[offset+i]))
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteString(" ")

		// ASCII representation
		for i := 0; i < 16; i++ {
			if offset+i < len(data) {
				b := data[offset+i]
				if b >= 32 && b < 127 {
					sb.WriteByte(b)
				} else {
					sb.WriteByte('.')
				}
			}
		}
		sb.WriteString("\n")
	}

	return strings.TrimSuffix(sb.String(), "\n")
}

// Global debug logging functions for use by the service packages

// DebugLog logs a message if debug logging is enabled.
func DebugLog(category, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(category, format, args...)
	}
}

// DebugPayload logs a delivered payload if debug logging is enabled.
func DebugPayload(category, topic string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogPayload(category, topic, data)
	}
}

// DebugError logs an error if debug logging is enabled.
func DebugError(category, context string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogError(category, context, err)
	}
}
