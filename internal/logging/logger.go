// Package logging provides the structured logger shared by every relay subsystem.
package logging

import (
	"io"
	"log"
	"maps"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Subsystem names used with Named.
const (
	SubsystemLDAP      = "ldap"
	SubsystemSession   = "session"
	SubsystemRelay     = "relay"
	SubsystemHTTP      = "http"
	SubsystemDirectory = "directory"
)

// Logger interface for relay operations.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
	Trace(msg string, fields map[string]any)

	// Named returns a logger for the given subsystem.
	Named(subsystem string) Logger
}

// Config controls logger construction.
type Config struct {
	Level  string    // trace, debug, info, warn, error
	Format string    // text or json
	Output io.Writer // defaults to stderr
}

// HCLogger wraps hclog for use across the relay.
type HCLogger struct {
	l hclog.Logger
}

// New creates the root logger.
func New(cfg Config) *HCLogger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	return &HCLogger{
		l: hclog.New(&hclog.LoggerOptions{
			Name:       "ad-ntlm-relay",
			Level:      hclog.LevelFromString(cfg.Level),
			Output:     out,
			JSONFormat: strings.EqualFold(cfg.Format, "json"),
		}),
	}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &HCLogger{l: hclog.NewNullLogger()}
}

func (h *HCLogger) Debug(msg string, fields map[string]any) { h.l.Debug(msg, flatten(fields)...) }
func (h *HCLogger) Info(msg string, fields map[string]any)  { h.l.Info(msg, flatten(fields)...) }
func (h *HCLogger) Warn(msg string, fields map[string]any)  { h.l.Warn(msg, flatten(fields)...) }
func (h *HCLogger) Error(msg string, fields map[string]any) { h.l.Error(msg, flatten(fields)...) }
func (h *HCLogger) Trace(msg string, fields map[string]any) { h.l.Trace(msg, flatten(fields)...) }

// Named returns a sub-logger scoped to a subsystem.
func (h *HCLogger) Named(subsystem string) Logger {
	return &HCLogger{l: h.l.Named(subsystem)}
}

// StandardLogger adapts l for APIs that take a *log.Logger, such as
// http.Server.ErrorLog. It returns nil for loggers not backed by hclog.
func StandardLogger(l Logger) *log.Logger {
	h, ok := l.(*HCLogger)
	if !ok {
		return nil
	}
	return h.l.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})
}

// flatten converts a field map into hclog's alternating key/value arguments.
// Sensitive values are redacted before they reach the sink.
func flatten(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}

	sanitized := SanitizeFields(fields)
	args := make([]any, 0, len(sanitized)*2)
	for k, v := range sanitized {
		args = append(args, k, v)
	}
	return args
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// LogOperation is a helper function to log an operation with timing.
func LogOperation(l Logger, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	entry := make(map[string]any, len(fields)+3)
	maps.Copy(entry, fields)
	entry["operation"] = operation

	l.Debug("Starting operation", entry)

	err := fn()

	entry["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		entry["error"] = err.Error()
		l.Error("Operation failed", entry)
	} else {
		l.Debug("Operation completed successfully", entry)
	}

	return err
}

// LogConnectionEvent logs connection-related events at a level chosen by event.
func LogConnectionEvent(l Logger, event string, fields map[string]any) {
	entry := make(map[string]any, len(fields)+1)
	maps.Copy(entry, fields)
	entry["event"] = event

	switch event {
	case "connection_established", "authentication_success":
		l.Info("Connection event", entry)
	case "connection_failed", "authentication_failed", "connection_lost", "protocol_mismatch":
		l.Error("Connection event", entry)
	case "connection_attempt", "connection_closed":
		l.Debug("Connection event", entry)
	default:
		l.Trace("Connection event", entry)
	}
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	sensitiveKeys := map[string]bool{
		"password":      true,
		"passwd":        true,
		"secret":        true,
		"token":         true,
		"authorization": true,
		"credential":    true,
		"credentials":   true,
		"ntlm_token":    true,
	}

	for k, v := range fields {
		if sensitiveKeys[k] {
			sanitized[k] = "[REDACTED]"
			continue
		}
		if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}

	return sanitized
}

// containsSensitivePattern checks if a string contains patterns that might be sensitive.
func containsSensitivePattern(s string) bool {
	patterns := []string{
		"password=",
		"passwd=",
		"secret=",
		"token=",
		"ntlm ",
	}

	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
