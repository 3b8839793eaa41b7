// Package audit provides structured JSON audit logging for every message
// disposition tapguard produces.
package audit

import (
	"io"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
)

// sanitizeString strips control characters and ANSI escape sequences from a
// string before logging. Scanned content can carry crafted escape sequences
// (e.g. \x1b[2J) that would execute when tailing audit logs in a terminal.
func sanitizeString(s string) string {
	// Fast path: most strings have no control characters.
	clean := true
	for _, r := range s {
		if r != '\t' && r != '\n' && (unicode.IsControl(r) || r == '\x1b') {
			clean = false
			break
		}
	}
	if clean {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	inEscape := false
	for _, r := range s {
		if inEscape {
			// ANSI escape sequences end with a letter.
			if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') {
				inEscape = false
			}
			continue
		}
		if r == '\x1b' {
			inEscape = true
			continue
		}
		if r != '\t' && r != '\n' && unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EventType describes the kind of audit event.
type EventType string

// Event type constants for structured audit log entries.
const (
	EventForwarded EventType = "forwarded"
	EventBypassed  EventType = "bypassed"
	EventReplaced  EventType = "replaced"
	EventBlocked   EventType = "blocked"
	EventDropped   EventType = "dropped"
	EventScanError EventType = "scan_error"
	EventTransport EventType = "transport_error"
)

// Logger handles structured audit logging using zerolog.
type Logger struct {
	zl               zerolog.Logger
	includeForwarded bool
	fileHandle       *os.File // non-nil if logging to file
}

// New creates a new audit logger. format is "json" or "text"; output is
// "stdout", "file", or "both". The caller should call Close when done.
// includeForwarded controls whether clean forwarded messages are logged
// (they dominate volume on busy transports).
func New(format, output, filePath string, includeForwarded bool) (*Logger, error) {
	var writers []io.Writer

	if output == "stdout" || output == "both" {
		if format == "text" {
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		} else {
			writers = append(writers, os.Stderr)
		}
	}

	var fileHandle *os.File
	if output == "file" || output == "both" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // G304: path validated by config layer
		if err != nil {
			return nil, err
		}
		writers = append(writers, f)
		fileHandle = f
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	var w io.Writer
	if len(writers) == 1 {
		w = writers[0]
	} else {
		w = zerolog.MultiLevelWriter(writers...)
	}

	zl := zerolog.New(w).With().
		Timestamp().
		Str("component", "tapguard").
		Logger()

	return &Logger{
		zl:               zl,
		includeForwarded: includeForwarded,
		fileHandle:       fileHandle,
	}, nil
}

// NewNop returns a no-op logger that discards all events.
func NewNop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// NewWriter returns a logger writing JSON events to w. Used in tests.
func NewWriter(w io.Writer) *Logger {
	return &Logger{
		zl:               zerolog.New(w).With().Timestamp().Str("component", "tapguard").Logger(),
		includeForwarded: true,
	}
}

// LogForwarded logs a message delivered to the application unchanged.
func (l *Logger) LogForwarded(pipelineID, msgType, method string, scanned bool) {
	if !l.includeForwarded {
		return
	}
	l.zl.Info().
		Str("event", string(EventForwarded)).
		Str("pipeline_id", pipelineID).
		Str("msg_type", msgType).
		Str("method", sanitizeString(method)).
		Bool("scanned", scanned).
		Msg("message forwarded")
}

// LogBypassed logs a message the pre-scan gate exempted from scanning.
func (l *Logger) LogBypassed(pipelineID, msgType, method string) {
	if !l.includeForwarded {
		return
	}
	l.zl.Info().
		Str("event", string(EventBypassed)).
		Str("pipeline_id", pipelineID).
		Str("msg_type", msgType).
		Str("method", sanitizeString(method)).
		Msg("scan bypassed by hook")
}

// LogReplaced logs a message substituted by a hook-supplied replacement.
func (l *Logger) LogReplaced(pipelineID, msgType, method string, categories []string) {
	l.zl.Warn().
		Str("event", string(EventReplaced)).
		Str("pipeline_id", pipelineID).
		Str("msg_type", msgType).
		Str("method", sanitizeString(method)).
		Strs("categories", sanitizeAll(categories)).
		Msg("unsafe message replaced")
}

// LogBlocked logs a request answered with a synthesized block response.
func (l *Logger) LogBlocked(pipelineID, method, id string, categories []string) {
	l.zl.Warn().
		Str("event", string(EventBlocked)).
		Str("pipeline_id", pipelineID).
		Str("method", sanitizeString(method)).
		Str("request_id", sanitizeString(id)).
		Strs("categories", sanitizeAll(categories)).
		Msg("unsafe request blocked")
}

// LogDropped logs an unsafe message that was silently discarded.
func (l *Logger) LogDropped(pipelineID, msgType string, categories []string) {
	l.zl.Warn().
		Str("event", string(EventDropped)).
		Str("pipeline_id", pipelineID).
		Str("msg_type", msgType).
		Strs("categories", sanitizeAll(categories)).
		Msg("unsafe message dropped")
}

// LogScanError logs a scan infrastructure failure. The triggering message
// is neither delivered nor blocked.
func (l *Logger) LogScanError(pipelineID string, err error) {
	l.zl.Error().
		Str("event", string(EventScanError)).
		Str("pipeline_id", pipelineID).
		Err(err).
		Msg("scan failed, message withheld")
}

// LogTransportError logs an error forwarded from the wrapped transport.
func (l *Logger) LogTransportError(err error) {
	l.zl.Error().
		Str("event", string(EventTransport)).
		Err(err).
		Msg("transport error")
}

// LogStartup logs that the wrapper has started.
func (l *Logger) LogStartup(mode string) {
	l.zl.Info().
		Str("event", "startup").
		Str("mode", mode).
		Msg("tapguard started")
}

// LogShutdown logs that the wrapper is shutting down.
func (l *Logger) LogShutdown(reason string) {
	l.zl.Info().
		Str("event", "shutdown").
		Str("reason", reason).
		Msg("tapguard stopping")
}

// With returns a sub-logger that includes the given key-value pair in every
// log entry. The sub-logger shares the parent's file handle but does NOT
// own it; only the root logger should be Close()'d.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{
		zl:               l.zl.With().Str(key, value).Logger(),
		includeForwarded: l.includeForwarded,
	}
}

// Close cleans up the logger, flushing and closing any open file handle.
// Idempotent.
func (l *Logger) Close() {
	if l.fileHandle != nil {
		_ = l.fileHandle.Sync()
		_ = l.fileHandle.Close()
		l.fileHandle = nil
	}
}

func sanitizeAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = sanitizeString(s)
	}
	return out
}
