package emit

import (
	"os"
	"strings"
	"time"
)

// Severity represents the importance level of a security event.
type Severity int

const (
	SeverityInfo     Severity = iota // Normal operations
	SeverityWarn                     // Unsafe content handled, worth investigating
	SeverityCritical                 // Needs immediate attention
)

// String returns the lowercase string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "warn"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// ParseSeverity converts a string to a Severity level.
// The comparison is case-insensitive. Returns SeverityInfo for unrecognized values.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(s) {
	case "warn":
		return SeverityWarn
	case "critical":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// Event represents a structured security event for external emission.
type Event struct {
	Severity   Severity
	Type       string // Event type ("blocked", "scan_error", etc.)
	Timestamp  time.Time
	InstanceID string         // tapguard instance identifier
	Fields     map[string]any // Structured fields from the interception pipeline
}

// DefaultInstanceID returns the hostname or "tapguard" as fallback.
func DefaultInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "tapguard"
}

// EventSeverity maps pipeline event types to their severity level.
// Severity is hardcoded — users control emission threshold, not event severity.
var EventSeverity = map[string]Severity{
	// Critical: a scan failure withholds messages fail-closed; someone
	// should be looking at why the scanning service is unreachable.
	"scan_error": SeverityCritical,

	// Warn: unsafe content was detected and handled
	"blocked":  SeverityWarn,
	"replaced": SeverityWarn,
	"dropped":  SeverityWarn,

	// Info: normal operations
	"forwarded":       SeverityInfo,
	"bypassed":        SeverityInfo,
	"startup":         SeverityInfo,
	"shutdown":        SeverityInfo,
	"config_reload":   SeverityInfo,
	"transport_error": SeverityInfo,
}
