package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Severity classifies audit events for filtering and alerting. Integrity
// failures are always logged at SeverityCritical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Config defines audit logging configuration
type Config struct {
	Enabled     bool                   `json:"enabled"`
	Environment string                 `json:"environment"`
	Type        ConfigType             `json:"type"`    // "file", "syslog", etc.
	Options     map[string]interface{} `json:"options"` // Provider-specific options
	LogLevel    string                 `json:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Logger interface for pluggable audit implementations. Append failures are
// best-effort for callers: the primary operation proceeds, but the returned
// error should surface as a health-check warning.
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	LogSeverity(severity Severity, action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event
type Event struct {
	ID          string                 `json:"id"`
	RequestID   string                 `json:"request_id,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Environment string                 `json:"environment,omitempty"`
	Action      string                 `json:"action"`
	Success     bool                   `json:"success"`
	Severity    Severity               `json:"severity,omitempty"`
	Error       string                 `json:"error,omitempty"`
	SecretID    string                 `json:"secret_id,omitempty"`
	KeyID       string                 `json:"key_id,omitempty"`
	ScheduleID  string                 `json:"schedule_id,omitempty"`
	UserID      string                 `json:"user_id,omitempty"`
	Source      string                 `json:"source,omitempty"` // IP, hostname, etc.
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Duration    int64                  `json:"duration_ms,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	Environment string
	Since       *time.Time
	Until       *time.Time
	Action      string
	Success     *bool // nil = all, true = only success, false = only failures
	Severity    Severity
	SecretID    string
	KeyID       string
	UserID      string
	Limit       int
	Offset      int
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
