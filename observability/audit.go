package observability

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/victoralfred/gowritter/safepath"
)

// AuditLogger records an append-only trail of process lifecycle
// events.
type AuditLogger interface {
	// Log appends an audit event.
	Log(ctx context.Context, event *AuditEvent) error

	// Query returns logged events matching the filter.
	Query(ctx context.Context, filter *AuditFilter) ([]*AuditEvent, error)

	// Close releases the logger.
	Close() error
}

// AuditEvent is one audit log entry.
type AuditEvent struct {
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ID         string            `json:"id"`
	Type       AuditEventType    `json:"type"`
	Program    string            `json:"program"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Policy     string            `json:"policy,omitempty"`
	Status     string            `json:"status"`
	Error      string            `json:"error,omitempty"`
	Output     string            `json:"output,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Violations []string          `json:"violations,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	Duration   time.Duration     `json:"duration"`
	ExitCode   int               `json:"exit_code"`
	Pid        int               `json:"pid,omitempty"`
}

// AuditEventType is the kind of lifecycle event.
type AuditEventType string

const (
	// AuditEventSpawn records a process start.
	AuditEventSpawn AuditEventType = "spawn"

	// AuditEventExit records a process exit.
	AuditEventExit AuditEventType = "exit"

	// AuditEventRejected records a command refused before spawn.
	AuditEventRejected AuditEventType = "rejected"

	// AuditEventKilled records an operator kill.
	AuditEventKilled AuditEventType = "killed"

	// AuditEventWarning records a command that ran despite sanitizer
	// warnings.
	AuditEventWarning AuditEventType = "warning"

	// AuditEventError records an infrastructure failure.
	AuditEventError AuditEventType = "error"
)

// AuditFilter selects events from the log.
type AuditFilter struct {
	// StartTime is the inclusive start of the time range.
	StartTime time.Time

	// EndTime is the inclusive end of the time range.
	EndTime time.Time

	// Program filters by program name.
	Program string

	// Type filters by event type.
	Type AuditEventType

	// Status filters by status.
	Status string

	// Limit caps the number of returned events. 0 means all.
	Limit int
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	LogLevel      AuditLogLevel
	BasePath      string
	FilePath      string
	MaxOutputSize int
	Enabled       bool
	IncludeOutput bool
}

// AuditLogLevel selects which events reach the log.
type AuditLogLevel string

const (
	// AuditLogAll logs every event.
	AuditLogAll AuditLogLevel = "all"

	// AuditLogFailures logs only processes that did not complete.
	AuditLogFailures AuditLogLevel = "failures"

	// AuditLogRejections logs only sanitizer rejections and warnings.
	AuditLogRejections AuditLogLevel = "rejections"
)

// DefaultAuditConfig returns the default audit configuration.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Enabled:       true,
		LogLevel:      AuditLogAll,
		IncludeOutput: false,
		MaxOutputSize: 1024,
		BasePath:      "/var/log",
		FilePath:      "goproc/audit.log",
	}
}

// fileAuditLogger appends JSON lines through a path-confined writer.
type fileAuditLogger struct {
	safePath *safepath.SafePath
	config   AuditConfig
	mu       sync.Mutex
}

// NewFileAuditLogger creates a file-based audit logger rooted at
// config.BasePath.
func NewFileAuditLogger(config AuditConfig) (AuditLogger, error) {
	sp, err := safepath.New(config.BasePath)
	if err != nil {
		return nil, fmt.Errorf("creating safe path: %w", err)
	}

	return &fileAuditLogger{
		config:   config,
		safePath: sp,
	}, nil
}

// Log implements AuditLogger.Log.
func (l *fileAuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	if !l.config.Enabled || !l.shouldLog(event) {
		return nil
	}

	if !l.config.IncludeOutput {
		event.Output = ""
	} else if len(event.Output) > l.config.MaxOutputSize {
		event.Output = event.Output[:l.config.MaxOutputSize] + "...(truncated)"
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.safePath.AppendFile(l.config.FilePath, data, 0o644); err != nil {
		return fmt.Errorf("writing audit log: %w", err)
	}

	return nil
}

// Query implements AuditLogger.Query. It scans the log file line by
// line; malformed lines are skipped.
func (l *fileAuditLogger) Query(ctx context.Context, filter *AuditFilter) ([]*AuditEvent, error) {
	l.mu.Lock()
	data, err := l.safePath.ReadFile(l.config.FilePath)
	l.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	var events []*AuditEvent
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var event AuditEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if !matchesFilter(&event, filter) {
			continue
		}

		events = append(events, &event)
		if filter != nil && filter.Limit > 0 && len(events) >= filter.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning audit log: %w", err)
	}

	return events, nil
}

// Close implements AuditLogger.Close.
func (l *fileAuditLogger) Close() error {
	return nil
}

func matchesFilter(event *AuditEvent, filter *AuditFilter) bool {
	if filter == nil {
		return true
	}
	if !filter.StartTime.IsZero() && event.Timestamp.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && event.Timestamp.After(filter.EndTime) {
		return false
	}
	if filter.Program != "" && event.Program != filter.Program {
		return false
	}
	if filter.Type != "" && event.Type != filter.Type {
		return false
	}
	if filter.Status != "" && event.Status != filter.Status {
		return false
	}
	return true
}

func (l *fileAuditLogger) shouldLog(event *AuditEvent) bool {
	switch l.config.LogLevel {
	case AuditLogAll:
		return true
	case AuditLogFailures:
		return event.Status != "completed"
	case AuditLogRejections:
		return event.Type == AuditEventRejected || event.Type == AuditEventWarning
	default:
		return true
	}
}

// NoopAuditLogger returns an audit logger that discards everything.
func NoopAuditLogger() AuditLogger {
	return &noopAuditLogger{}
}

type noopAuditLogger struct{}

func (l *noopAuditLogger) Log(ctx context.Context, event *AuditEvent) error { return nil }
func (l *noopAuditLogger) Query(ctx context.Context, filter *AuditFilter) ([]*AuditEvent, error) {
	return nil, nil
}
func (l *noopAuditLogger) Close() error { return nil }
