package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/adrg/xdg"

	"scribe/internal/anomaly"
	"scribe/internal/attribution"
	"scribe/internal/network"
	"scribe/internal/profile"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventAttribution   AuditEventType = "attribution"
	AuditEventAnomaly       AuditEventType = "anomaly"
	AuditEventNetwork       AuditEventType = "network"
	AuditEventProfileUpdate AuditEventType = "profile_update"
	AuditEventProfileDelete AuditEventType = "profile_delete"
	AuditEventConfigChange  AuditEventType = "config_change"
	AuditEventError         AuditEventType = "error"
	AuditEventStartup       AuditEventType = "startup"
	AuditEventShutdown      AuditEventType = "shutdown"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"` // "success" or "failure"
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// Writer replaces the rotating file when set.
	Writer io.Writer

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   filepath.Join(xdg.StateHome, "scribe", "audit.jsonl"),
		MaxSize:    50,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "scribe",
	}
}

// AuditLogger writes JSON-lines audit events. A nil *AuditLogger discards
// every event, so callers need no nil checks.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	w       io.Writer
	mu      sync.Mutex
	now     func() time.Time
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}
	a := &AuditLogger{config: cfg, now: time.Now}

	if cfg.Writer != nil {
		a.w = cfg.Writer
		return a, nil
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	a.rotator = rotator
	a.w = rotator
	return a, nil
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if event.Result == "" {
		event.Result = "success"
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogAttribution records an attribution result.
func (a *AuditLogger) LogAttribution(ctx context.Context, res *attribution.Result) error {
	details := map[string]any{
		"fingerprint_id": res.FingerprintID,
		"candidates":     len(res.Matches),
	}
	if top, ok := res.Top(); ok {
		details["top_author"] = top.AuthorID
		details["top_score"] = top.Score
		details["top_band"] = top.Band
	}
	if len(res.Incompatible) > 0 {
		details["incompatible"] = res.Incompatible
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventAttribution,
		Action:    "attribute",
		Resource:  res.ID,
		Details:   details,
	})
}

// LogAnomaly records an anomaly report.
func (a *AuditLogger) LogAnomaly(ctx context.Context, rep *anomaly.Report) error {
	breached := make([]string, 0, rep.Breaches)
	for _, d := range rep.Breached() {
		breached = append(breached, d.Metric)
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventAnomaly,
		Action:    "detect_anomaly",
		Resource:  rep.AuthorID,
		Details: map[string]any{
			"report_id":      rep.ID,
			"fingerprint_id": rep.FingerprintID,
			"classification": rep.Classification,
			"anomalous":      rep.Anomalous,
			"confidence":     rep.Confidence,
			"breached":       breached,
		},
	})
}

// LogNetwork records a network analysis run.
func (a *AuditLogger) LogNetwork(ctx context.Context, res *network.Result) error {
	kinds := make(map[network.ClusterKind]int)
	for _, c := range res.Clusters {
		kinds[c.Kind]++
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventNetwork,
		Action:    "analyze_network",
		Resource:  res.ID,
		Details: map[string]any{
			"accounts": res.Accounts,
			"pairs":    res.Pairs,
			"edges":    len(res.Edges),
			"clusters": kinds,
			"skipped":  len(res.Skipped),
		},
	})
}

// LogProfileUpdate records a baseline update.
func (a *AuditLogger) LogProfileUpdate(ctx context.Context, p *profile.Profile, fingerprintID string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventProfileUpdate,
		Action:    "update_profile",
		Resource:  p.AuthorID,
		Details: map[string]any{
			"fingerprint_id": fingerprintID,
			"sample_count":   p.SampleCount,
			"version":        p.Version,
		},
	})
}

// LogProfileDelete records a profile deletion.
func (a *AuditLogger) LogProfileDelete(ctx context.Context, authorID string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventProfileDelete,
		Action:    "delete_profile",
		Resource:  authorID,
	})
}

// LogConfigChange logs a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Details: map[string]any{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogError logs a failed operation.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]any) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

// LogStartup logs a process startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = make(map[string]any)
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "started",
		Details:   details,
	})
}

// LogShutdown logs a process shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "stopped",
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Close()
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Sync()
}
