// Package audit provides security audit logging for SIEM consumption.
// It logs security-relevant events in structured JSON format for easy parsing
// and integration with security information and event management systems.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventSQLInjectionAttempt is logged when libinjection flags a literal in generated SQL.
	EventSQLInjectionAttempt SecurityEventType = "sql_injection_attempt"
	// EventRejectedQuery is logged when generated SQL fails validation for any other reason.
	EventRejectedQuery SecurityEventType = "rejected_generated_query"
	// EventQueryExecution is logged for every generated query that is run (high volume).
	EventQueryExecution SecurityEventType = "query_execution"
)

// SecurityEvent represents an auditable security event with all relevant context
// for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType SecurityEventType `json:"event_type"`
	EventID   uuid.UUID         `json:"event_id"`
	UserID    string            `json:"user_id,omitempty"`
	Details   any               `json:"details"`
	Severity  string            `json:"severity"` // info, warning, critical
}

// RejectedQueryDetails describes generated SQL that was not run.
type RejectedQueryDetails struct {
	Question    string `json:"question"`
	Query       string `json:"query"`
	Reason      string `json:"reason"`
	Fingerprint string `json:"fingerprint,omitempty"` // libinjection fingerprint for pattern analysis
}

// SecurityAuditor logs security events for SIEM consumption.
type SecurityAuditor struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewSecurityAuditor creates a new security auditor logging under the
// "security_audit" namespace.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{
		logger: logger.Named("security_audit"),
		now:    time.Now,
	}
}

// LogRejectedQuery records generated SQL that the guard refused. A libinjection
// fingerprint makes it an injection attempt, logged at ERROR with "critical"
// severity; anything else is a WARN.
func (a *SecurityAuditor) LogRejectedQuery(userID string, details RejectedQueryDetails) {
	if a == nil {
		return
	}

	eventType, severity, message := EventRejectedQuery, "warning", "Generated query rejected"
	if details.Fingerprint != "" {
		eventType, severity, message = EventSQLInjectionAttempt, "critical", "SQL injection attempt detected"
	}

	event := a.event(eventType, userID, details, severity)
	fields := []zap.Field{
		zap.String("event_json", marshal(event)),
		zap.String("event_id", event.EventID.String()),
		zap.String("user_id", userID),
		zap.String("reason", details.Reason),
		zap.String("fingerprint", details.Fingerprint),
		zap.String("severity", severity),
	}

	if severity == "critical" {
		a.logger.Error(message, fields...)
		return
	}
	a.logger.Warn(message, fields...)
}

// LogQueryExecution records a generated query that was run against the user's tables.
func (a *SecurityAuditor) LogQueryExecution(userID, query string, rows int) {
	if a == nil {
		return
	}

	event := a.event(EventQueryExecution, userID, map[string]any{
		"query": query,
		"rows":  rows,
	}, "info")

	a.logger.Info("Query executed",
		zap.String("event_json", marshal(event)),
		zap.String("event_id", event.EventID.String()),
		zap.String("user_id", userID),
		zap.Int("rows", rows),
		zap.String("severity", "info"),
	)
}

func (a *SecurityAuditor) event(eventType SecurityEventType, userID string, details any, severity string) SecurityEvent {
	return SecurityEvent{
		Timestamp: a.now().UTC(),
		EventType: eventType,
		EventID:   uuid.New(),
		UserID:    userID,
		Details:   details,
		Severity:  severity,
	}
}

// marshal ignores the error; every event type holds only marshalable values.
func marshal(event SecurityEvent) string {
	b, _ := json.Marshal(event)
	return string(b)
}
