package auditlog

import "context"

// NoOpAuditLogger discards every entry. It is used when audit logging is
// disabled but callers still expect an AuditLogger.
type NoOpAuditLogger struct{}

// NewNoOpAuditLogger returns an AuditLogger that does nothing.
func NewNoOpAuditLogger() *NoOpAuditLogger {
	return &NoOpAuditLogger{}
}

// Log implements AuditLogger.
func (l *NoOpAuditLogger) Log(_ context.Context, _ AuditEntry) error {
	return nil
}

// LogOp implements AuditLogger.
func (l *NoOpAuditLogger) LogOp(_ context.Context, _, _ string, _, _ map[string]interface{}, _ error) error {
	return nil
}

// LogLegacy implements AuditLogger.
func (l *NoOpAuditLogger) LogLegacy(_ AuditEntry) error {
	return nil
}

// LogOpLegacy implements AuditLogger.
func (l *NoOpAuditLogger) LogOpLegacy(_, _ string, _, _ map[string]interface{}, _ error) error {
	return nil
}

// Close implements AuditLogger.
func (l *NoOpAuditLogger) Close() error {
	return nil
}
