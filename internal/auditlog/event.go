// Package auditlog provides structured logging capabilities for the audit engine.
package auditlog

import (
	"time"

	"github.com/cascadehq/auditengine/internal/llm"
)

// ErrorDetails provides structured error information.
// It includes the error message and optional type and details fields.
type ErrorDetails struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`    // e.g., "APIError", "FileError"
	Details string `json:"details,omitempty"` // e.g., stack trace or additional context
}

// AuditEvent represents a structured log entry.
// It contains information about operations, inputs, outputs, and errors
// in a format suitable for machine parsing.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`     // e.g., "INFO", "ERROR"
	Operation string                 `json:"operation"` // e.g., "GeneratePlan"
	Message   string                 `json:"message"`   // Human-readable summary
	Inputs    map[string]interface{} `json:"inputs,omitempty"`
	Outputs   map[string]interface{} `json:"outputs,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Error     *ErrorDetails          `json:"error,omitempty"`
}

// NewAuditEvent builds an AuditEvent with the timestamp set to now, ready
// for chaining with WithMetadata/WithInputs/WithOutputs/WithErrorFromGoError.
func NewAuditEvent(level, operation, message string) AuditEvent {
	return AuditEvent{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Operation: operation,
		Message:   message,
	}
}

// WithMetadata attaches a metadata key/value pair and returns the event for
// further chaining.
func (e AuditEvent) WithMetadata(key string, value interface{}) AuditEvent {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithInputs attaches an input key/value pair.
func (e AuditEvent) WithInputs(key string, value interface{}) AuditEvent {
	if e.Inputs == nil {
		e.Inputs = make(map[string]interface{})
	}
	e.Inputs[key] = value
	return e
}

// WithOutputs attaches an output key/value pair.
func (e AuditEvent) WithOutputs(key string, value interface{}) AuditEvent {
	if e.Outputs == nil {
		e.Outputs = make(map[string]interface{})
	}
	e.Outputs[key] = value
	return e
}

// WithErrorFromGoError sets the event's error details from a plain Go error,
// classifying it via llm.CategorizedError when possible.
func (e AuditEvent) WithErrorFromGoError(err error) AuditEvent {
	if err == nil {
		return e
	}
	details := &ErrorDetails{Message: err.Error(), Type: "GeneralError"}
	if catErr, ok := llm.IsCategorizedError(err); ok {
		details.Type = catErr.Category().String()
	}
	e.Error = details
	return e
}
