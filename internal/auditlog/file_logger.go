package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cascadehq/auditengine/internal/llm"
	"github.com/cascadehq/auditengine/internal/logutil"
)

// AuditLogger is the legacy, entry-oriented audit logging interface. It
// predates StructuredLogger and is kept for components still built against
// AuditEntry/LogOp rather than AuditEvent.
type AuditLogger interface {
	Log(ctx context.Context, entry AuditEntry) error
	LogOp(ctx context.Context, operation, status string, inputs, outputs map[string]interface{}, err error) error
	LogLegacy(entry AuditEntry) error
	LogOpLegacy(operation, status string, inputs, outputs map[string]interface{}, err error) error
	Close() error
}

// FileAuditLogger writes audit entries as newline-delimited JSON to a file.
type FileAuditLogger struct {
	file   *os.File
	logger logutil.LoggerInterface
	mu     sync.Mutex
	closed bool
}

// NewFileAuditLogger opens (creating if necessary) the file at path for
// append-only audit logging.
func NewFileAuditLogger(path string, logger logutil.LoggerInterface) (*FileAuditLogger, error) {
	//nolint:gosec // G304: path is operator-supplied configuration, not untrusted input
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Error("Failed to open audit log file %s: %v", path, err)
		return nil, fmt.Errorf("auditlog: open %s: %w", path, err)
	}
	logger.Info("Audit log file opened at %s", path)
	return &FileAuditLogger{file: f, logger: logger}, nil
}

// Log writes a single audit entry as a JSON line.
func (l *FileAuditLogger) Log(ctx context.Context, entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if id := logutil.GetCorrelationID(ctx); id != "" {
		if entry.Inputs == nil {
			entry.Inputs = make(map[string]interface{})
		}
		entry.Inputs["correlation_id"] = id
	}

	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Error("Failed to marshal audit entry to JSON: %v, Entry: %+v", err, entry)
		return fmt.Errorf("auditlog: marshal entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if _, err := l.file.Write(data); err != nil {
		l.logger.Error("Failed to write audit entry: %v", err)
		return fmt.Errorf("auditlog: write entry: %w", err)
	}
	return nil
}

// LogOp logs the outcome of a discrete operation, deriving a human-readable
// message and error classification from status and err.
func (l *FileAuditLogger) LogOp(ctx context.Context, operation, status string, inputs, outputs map[string]interface{}, opErr error) error {
	entry := AuditEntry{
		Operation: operation,
		Status:    status,
		Inputs:    inputs,
		Outputs:   outputs,
	}

	switch status {
	case "Success":
		entry.Message = fmt.Sprintf("%s completed successfully", operation)
	case "InProgress":
		entry.Message = fmt.Sprintf("%s started", operation)
	case "Failure":
		entry.Message = fmt.Sprintf("%s failed", operation)
	default:
		entry.Message = fmt.Sprintf("%s - %s", operation, status)
	}

	if opErr != nil {
		errType := "GeneralError"
		if catErr, ok := llm.IsCategorizedError(opErr); ok {
			errType = fmt.Sprintf("Error:%s", catErr.Category().String())
		}
		entry.Error = &ErrorInfo{Message: opErr.Error(), Type: errType}
	}

	return l.Log(ctx, entry)
}

// LogLegacy logs an entry without a context, for callers not yet threaded
// with one.
func (l *FileAuditLogger) LogLegacy(entry AuditEntry) error {
	return l.Log(context.Background(), entry)
}

// LogOpLegacy is the context-free counterpart to LogOp.
func (l *FileAuditLogger) LogOpLegacy(operation, status string, inputs, outputs map[string]interface{}, opErr error) error {
	return l.LogOp(context.Background(), operation, status, inputs, outputs, opErr)
}

// Close closes the underlying file. It is safe to call more than once.
func (l *FileAuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
