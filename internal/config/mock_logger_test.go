package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/cascadehq/auditengine/internal/logutil"
)

// mockLogger implements logutil.LoggerInterface for testing.
type mockLogger struct {
	debugMessages []string
	infoMessages  []string
	warnMessages  []string
	errorMessages []string
}

func newMockLogger() *mockLogger {
	return &mockLogger{
		debugMessages: []string{},
		infoMessages:  []string{},
		warnMessages:  []string{},
		errorMessages: []string{},
	}
}

func (m *mockLogger) Debug(format string, args ...interface{}) {
	m.debugMessages = append(m.debugMessages, fmt.Sprintf(format, args...))
}

func (m *mockLogger) Info(format string, args ...interface{}) {
	m.infoMessages = append(m.infoMessages, fmt.Sprintf(format, args...))
}

func (m *mockLogger) Warn(format string, args ...interface{}) {
	m.warnMessages = append(m.warnMessages, fmt.Sprintf(format, args...))
}

func (m *mockLogger) Error(format string, args ...interface{}) {
	m.errorMessages = append(m.errorMessages, fmt.Sprintf(format, args...))
}

func (m *mockLogger) Fatal(format string, args ...interface{}) {
	m.errorMessages = append(m.errorMessages, fmt.Sprintf("FATAL: "+format, args...))
}

func (m *mockLogger) Printf(format string, args ...interface{}) {
	m.infoMessages = append(m.infoMessages, fmt.Sprintf(format, args...))
}

func (m *mockLogger) Println(args ...interface{}) {
	m.infoMessages = append(m.infoMessages, fmt.Sprint(args...))
}

func (m *mockLogger) SetLevel(level logutil.LogLevel) {}

func (m *mockLogger) DebugContext(ctx context.Context, msg string, args ...any) { m.Debug(msg, args...) }
func (m *mockLogger) InfoContext(ctx context.Context, msg string, args ...any)  { m.Info(msg, args...) }
func (m *mockLogger) WarnContext(ctx context.Context, msg string, args ...any)  { m.Warn(msg, args...) }
func (m *mockLogger) ErrorContext(ctx context.Context, msg string, args ...any) { m.Error(msg, args...) }
func (m *mockLogger) FatalContext(ctx context.Context, msg string, args ...any) { m.Fatal(msg, args...) }

func (m *mockLogger) WithContext(ctx context.Context) logutil.LoggerInterface { return m }

func directoryExists(t *testing.T, path string) bool {
	t.Helper()
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(t *testing.T, path string) bool {
	t.Helper()
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func assertMessageLogged(t *testing.T, messages []string, substring string) {
	t.Helper()
	for _, msg := range messages {
		if strings.Contains(msg, substring) {
			return
		}
	}
	t.Errorf("expected a logged message containing %q, got: %v", substring, messages)
}
