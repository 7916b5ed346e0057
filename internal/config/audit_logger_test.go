package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cascadehq/auditengine/internal/auditlog"
	"github.com/spf13/viper"
)

// mockStructuredLogger captures log events for testing
type mockStructuredLogger struct {
	events []auditlog.AuditEvent
}

func newMockStructuredLogger() *mockStructuredLogger {
	return &mockStructuredLogger{
		events: []auditlog.AuditEvent{},
	}
}

// Log implements the StructuredLogger interface
func (m *mockStructuredLogger) Log(event auditlog.AuditEvent) {
	m.events = append(m.events, event)
}

// Close implements the StructuredLogger interface
func (m *mockStructuredLogger) Close() error {
	return nil
}

// TestConfigLoggingWithAuditLogger tests that configuration loading events are properly logged
func TestConfigLoggingWithAuditLogger(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "auditengine-test-audit-*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	defer os.RemoveAll(tempDir)

	userConfigDir := filepath.Join(tempDir, "user")
	sysConfigDir := filepath.Join(tempDir, "sys")
	configFilePath := filepath.Join(userConfigDir, ConfigFilename)

	stdLogger := newMockLogger()
	auditLogger := newMockStructuredLogger()

	t.Run("Config initialization with audit logging", func(t *testing.T) {
		os.RemoveAll(tempDir)

		manager := &Manager{
			logger:        stdLogger,
			userConfigDir: userConfigDir,
			sysConfigDirs: []string{sysConfigDir},
			config:        DefaultConfig(),
			viperInst:     createTestViper(),
			auditLogger:   auditLogger,
		}

		err = manager.LoadFromFiles()
		if err != nil {
			t.Fatalf("LoadFromFiles failed: %v", err)
		}

		if !directoryExists(t, userConfigDir) {
			t.Error("User config directory was not created")
		}
		if !fileExists(t, configFilePath) {
			t.Error("Config file was not created")
		}

		if len(auditLogger.events) < 4 {
			t.Errorf("Expected at least 4 audit log events, got %d", len(auditLogger.events))
		}

		verifyEventExists(t, auditLogger.events, "ConfigLoadStart", "INFO")
		verifyEventExists(t, auditLogger.events, "ConfigFileNotFound", "INFO")
		verifyEventExists(t, auditLogger.events, "DefaultConfigCreated", "INFO")
		verifyEventExists(t, auditLogger.events, "ConfigLoadComplete", "INFO")
	})

	t.Run("Config loading with existing file", func(t *testing.T) {
		os.RemoveAll(tempDir)
		stdLogger = newMockLogger()
		auditLogger = newMockStructuredLogger()

		if err := os.MkdirAll(userConfigDir, 0755); err != nil {
			t.Fatalf("Failed to create user config dir: %v", err)
		}

		testConfig := `model: test-model
audit_log_enabled: true
audit_log_file: test-audit.log
`
		if err := os.WriteFile(configFilePath, []byte(testConfig), 0644); err != nil {
			t.Fatalf("Failed to create test config: %v", err)
		}

		manager := &Manager{
			logger:        stdLogger,
			userConfigDir: userConfigDir,
			sysConfigDirs: []string{sysConfigDir},
			config:        DefaultConfig(),
			viperInst:     createTestViper(),
			auditLogger:   auditLogger,
		}

		err = manager.LoadFromFiles()
		if err != nil {
			t.Fatalf("LoadFromFiles failed: %v", err)
		}

		if manager.config.ModelName != "test-model" {
			t.Errorf("Config value not loaded correctly, got: %s", manager.config.ModelName)
		}

		if len(auditLogger.events) < 3 {
			t.Errorf("Expected at least 3 audit log events, got %d", len(auditLogger.events))
		}

		verifyEventExists(t, auditLogger.events, "ConfigLoadStart", "INFO")
		verifyEventExists(t, auditLogger.events, "ConfigFileLoaded", "INFO")
		verifyEventExists(t, auditLogger.events, "ConfigLoadComplete", "INFO")

		for _, event := range auditLogger.events {
			if event.Operation == "ConfigFileLoaded" {
				if event.Metadata == nil || event.Metadata["file_path"] == nil {
					t.Error("ConfigFileLoaded event should include file_path in metadata")
				}
				break
			}
		}
	})

	t.Run("Error during config loading", func(t *testing.T) {
		os.RemoveAll(tempDir)
		stdLogger = newMockLogger()
		auditLogger = newMockStructuredLogger()

		if err := os.MkdirAll(userConfigDir, 0755); err != nil {
			t.Fatalf("Failed to create user config dir: %v", err)
		}

		invalidConfig := "model: [unterminated"
		if err := os.WriteFile(configFilePath, []byte(invalidConfig), 0644); err != nil {
			t.Fatalf("Failed to create invalid config: %v", err)
		}

		manager := &Manager{
			logger:        stdLogger,
			userConfigDir: userConfigDir,
			sysConfigDirs: []string{sysConfigDir},
			config:        DefaultConfig(),
			viperInst:     createTestViper(),
			auditLogger:   auditLogger,
		}

		_ = manager.LoadFromFiles()

		if len(auditLogger.events) < 2 {
			t.Errorf("Expected at least 2 audit log events, got %d", len(auditLogger.events))
		}

		verifyEventExists(t, auditLogger.events, "ConfigLoadStart", "INFO")
		verifyEventExists(t, auditLogger.events, "ConfigLoadError", "ERROR")
	})

	t.Run("MergeWithFlags audit logging", func(t *testing.T) {
		os.RemoveAll(tempDir)
		stdLogger = newMockLogger()
		auditLogger = newMockStructuredLogger()

		manager := &Manager{
			logger:        stdLogger,
			userConfigDir: userConfigDir,
			sysConfigDirs: []string{sysConfigDir},
			config:        DefaultConfig(),
			viperInst:     createTestViper(),
			auditLogger:   auditLogger,
		}

		flags := map[string]interface{}{
			"model":              "custom-model",
			"pipeline.max_group_size": 16,
		}

		err = manager.MergeWithFlags(flags)
		if err != nil {
			t.Fatalf("MergeWithFlags failed: %v", err)
		}

		if manager.config.ModelName != "custom-model" {
			t.Errorf("Flag not merged correctly, got: %s", manager.config.ModelName)
		}
		if manager.config.Pipeline.MaxGroupSize != 16 {
			t.Errorf("Nested flag not merged correctly, got: %d", manager.config.Pipeline.MaxGroupSize)
		}

		verifyEventExists(t, auditLogger.events, "MergeFlags", "INFO")
		verifyEventExists(t, auditLogger.events, "MergeFlagsComplete", "INFO")

		for _, event := range auditLogger.events {
			if event.Operation == "MergeFlags" {
				if event.Metadata == nil || event.Metadata["flag_count"] == nil {
					t.Error("MergeFlags event should include flag_count in metadata")
				}
				break
			}
		}
	})
}

// createTestViper creates a Viper instance for testing
func createTestViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	return v
}

// Helper function to verify an event exists in the log
func verifyEventExists(t *testing.T, events []auditlog.AuditEvent, operation, level string) {
	for _, event := range events {
		if event.Operation == operation && event.Level == level {
			return
		}
	}
	t.Errorf("Expected %s %s event not found in audit log", level, operation)
}

// Test for NewManager constructor with and without audit logger
func TestNewManagerWithAuditLogger(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "auditengine-test-constructor-*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	defer os.RemoveAll(tempDir)

	stdLogger := newMockLogger()
	auditLogger := newMockStructuredLogger()

	t.Run("With audit logger", func(t *testing.T) {
		manager := NewManager(stdLogger, auditLogger)

		if manager.auditLogger != auditLogger {
			t.Error("Manager created with wrong audit logger")
		}
	})

	t.Run("Without audit logger", func(t *testing.T) {
		manager := NewManager(stdLogger)

		if manager.auditLogger == nil {
			t.Error("Manager should create a NoopLogger when audit logger not provided")
		}

		_, isNoopLogger := manager.auditLogger.(*auditlog.NoopLogger)
		if !isNoopLogger {
			t.Error("Manager should use NoopLogger when audit logger not provided")
		}
	})

	t.Run("Operations with NoopLogger", func(t *testing.T) {
		manager := NewManager(stdLogger)

		manager.userConfigDir = filepath.Join(tempDir, "user")
		manager.sysConfigDirs = []string{filepath.Join(tempDir, "sys")}

		err = manager.LoadFromFiles()
		if err != nil {
			t.Fatalf("LoadFromFiles failed with NoopLogger: %v", err)
		}

		flags := map[string]interface{}{"model": "custom-model"}
		err = manager.MergeWithFlags(flags)
		if err != nil {
			t.Fatalf("MergeWithFlags failed with NoopLogger: %v", err)
		}

		assertMessageLogged(t, stdLogger.infoMessages, "No configuration file found")
	})
}
