// Package config provides configuration management for the audit engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/adrg/xdg"
	"github.com/cascadehq/auditengine/internal/auditlog"
	"github.com/cascadehq/auditengine/internal/logutil"
	"github.com/spf13/viper"
)

// ConfigFilename is the name of the configuration file.
const ConfigFilename = "config.yaml"

// Manager is responsible for loading and providing engine configuration.
// It layers, in increasing precedence: built-in defaults, a system-wide
// config file, a user config file, environment variables, and explicit
// CLI flags — matching the precedence order the teacher's config manager
// uses for its own (template-oriented) configuration.
type Manager struct {
	logger        logutil.LoggerInterface
	auditLogger   auditlog.StructuredLogger
	userConfigDir string
	sysConfigDirs []string
	config        *EngineConfig
	viperInst     *viper.Viper
}

// NewManager creates a new configuration manager.
// It accepts a logger for user-facing messages and an optional audit logger
// for structured logging. If auditLogger is nil, a no-op implementation is used.
func NewManager(logger logutil.LoggerInterface, auditLogger ...auditlog.StructuredLogger) *Manager {
	userConfigDir := filepath.Join(xdg.ConfigHome, AppName)

	var sysConfigDirs []string
	for _, dir := range xdg.ConfigDirs {
		sysConfigDirs = append(sysConfigDirs, filepath.Join(dir, AppName))
	}

	var structLogger auditlog.StructuredLogger
	if len(auditLogger) > 0 && auditLogger[0] != nil {
		structLogger = auditLogger[0]
	} else {
		structLogger = auditlog.NewNoopLogger()
	}

	return &Manager{
		logger:        logger,
		auditLogger:   structLogger,
		userConfigDir: userConfigDir,
		sysConfigDirs: sysConfigDirs,
		config:        DefaultConfig(),
		viperInst:     viper.New(),
	}
}

// GetConfig returns the current configuration.
func (m *Manager) GetConfig() *EngineConfig {
	return m.config
}

// GetUserConfigDir returns the user-specific configuration directory.
func (m *Manager) GetUserConfigDir() string {
	return m.userConfigDir
}

// GetSystemConfigDirs returns the system-wide configuration directories.
func (m *Manager) GetSystemConfigDirs() []string {
	return m.sysConfigDirs
}

// LoadFromFiles loads configuration from files (user, system) according to precedence.
func (m *Manager) LoadFromFiles() error {
	if m.auditLogger == nil {
		m.auditLogger = auditlog.NewNoopLogger()
	}

	m.auditLogger.Log(auditlog.NewAuditEvent(
		"INFO",
		"ConfigLoadStart",
		"Starting configuration loading process",
	).WithMetadata("user_config_dir", m.userConfigDir).
		WithMetadata("system_config_dirs_count", len(m.sysConfigDirs)))

	v := m.viperInst
	v.SetConfigType("yaml")
	v.SetConfigName(strings.TrimSuffix(ConfigFilename, filepath.Ext(ConfigFilename)))
	v.SetEnvPrefix("AUDITENGINE")
	v.AutomaticEnv()

	m.setViperDefaults(v)

	for i := len(m.sysConfigDirs) - 1; i >= 0; i-- {
		v.AddConfigPath(m.sysConfigDirs[i])
		m.logger.Debug("Added system config path: %s", m.sysConfigDirs[i])
	}
	v.AddConfigPath(m.userConfigDir)
	m.logger.Debug("Added user config path: %s", m.userConfigDir)

	err := v.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			m.logger.Info("No configuration file found. Initializing default configuration...")

			m.auditLogger.Log(auditlog.NewAuditEvent(
				"INFO",
				"ConfigFileNotFound",
				"No configuration file found, initializing defaults",
			).WithMetadata("search_paths", append(m.sysConfigDirs, m.userConfigDir)))

			if ensureErr := m.EnsureConfigDirs(); ensureErr != nil {
				m.logger.Warn("Failed to create configuration directories: %v. Using default settings.", ensureErr)
				m.auditLogger.Log(auditlog.NewAuditEvent(
					"WARN",
					"ConfigDirCreationError",
					"Failed to create configuration directories",
				).WithErrorFromGoError(ensureErr).
					WithMetadata("user_config_dir", m.userConfigDir))
				return nil
			}

			if writeErr := m.WriteDefaultConfig(); writeErr != nil {
				m.logger.Warn("Failed to write default configuration file: %v. Using default settings.", writeErr)
				m.auditLogger.Log(auditlog.NewAuditEvent(
					"WARN",
					"ConfigFileWriteError",
					"Failed to write default configuration file",
				).WithErrorFromGoError(writeErr).
					WithMetadata("file_path", filepath.Join(m.userConfigDir, ConfigFilename)))
			} else {
				m.auditLogger.Log(auditlog.NewAuditEvent(
					"INFO",
					"DefaultConfigCreated",
					"Default configuration file created successfully",
				).WithMetadata("file_path", filepath.Join(m.userConfigDir, ConfigFilename)))
			}

			m.auditLogger.Log(auditlog.NewAuditEvent(
				"INFO",
				"ConfigLoadComplete",
				"Configuration loading process completed with defaults",
			))
			return nil
		}

		m.auditLogger.Log(auditlog.NewAuditEvent(
			"ERROR",
			"ConfigLoadError",
			"Error reading configuration file",
		).WithErrorFromGoError(err))
		return fmt.Errorf("error reading config file: %w", err)
	}

	configFile := v.ConfigFileUsed()
	m.logger.Debug("Loaded configuration from %s", configFile)

	m.auditLogger.Log(auditlog.NewAuditEvent(
		"INFO",
		"ConfigFileLoaded",
		"Configuration file loaded successfully",
	).WithMetadata("file_path", configFile))

	if err := v.Unmarshal(m.config); err != nil {
		m.auditLogger.Log(auditlog.NewAuditEvent(
			"ERROR",
			"ConfigUnmarshalError",
			"Failed to unmarshal configuration data",
		).WithErrorFromGoError(err).
			WithMetadata("file_path", configFile))
		return fmt.Errorf("failed to unmarshal config data: %w", err)
	}

	m.logger.Debug("Loaded config: Model=%s, Switches=%+v", m.config.ModelName, m.config.Switches)

	m.auditLogger.Log(auditlog.NewAuditEvent(
		"INFO",
		"ConfigLoadComplete",
		"Configuration loading process completed successfully",
	).WithMetadata("config_file", configFile).
		WithMetadata("config_values", map[string]interface{}{
			"model":             m.config.ModelName,
			"audit_log_enabled": m.config.AuditLogEnabled,
		}))

	return nil
}

// setViperDefaults initializes viper with default values from DefaultConfig.
func (m *Manager) setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("model", d.ModelName)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("use_colors", d.UseColors)
	v.SetDefault("audit_log_enabled", d.AuditLogEnabled)
	v.SetDefault("audit_log_file", d.AuditLogFile)

	v.SetDefault("switches.business_code", d.Switches.BusinessCode)
	v.SetDefault("switches.file_code", d.Switches.FileCode)
	v.SetDefault("switches.function_code", d.Switches.FunctionCode)

	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.dimension", d.Embedding.Dimension)

	v.SetDefault("pipeline.context_token_budget", d.Pipeline.ContextTokenBudget)
	v.SetDefault("pipeline.max_confirmation_rounds", d.Pipeline.MaxConfirmationRounds)
	v.SetDefault("pipeline.clustering_rounds", d.Pipeline.ClusteringRounds)
	v.SetDefault("pipeline.max_group_size", d.Pipeline.MaxGroupSize)
	v.SetDefault("pipeline.max_workers", d.Pipeline.MaxWorkers)

	v.SetDefault("paths.db_path", d.Paths.DBPath)
	v.SetDefault("paths.json_root", d.Paths.JSONRoot)
	v.SetDefault("paths.mermaid_root", d.Paths.MermaidRoot)
}

// MergeWithFlags merges loaded configuration with command-line flags.
// Flag names are matched against `mapstructure` tags, then case-insensitive
// field names, on the top-level config struct and its nested sub-structs.
func (m *Manager) MergeWithFlags(cliFlags map[string]interface{}) error {
	if m.auditLogger == nil {
		m.auditLogger = auditlog.NewNoopLogger()
	}

	validFlagCount := 0
	for _, v := range cliFlags {
		if v != nil {
			if s, ok := v.(string); !(ok && s == "") {
				validFlagCount++
			}
		}
	}

	m.auditLogger.Log(auditlog.NewAuditEvent(
		"INFO",
		"MergeFlags",
		"Merging CLI flags with configuration",
	).WithMetadata("flag_count", validFlagCount))

	configVal := reflect.ValueOf(m.config).Elem()
	appliedFlags := make(map[string]interface{})

	for flagName, flagValue := range cliFlags {
		if flagValue == nil {
			continue
		}
		if s, ok := flagValue.(string); ok && s == "" {
			continue
		}

		if setFieldByTagOrName(configVal, flagName, flagValue) {
			appliedFlags[flagName] = flagValue
			continue
		}

		if dot := strings.IndexByte(flagName, '.'); dot > 0 {
			parent, child := flagName[:dot], flagName[dot+1:]
			parentVal := findNestedStruct(configVal, parent)
			if parentVal.IsValid() && setFieldByTagOrName(parentVal, child, flagValue) {
				appliedFlags[flagName] = flagValue
				continue
			}
		}

		m.logger.Debug("Flag '%s' does not map to any config field", flagName)
		m.auditLogger.Log(auditlog.NewAuditEvent(
			"DEBUG",
			"FlagNotMapped",
			"Flag does not map to any configuration field",
		).WithMetadata("flag_name", flagName))
	}

	m.auditLogger.Log(auditlog.NewAuditEvent(
		"INFO",
		"MergeFlagsComplete",
		"CLI flags successfully merged with configuration",
	).WithMetadata("flags_provided", validFlagCount).
		WithMetadata("flags_applied", len(appliedFlags)))

	return nil
}

// findNestedStruct looks up a struct-valued field by mapstructure tag or name.
func findNestedStruct(structVal reflect.Value, name string) reflect.Value {
	t := structVal.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Type.Kind() != reflect.Struct {
			continue
		}
		tag := field.Tag.Get("mapstructure")
		if tag == name || strings.EqualFold(field.Name, name) {
			return structVal.Field(i)
		}
	}
	return reflect.Value{}
}

// setFieldByTagOrName sets a field on structVal matching flagName against its
// mapstructure tag or its Go field name, returning whether a match was applied.
func setFieldByTagOrName(structVal reflect.Value, flagName string, value interface{}) bool {
	t := structVal.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == flagName || strings.EqualFold(field.Name, flagName) {
			fieldVal := structVal.Field(i)
			if fieldVal.CanSet() {
				setValue(fieldVal, value)
				return true
			}
		}
	}
	return false
}

// setValue sets a reflected Value to the given interface{} value.
func setValue(field reflect.Value, value interface{}) {
	if !field.CanSet() {
		return
	}

	switch field.Kind() {
	case reflect.String:
		if str, ok := value.(string); ok {
			field.SetString(str)
		}
	case reflect.Bool:
		if b, ok := value.(bool); ok {
			field.SetBool(b)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if i, ok := value.(int); ok {
			field.SetInt(int64(i))
		} else if i64, ok := value.(int64); ok {
			field.SetInt(i64)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if u, ok := value.(uint); ok {
			field.SetUint(uint64(u))
		} else if u64, ok := value.(uint64); ok {
			field.SetUint(u64)
		}
	case reflect.Float32, reflect.Float64:
		if f, ok := value.(float64); ok {
			field.SetFloat(f)
		}
	case reflect.Slice:
		if strSlice, ok := value.([]string); ok && field.Type().Elem().Kind() == reflect.String {
			newSlice := reflect.MakeSlice(field.Type(), len(strSlice), len(strSlice))
			for i, str := range strSlice {
				newSlice.Index(i).SetString(str)
			}
			field.Set(newSlice)
		}
	}
}

// EnsureConfigDirs creates necessary configuration directories if they don't exist.
func (m *Manager) EnsureConfigDirs() error {
	if err := os.MkdirAll(m.userConfigDir, 0755); err != nil {
		return fmt.Errorf("failed to create user config directory: %w", err)
	}
	return nil
}

// WriteDefaultConfig writes the default configuration to the user's config file.
func (m *Manager) WriteDefaultConfig() error {
	if m.auditLogger == nil {
		m.auditLogger = auditlog.NewNoopLogger()
	}

	configPath := filepath.Join(m.userConfigDir, ConfigFilename)

	m.auditLogger.Log(auditlog.NewAuditEvent(
		"INFO",
		"WriteDefaultConfig",
		"Writing default configuration file",
	).WithMetadata("file_path", configPath))

	if _, err := os.Stat(configPath); !errors.Is(err, os.ErrNotExist) {
		if err == nil {
			m.logger.Debug("Config file already exists at %s, skipping default creation", configPath)
			m.auditLogger.Log(auditlog.NewAuditEvent(
				"INFO",
				"ConfigFileExists",
				"Configuration file already exists, skipping default creation",
			).WithMetadata("file_path", configPath))
			return nil
		}
		m.auditLogger.Log(auditlog.NewAuditEvent(
			"ERROR",
			"ConfigFileCheckError",
			"Failed to check if configuration file exists",
		).WithErrorFromGoError(err).
			WithMetadata("file_path", configPath))
		return fmt.Errorf("failed to check for config file: %w", err)
	}

	if err := os.MkdirAll(m.userConfigDir, 0755); err != nil {
		m.auditLogger.Log(auditlog.NewAuditEvent(
			"ERROR",
			"ConfigDirCreationError",
			"Failed to create configuration directory",
		).WithErrorFromGoError(err).
			WithMetadata("directory", m.userConfigDir))
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	m.setViperDefaults(v)

	if err := v.WriteConfigAs(configPath); err != nil {
		m.auditLogger.Log(auditlog.NewAuditEvent(
			"ERROR",
			"ConfigFileWriteError",
			"Failed to write default configuration file",
		).WithErrorFromGoError(err).
			WithMetadata("file_path", configPath))
		return fmt.Errorf("failed to write config file: %w", err)
	}

	m.logger.Debug("Created default configuration at %s", configPath)
	m.auditLogger.Log(auditlog.NewAuditEvent(
		"INFO",
		"DefaultConfigWritten",
		"Default configuration file successfully written",
	).WithMetadata("file_path", configPath))

	return nil
}
