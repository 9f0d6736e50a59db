package config

import (
	"os"

	"github.com/rshade/esctl/internal/logging"
)

// LoggingConfig is the logging section of config.yaml.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
	File   string `yaml:"file,omitempty"`
}

// ToLoggingConfig converts the file settings to a logging.Config.
//
// The conversion applies these rules:
//   - Level, Format are copied directly
//   - If File is set, Output becomes "file" and File is passed through
//   - If File is empty, Output defaults to "stderr"
func (lc *LoggingConfig) ToLoggingConfig() logging.Config {
	output := logging.OutputStderr
	if lc.File != "" {
		output = logging.OutputFile
	}

	return logging.Config{
		Level:  lc.Level,
		Format: lc.Format,
		Output: output,
		File:   lc.File,
	}
}

// GetLoggingConfig returns a copy of the Logging section of the global
// configuration with ESCTL_LOG_LEVEL and ESCTL_LOG_FORMAT applied. Flag
// overrides such as --debug are applied by the caller.
func GetLoggingConfig() LoggingConfig {
	lc := GetGlobalConfig().Logging
	if v := os.Getenv(logging.EnvLogLevel); v != "" {
		lc.Level = v
	}
	if v := os.Getenv(logging.EnvLogFormat); v != "" {
		lc.Format = v
	}
	return lc
}
