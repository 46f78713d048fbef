package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sdstage/logging"
	"sdstage/sdruntime"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Environment variables read by LoadConfig. SD_* engine settings are read
// by sdruntime.LoadSDConfig.
const (
	EnvConfigFile      = "SDSTAGE_CONFIG"
	EnvLogFile         = "SDSTAGE_LOG_FILE"
	EnvDevelopment     = "SDSTAGE_DEV"
	EnvDBPath          = "SDSTAGE_DB_PATH"
	EnvOutputDir       = "SDSTAGE_OUTPUT_DIR"
	EnvChecksumFile    = "SDSTAGE_CHECKSUM_FILE"
	EnvHistoryLimit    = "SDSTAGE_HISTORY_LIMIT"
	EnvShutdownTimeout = "SDSTAGE_SHUTDOWN_TIMEOUT"
	EnvMaxFrameBytes   = "SDSTAGE_MAX_FRAME_BYTES"
)

// DefaultEnvFile is the dotenv file LoadConfig reads from the working directory.
const DefaultEnvFile = ".env"

// Defaults
const (
	DefaultHistoryLimit    = 1000
	DefaultShutdownTimeout = 30 * time.Second
	DefaultOutputDir       = "outputs"
	DefaultDBFile          = "history.db"
	DefaultLogFile         = "sdstage.log"
)

// Config holds application settings. Values come from, in increasing
// precedence: defaults, the YAML file, the environment (including .env).
type Config struct {
	LogFile         string        `yaml:"log_file"`
	LogLevel        string        `yaml:"log_level"`
	Development     bool          `yaml:"development"`
	DBPath          string        `yaml:"db_path"`
	OutputDir       string        `yaml:"output_dir"`
	ChecksumFile    string        `yaml:"checksum_file"`
	HistoryLimit    int           `yaml:"history_limit"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxFrameBytes   int           `yaml:"max_frame_bytes"`

	// Env seeds variables that are not already set, typically SD_* engine
	// settings kept alongside the rest of the file.
	Env map[string]string `yaml:"env"`

	// SD is read from SD_* variables after Env has been applied.
	SD *sdruntime.SDConfig `yaml:"-"`
}

// ConfigError is a configuration error with an actionable hint.
type ConfigError struct {
	Key     string
	Message string
	Action  string
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config %s: %s", e.Key, e.Message)
	if e.Action != "" {
		msg += ". " + e.Action
	}
	return msg
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	dir := GetDataDirectory()
	return &Config{
		LogFile:         filepath.Join(dir, DefaultLogFile),
		LogLevel:        "info",
		DBPath:          filepath.Join(dir, DefaultDBFile),
		OutputDir:       DefaultOutputDir,
		HistoryLimit:    DefaultHistoryLimit,
		ShutdownTimeout: DefaultShutdownTimeout,
		MaxFrameBytes:   sdruntime.DefaultMaxFrameBytes,
	}
}

// LoadConfig loads .env from the working directory and the YAML file named
// by configPath, or by SDSTAGE_CONFIG when configPath is empty.
func LoadConfig(configPath string) (*Config, error) {
	return LoadConfigFrom(DefaultEnvFile, configPath)
}

// LoadConfigFrom is LoadConfig with an explicit dotenv path. A missing
// dotenv file is not an error; a missing YAML file is.
func LoadConfigFrom(envFile, configPath string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, &ConfigError{Key: envFile, Message: err.Error(), Action: "Fix the KEY=value syntax"}
		}
	}

	cfg := DefaultConfig()
	if configPath == "" {
		configPath = GetEnvOrDefault(EnvConfigFile, "")
	}
	if configPath != "" {
		if err := cfg.loadYAML(configPath); err != nil {
			return nil, err
		}
	}
	for k, v := range cfg.Env {
		if _, set := os.LookupEnv(k); !set {
			os.Setenv(k, v)
		}
	}

	cfg.applyEnv()
	cfg.SD = sdruntime.LoadSDConfig()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ConfigError{Key: path, Message: err.Error(), Action: "Set " + EnvConfigFile + " to an existing YAML file"}
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return &ConfigError{Key: path, Message: fmt.Sprintf("parse yaml: %v", err)}
	}
	return nil
}

func (c *Config) applyEnv() {
	c.LogFile = GetEnvOrDefault(EnvLogFile, c.LogFile)
	c.LogLevel = GetEnvOrDefault(logging.LevelEnvVar, c.LogLevel)
	c.Development = ParseBoolEnv(EnvDevelopment, c.Development)
	c.DBPath = GetEnvOrDefault(EnvDBPath, c.DBPath)
	c.OutputDir = GetEnvOrDefault(EnvOutputDir, c.OutputDir)
	c.ChecksumFile = GetEnvOrDefault(EnvChecksumFile, c.ChecksumFile)
	c.HistoryLimit = ParseIntEnv(EnvHistoryLimit, c.HistoryLimit)
	c.ShutdownTimeout = ParseDurationEnv(EnvShutdownTimeout, c.ShutdownTimeout)
	c.MaxFrameBytes = ParseIntEnv(EnvMaxFrameBytes, c.MaxFrameBytes)
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	if logging.ParseLevel(c.LogLevel, zapcore.InvalidLevel) == zapcore.InvalidLevel {
		return &ConfigError{Key: "log_level", Message: fmt.Sprintf("unknown level %q", c.LogLevel), Action: "Use debug, info, warn or error"}
	}
	if c.HistoryLimit < 0 {
		return &ConfigError{Key: "history_limit", Message: fmt.Sprintf("%d is negative", c.HistoryLimit)}
	}
	if c.ShutdownTimeout <= 0 {
		return &ConfigError{Key: "shutdown_timeout", Message: "must be positive"}
	}
	if c.MaxFrameBytes <= 0 {
		return &ConfigError{Key: "max_frame_bytes", Message: "must be positive"}
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return &ConfigError{Key: "db_path", Message: "is empty", Action: "Set " + EnvDBPath}
	}
	return nil
}

// Level returns the configured log level.
func (c *Config) Level() zapcore.Level {
	return logging.ParseLevel(c.LogLevel, zapcore.InfoLevel)
}

// LoggingOptions returns the options for logging.New.
func (c *Config) LoggingOptions() logging.Options {
	lvl := c.Level()
	return logging.Options{
		Development: c.Development,
		Level:       &lvl,
		FilePath:    c.LogFile,
	}
}
