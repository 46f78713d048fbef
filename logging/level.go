package logging

import (
	"os"
	"strings"

	"go.uber.org/zap/zapcore"
)

// LevelEnvVar names the environment variable read by EnvLevel.
const LevelEnvVar = "SDSTAGE_LOG_LEVEL"

// ParseLevel parses debug, info, warn (or warning), error and fatal,
// case-insensitively. Anything else returns def.
func ParseLevel(s string, def zapcore.Level) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return def
	}
}

// EnvLevel returns the level named by SDSTAGE_LOG_LEVEL, or nil when the
// variable is unset or invalid.
func EnvLevel() *zapcore.Level {
	v := os.Getenv(LevelEnvVar)
	if v == "" {
		return nil
	}
	lvl := ParseLevel(v, zapcore.InvalidLevel)
	if lvl == zapcore.InvalidLevel {
		return nil
	}
	return &lvl
}
