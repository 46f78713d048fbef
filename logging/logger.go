// Package logging wraps zap with the sdstage defaults: a console core teed
// with a rotating JSON file core, and redaction of credentials that model
// hosts hand out.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New. The zero value logs info and above to stdout only.
type Options struct {
	// Development switches the console to colored human-readable output
	// and lowers the default level to debug.
	Development bool

	// Level overrides the default level when non-nil.
	Level *zapcore.Level

	// FilePath enables the rotating JSON file core.
	FilePath string
	File     FileWriterConfig

	// Console replaces stdout, mainly for tests.
	Console zapcore.WriteSyncer
}

// Logger is a zap.Logger that redacts sensitive field values before they
// reach any core.
//
// Example:
//
//	logger, err := logging.New(logging.Options{Development: true, FilePath: "sdstage.log"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("session opened", zap.String("model", "wan2.1.gguf"))
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger
	opts  Options
}

// New builds a Logger from opts.
func New(opts Options) (*Logger, error) {
	level := zapcore.InfoLevel
	if opts.Development {
		level = zapcore.DebugLevel
	}
	if opts.Level != nil {
		level = *opts.Level
	}

	console := opts.Console
	if console == nil {
		console = zapcore.Lock(os.Stdout)
	}
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder(opts.Development), console, level),
	}
	if opts.FilePath != "" {
		w, err := NewFileWriter(opts.FilePath, opts.File)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(NewEncoderConfig()), w, level))
	}

	z := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{zap: z, sugar: z.Sugar(), opts: opts}, nil
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	z := zap.NewNop()
	return &Logger{zap: z, sugar: z.Sugar()}
}

func (l *Logger) derive(z *zap.Logger) *Logger {
	return &Logger{zap: z, sugar: z.Sugar(), opts: l.opts}
}

// Sync flushes buffered entries. Call it before exiting.
func (l *Logger) Sync() error {
	if l == nil || l.zap == nil {
		return nil
	}
	return l.zap.Sync()
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.zap.Debug(msg, redactFields(fields)...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.zap.Info(msg, redactFields(fields)...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.zap.Warn(msg, redactFields(fields)...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.zap.Error(msg, redactFields(fields)...)
}

// Fatal logs at fatal level then exits.
func (l *Logger) Fatal(msg string, fields ...zap.Field) {
	l.zap.Fatal(msg, redactFields(fields)...)
}

// Infow logs loosely typed key-value pairs at info level.
func (l *Logger) Infow(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, redactKeysAndValues(keysAndValues)...)
}

// Warnw logs loosely typed key-value pairs at warn level.
func (l *Logger) Warnw(msg string, keysAndValues ...any) {
	l.sugar.Warnw(msg, redactKeysAndValues(keysAndValues)...)
}

// Errorw logs loosely typed key-value pairs at error level.
func (l *Logger) Errorw(msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, redactKeysAndValues(keysAndValues)...)
}

// Infof logs a formatted message. Arguments are not redacted.
func (l *Logger) Infof(template string, args ...any) {
	l.sugar.Infof(template, args...)
}

// With returns a child logger carrying fields on every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return l.derive(l.zap.With(redactFields(fields)...))
}

// Named returns a child logger with name appended to the logger name.
func (l *Logger) Named(name string) *Logger {
	return l.derive(l.zap.Named(name))
}

// Zap returns the underlying logger for packages that take *zap.Logger.
// The caller-skip added for this wrapper is removed.
func (l *Logger) Zap() *zap.Logger {
	return l.zap.WithOptions(zap.AddCallerSkip(-1))
}

// IsDevelopment reports whether the logger was built in development mode.
func (l *Logger) IsDevelopment() bool {
	return l.opts.Development
}

// FilePath returns the log file path, empty when file logging is off.
func (l *Logger) FilePath() string {
	return l.opts.FilePath
}

func redactFields(fields []zap.Field) []zap.Field {
	if len(fields) == 0 {
		return fields
	}
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = redactField(f)
	}
	return out
}

func redactField(f zap.Field) zap.Field {
	if IsSensitiveKey(f.Key) {
		return zap.String(f.Key, RedactedPlaceholder)
	}
	if f.Type == zapcore.StringType {
		if r := Redact(f.String); r != f.String {
			return zap.String(f.Key, r)
		}
	}
	return f
}

func redactKeysAndValues(kv []any) []any {
	if len(kv) == 0 {
		return kv
	}
	out := append([]any(nil), kv...)
	for i := 0; i+1 < len(out); i += 2 {
		key, ok := out[i].(string)
		if !ok {
			continue
		}
		if IsSensitiveKey(key) {
			out[i+1] = RedactedPlaceholder
			continue
		}
		if s, ok := out[i+1].(string); ok {
			out[i+1] = Redact(s)
		}
	}
	return out
}
