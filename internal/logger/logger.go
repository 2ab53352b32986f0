// Package logger provides structured logging using zap.
//
// Engine subsystems log through named children of the global logger ("sphere",
// "sphere.scheduler", "sphere.stitch" ...). Each name segment can be given its own
// level, so stitching can be traced at debug while frame logs stay at info.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the global logger instance.
var Log = zap.NewNop()

// Sugar is the sugared logger for convenient logging.
var Sugar = Log.Sugar()

// FileConfig holds file logging configuration.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultFileConfig returns default file logging settings.
func DefaultFileConfig(path string) FileConfig {
	return FileConfig{
		Path:       path,
		MaxSizeMB:  50,
		MaxBackups: 3,
		MaxAgeDays: 7,
		Compress:   true,
	}
}

// Options configures the global logger.
type Options struct {
	Level   string
	File    FileConfig
	Console bool
	// Components maps a logger name segment to its own level, e.g. "stitch": "debug".
	Components map[string]string
}

// Init initializes the logger with the given level, optional file output and
// per-component levels.
func Init(level, logFile string, components map[string]string) error {
	opts := Options{Level: level, Console: true, Components: components}
	if logFile != "" {
		opts.File = DefaultFileConfig(logFile)
	}
	return InitWithOptions(opts)
}

// InitNop replaces the global logger with a no-op logger.
func InitNop() {
	Log = zap.NewNop()
	Sugar = Log.Sugar()
}

// InitWithFileConfig initializes the logger with custom file configuration.
// Set consoleOutput to false to disable console logging (useful for tests).
func InitWithFileConfig(level string, fileCfg FileConfig, consoleOutput bool) error {
	return InitWithOptions(Options{Level: level, File: fileCfg, Console: consoleOutput})
}

// InitWithOptions builds the console and file cores and installs the result as the
// global logger.
func InitWithOptions(opts Options) error {
	levels, err := parseComponents(opts.Components)
	if err != nil {
		return err
	}
	base := parseLevel(opts.Level)
	floor := base
	for _, l := range levels {
		floor = min(floor, l)
	}

	var cores []zapcore.Core
	if opts.Console {
		cores = append(cores, zapcore.NewCore(consoleEncoder(), zapcore.Lock(os.Stdout), floor))
	}
	// Frame logs at debug level grow fast on long descents; the file is rotated.
	if f := opts.File; f.Path != "" {
		w := &lumberjack.Logger{
			Filename:   f.Path,
			MaxSize:    f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAge:     f.MaxAgeDays,
			Compress:   f.Compress,
			LocalTime:  true,
		}
		cores = append(cores, zapcore.NewCore(fileEncoder(), zapcore.AddSync(w), floor))
	}

	var core zapcore.Core = zapcore.NewTee(cores...)
	if len(levels) > 0 {
		core = &componentCore{Core: core, base: base, floor: floor, levels: levels}
	}
	Log = zap.New(core, zap.AddCaller())
	Sugar = Log.Sugar()
	return nil
}

func consoleEncoder() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		NameKey:          "logger",
		MessageKey:       "msg",
		CallerKey:        "caller",
		EncodeTime:       zapcore.TimeEncoderOfLayout("15:04:05.000"),
		EncodeLevel:      zapcore.CapitalColorLevelEncoder,
		EncodeCaller:     zapcore.ShortCallerEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	})
}

func fileEncoder() zapcore.Encoder {
	return zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		CallerKey:      "caller",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	})
}

// componentCore filters entries by the level of their logger name. The wrapped core
// runs at the lowest configured level.
type componentCore struct {
	zapcore.Core
	base   zapcore.Level
	floor  zapcore.Level
	levels map[string]zapcore.Level
}

// levelFor returns the level of the deepest name segment that has one.
func (c *componentCore) levelFor(name string) zapcore.Level {
	lvl := c.base
	for _, seg := range strings.Split(name, ".") {
		if l, ok := c.levels[seg]; ok {
			lvl = l
		}
	}
	return lvl
}

func (c *componentCore) Enabled(l zapcore.Level) bool {
	return l >= c.floor
}

func (c *componentCore) With(fields []zapcore.Field) zapcore.Core {
	return &componentCore{Core: c.Core.With(fields), base: c.base, floor: c.floor, levels: c.levels}
}

func (c *componentCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if ent.Level < c.levelFor(ent.LoggerName) {
		return ce
	}
	return c.Core.Check(ent, ce)
}

// parseLevel converts a string level to zapcore.Level.
func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func parseComponents(in map[string]string) (map[string]zapcore.Level, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]zapcore.Level, len(in))
	for name, level := range in {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level for %q: %w", name, err)
		}
		out[name] = l
	}
	return out, nil
}

// Named returns a child of the global logger for a subsystem.
func Named(name string) *zap.Logger {
	return Log.Named(name)
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Quad returns the fields identifying a quad in log entries.
func Quad(id int, depth int) zap.Field {
	return zap.Dict("quad", zap.Int("id", id), zap.Int("depth", depth))
}

// Sync flushes any buffered log entries.
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}

// Debug logs a debug message.
func Debug(msg string, fields ...zap.Field) {
	Log.Debug(msg, fields...)
}

// Info logs an info message.
func Info(msg string, fields ...zap.Field) {
	Log.Info(msg, fields...)
}

// Warn logs a warning message.
func Warn(msg string, fields ...zap.Field) {
	Log.Warn(msg, fields...)
}

// Error logs an error message.
func Error(msg string, fields ...zap.Field) {
	Log.Error(msg, fields...)
}

// Fatal logs a fatal message and exits.
func Fatal(msg string, fields ...zap.Field) {
	Log.Fatal(msg, fields...)
}
