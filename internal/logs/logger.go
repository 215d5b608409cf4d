// Package logs builds the zap loggers used across mcpbridge: a main logger
// with console and rotated-file outputs, plus per-server log files for
// upstream session tracing.
package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"mcpbridge/internal/config"
)

// Log level names accepted in config and flags.
const (
	LogLevelTrace = "trace"
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// DefaultLogConfig returns console-only logging at info level.
func DefaultLogConfig() *config.LogConfig {
	return &config.LogConfig{
		Level:         LogLevelInfo,
		EnableFile:    false,
		EnableConsole: true,
		Filename:      "main.log",
		MaxSize:       10,
		MaxBackups:    5,
		MaxAge:        30,
		Compress:      true,
	}
}

// ParseLevel maps a level name to a zap level. Trace maps to debug for
// maximum verbosity; unknown names fall back to info.
func ParseLevel(name string) zapcore.Level {
	switch name {
	case LogLevelTrace, LogLevelDebug:
		return zap.DebugLevel
	case LogLevelInfo:
		return zap.InfoLevel
	case LogLevelWarn:
		return zap.WarnLevel
	case LogLevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// SetupLogger creates the main logger with console and file outputs per cfg.
func SetupLogger(cfg *config.LogConfig) (*zap.Logger, error) {
	if cfg == nil {
		cfg = DefaultLogConfig()
	}
	level := ParseLevel(cfg.Level)

	var cores []zapcore.Core

	if cfg.EnableConsole {
		cores = append(cores, zapcore.NewCore(
			consoleEncoder(),
			zapcore.AddSync(os.Stderr),
			level,
		))
	}

	if cfg.EnableFile {
		fileCore, err := newFileCore(cfg, cfg.Filename, level)
		if err != nil {
			return nil, fmt.Errorf("failed to create file core: %w", err)
		}
		cores = append(cores, fileCore)
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("no log outputs configured")
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1)), nil
}

// SetupCommandLogger creates a console logger for CLI commands. Commands
// default to warn so tool output stays readable; an explicit level overrides.
func SetupCommandLogger(logLevel string) (*zap.Logger, error) {
	if logLevel == "" {
		logLevel = LogLevelWarn
	}
	return SetupLogger(&config.LogConfig{
		Level:         logLevel,
		EnableConsole: true,
	})
}

// CreateServerLogger creates a file-only logger for one upstream server.
// Each server gets its own rotated log file (server-<name>.log) so a noisy
// upstream cannot drown the main log.
func CreateServerLogger(cfg *config.LogConfig, serverName string) (*zap.Logger, error) {
	if cfg == nil {
		cfg = DefaultLogConfig()
	}
	serverCfg := *cfg
	serverCfg.Filename = fmt.Sprintf("server-%s.log", serverName)

	fileCore, err := newFileCore(&serverCfg, serverCfg.Filename, ParseLevel(serverCfg.Level))
	if err != nil {
		return nil, fmt.Errorf("failed to create log file for server %s: %w", serverName, err)
	}

	logger := zap.New(fileCore, zap.AddCaller(), zap.AddCallerSkip(1))
	return logger.With(zap.String("server", serverName)), nil
}

// LogDir resolves the directory for log files: cfg.LogDir when set,
// otherwise ~/.mcpbridge/logs. The directory is created if missing.
func LogDir(cfg *config.LogConfig) (string, error) {
	dir := ""
	if cfg != nil {
		dir = cfg.LogDir
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".mcpbridge", "logs")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	return dir, nil
}

func newFileCore(cfg *config.LogConfig, filename string, level zapcore.Level) (zapcore.Core, error) {
	dir, err := LogDir(cfg)
	if err != nil {
		return nil, err
	}

	rotated := &lumberjack.Logger{
		Filename:   filepath.Join(dir, filename),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	var encoder zapcore.Encoder
	if cfg.JSONFormat {
		encoder = jsonEncoder()
	} else {
		encoder = fileEncoder()
	}

	return zapcore.NewCore(encoder, zapcore.AddSync(rotated), level), nil
}

func consoleEncoder() zapcore.Encoder {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func fileEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	encoderConfig.ConsoleSeparator = " | "
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func jsonEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}
