package logs

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openclaw-oversight/oversight-go/internal/config"
)

// Log level constants
const (
	LogLevelTrace = "trace"
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// DefaultLogConfig returns default logging configuration
func DefaultLogConfig() *config.LogConfig {
	return &config.LogConfig{
		Level:         LogLevelInfo,
		EnableFile:    false,
		EnableConsole: true,
		Filename:      "main.log",
		MaxSize:       10, // MB
		MaxBackups:    5,
		MaxAge:        30, // days
		Compress:      true,
		JSONFormat:    false,
	}
}

// ParseLevel maps a config level string to a zap level. "trace" maps to
// debug for maximum verbosity.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case LogLevelTrace:
		return zap.DebugLevel
	case LogLevelDebug:
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

// SetupLogger creates a logger with file and console outputs based on configuration
func SetupLogger(cfg *config.LogConfig) (*zap.Logger, error) {
	logger, _, err := SetupLoggerWithSanitizer(cfg)
	return logger, err
}

// SetupLoggerWithSanitizer creates a logger and returns the sanitizing core
// wrapped around its outputs, so callers can register resolved secret values
// for masking.
func SetupLoggerWithSanitizer(cfg *config.LogConfig) (*zap.Logger, *SecretSanitizer, error) {
	if cfg == nil {
		cfg = DefaultLogConfig()
	}

	level := ParseLevel(cfg.Level)

	var cores []zapcore.Core

	if cfg.EnableConsole {
		consoleCore := zapcore.NewCore(
			getConsoleEncoder(),
			zapcore.AddSync(os.Stderr),
			level,
		)
		cores = append(cores, consoleCore)
	}

	if cfg.EnableFile {
		fileCore, err := createFileCore(cfg, level)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create file core: %w", err)
		}
		cores = append(cores, fileCore)
	}

	if len(cores) == 0 {
		return nil, nil, fmt.Errorf("no log outputs configured")
	}

	sanitizer := NewSecretSanitizer(zapcore.NewTee(cores...))
	logger := zap.New(sanitizer, zap.AddCaller(), zap.AddCallerSkip(1))

	return logger, sanitizer, nil
}

// SetupCommandLogger creates a logger for console commands. The serve command
// defaults to INFO; one-shot commands default to WARN so their output stays
// readable.
func SetupCommandLogger(serverCommand bool, logLevel string, logToFile bool, logDir string) (*zap.Logger, error) {
	defaultLevel := LogLevelWarn
	if serverCommand {
		defaultLevel = LogLevelInfo
	}

	level := defaultLevel
	if logLevel != "" {
		level = logLevel
	}

	cfg := &config.LogConfig{
		Level:         level,
		EnableFile:    logToFile,
		EnableConsole: true,
		Filename:      "main.log",
		LogDir:        logDir,
		MaxSize:       10,
		MaxBackups:    5,
		MaxAge:        30,
		Compress:      true,
		JSONFormat:    false,
	}

	return SetupLogger(cfg)
}

// CreatePluginLogger creates a file-only logger for one plugin of the suite.
// Plugin logs go to plugin-<name>.log and every entry carries the plugin name.
func CreatePluginLogger(cfg *config.LogConfig, pluginName string) (*zap.Logger, error) {
	if cfg == nil {
		cfg = DefaultLogConfig()
	}

	pluginCfg := *cfg
	pluginCfg.Filename = fmt.Sprintf("plugin-%s.log", pluginName)
	pluginCfg.EnableConsole = false

	fileCore, err := createFileCore(&pluginCfg, ParseLevel(pluginCfg.Level))
	if err != nil {
		return nil, fmt.Errorf("failed to create file core for plugin %s: %w", pluginName, err)
	}

	logger := zap.New(NewSecretSanitizer(fileCore), zap.AddCaller(), zap.AddCallerSkip(1))
	return logger.With(zap.String("plugin", pluginName)), nil
}

// createFileCore creates a file-based logging core with rotation
func createFileCore(cfg *config.LogConfig, level zapcore.Level) (zapcore.Core, error) {
	logFilePath, err := GetLogFilePathWithDir(cfg.LogDir, cfg.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to get log file path: %w", err)
	}

	lumberjackLogger := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	var encoder zapcore.Encoder
	if cfg.JSONFormat {
		encoder = getJSONEncoder()
	} else {
		encoder = getFileEncoder()
	}

	return zapcore.NewCore(
		encoder,
		zapcore.AddSync(lumberjackLogger),
		level,
	), nil
}

// getConsoleEncoder returns a console-friendly encoder
func getConsoleEncoder() zapcore.Encoder {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

// getFileEncoder returns a file-friendly encoder (structured but readable)
func getFileEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	encoderConfig.ConsoleSeparator = " | "
	return zapcore.NewConsoleEncoder(encoderConfig)
}

// getJSONEncoder returns a JSON encoder for structured logging
func getJSONEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}
