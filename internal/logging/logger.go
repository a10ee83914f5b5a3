package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation settings for the optional log file
const (
	fileMaxSizeMB  = 100
	fileMaxBackups = 5
	fileMaxAgeDays = 30
)

// New builds the service logger. Output is JSON on stdout; when filePath is
// non-empty the same entries are also written to a rotated file.
func New(level, filePath string) *zap.Logger {
	return zap.New(newCore(ParseLevel(level), zapcore.Lock(os.Stdout), filePath),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel))
}

func newCore(level zapcore.Level, console zapcore.WriteSyncer, filePath string) zapcore.Core {
	encoder := zapcore.NewJSONEncoder(encoderConfig())
	consoleCore := zapcore.NewCore(encoder, console, level)
	if filePath == "" {
		return consoleCore
	}

	fileCore := zapcore.NewCore(encoder.Clone(), NewFileWriter(filePath), level)
	return zapcore.NewTee(consoleCore, fileCore)
}

// NewFileWriter returns a WriteSyncer that rotates filePath by size and age
func NewFileWriter(filePath string) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    fileMaxSizeMB,
		MaxBackups: fileMaxBackups,
		MaxAge:     fileMaxAgeDays,
		Compress:   true,
	})
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.MillisDurationEncoder
	return cfg
}

// ParseLevel maps a LOG_LEVEL value to a zap level, defaulting to info
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
