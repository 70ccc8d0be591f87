package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	Logger *logrus.Logger // Main logger instance
	initMu sync.Mutex
)

// ParseLevel maps the LOG_LEVEL values used in deployment config onto logrus levels
func ParseLevel(logLevel string) logrus.Level {
	switch strings.ToUpper(strings.TrimSpace(logLevel)) {
	case "DEBUG":
		return logrus.DebugLevel
	case "INFO":
		return logrus.InfoLevel
	case "WARN":
		return logrus.WarnLevel
	case "ERROR":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Initialize sets up the logger to write to stdout and to a rotating log file.
// An empty logFile logs to stdout only.
func Initialize(logLevel, logFile string) {
	initMu.Lock()
	defer initMu.Unlock()

	l := logrus.New()
	level := ParseLevel(logLevel)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
		DisableColors:   true,
	})
	l.SetReportCaller(true)

	var out io.Writer = os.Stdout
	if strings.TrimSpace(logFile) != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			fmt.Printf("Failed to create logs directory: %v\n", err)
		} else {
			out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    100, // MB
				MaxBackups: 3,
				MaxAge:     28, // days
				Compress:   true,
			})
		}
	}
	l.SetOutput(out)

	Logger = l

	Logger.WithFields(logrus.Fields{
		"log_level": level.String(),
		"log_file":  logFile,
	}).Info("Logging system initialized")
}

// GetLogger returns the configured main logger instance
func GetLogger() *logrus.Logger {
	initMu.Lock()
	defer initMu.Unlock()
	if Logger == nil {
		Logger = logrus.New()
		Logger.SetOutput(os.Stdout)
	}
	return Logger
}

// WithContext creates a logger with additional context fields
func WithContext(fields map[string]interface{}) *logrus.Entry {
	return GetLogger().WithFields(fields)
}

// WithModel creates a logger with model key context
func WithModel(key string, component string) *logrus.Entry {
	return GetLogger().WithFields(logrus.Fields{
		"model_key": key,
		"component": component,
	})
}

// WithRun creates a logger for one training run
func WithRun(key string, runID string) *logrus.Entry {
	return GetLogger().WithFields(logrus.Fields{
		"model_key": key,
		"run_id":    runID,
		"component": "training_pipeline",
	})
}

// WithError creates a logger with error context
func WithError(err error, component string) *logrus.Entry {
	return GetLogger().WithFields(logrus.Fields{
		"error":     err.Error(),
		"component": component,
	})
}

// Log levels convenience functions (with fields)
func Debug(msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	GetLogger().WithFields(fields).Debug(msg)
}

func Info(msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	GetLogger().WithFields(fields).Info(msg)
}

func Warn(msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	GetLogger().WithFields(fields).Warn(msg)
}

func Error(msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	GetLogger().WithFields(fields).Error(msg)
}

func Fatal(msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	GetLogger().WithFields(fields).Fatal(msg)
}
