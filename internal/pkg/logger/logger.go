package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"insight-analysis-pipeline/internal/config"
)

type Fields = logrus.Fields

// Logger wraps logrus with variadic key/value helpers and pipeline-specific
// logging methods so call sites stay compact.
type Logger struct {
	*logrus.Logger
}

func New(cfg config.LogConfig) (*Logger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)

	switch cfg.Format {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	}

	log.SetOutput(resolveOutput(cfg))

	return &Logger{Logger: log}, nil
}

func resolveOutput(cfg config.LogConfig) io.Writer {
	if cfg.Output == "" || cfg.Output == "stdout" {
		return os.Stdout
	}
	if cfg.Output == "stderr" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
}

func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.WithFields(toFields(keyvals)).Info(msg)
}

func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.WithFields(toFields(keyvals)).Warn(msg)
}

func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.WithFields(toFields(keyvals)).Error(msg)
}

func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.WithFields(toFields(keyvals)).Debug(msg)
}

// LogService records one call into an external collaborator (LLM provider,
// Redis, vector store) with its duration and outcome.
func (l *Logger) LogService(service, operation string, duration time.Duration, fields map[string]interface{}, err error) {
	entry := l.WithFields(Fields{
		"service":     service,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	if err != nil {
		entry.WithError(err).Error("service call failed")
		return
	}
	entry.Debug("service call completed")
}

// LogJob records a queue job lifecycle event.
func (l *Logger) LogJob(jobID, entryID, event string, duration time.Duration, err error) {
	entry := l.WithFields(Fields{
		"job_id":      jobID,
		"entry_id":    entryID,
		"event":       event,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("job event")
		return
	}
	entry.Info("job event")
}

func toFields(keyvals []interface{}) Fields {
	fields := Fields{}
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keyvals[i])
		}
		fields[key] = keyvals[i+1]
	}
	return fields
}
