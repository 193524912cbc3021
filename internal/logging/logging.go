// Package logging configures structured logging with logrus and bridges
// logrus entries into a session's telemetry log stream.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	otellog "go.opentelemetry.io/otel/log"

	"github.com/fjacquet/agenttrace/internal/export"
)

// Setup configures the global logrus logger: JSON formatting, optional
// debug level, and an optional log file mirrored alongside stdout.
//
// Returns an error if the log file cannot be opened or created.
func Setup(debug bool, logFile string) error {
	log.SetFormatter(&log.JSONFormatter{})
	if debug {
		log.SetLevel(log.DebugLevel)
	}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %v", err)
		}
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}
	return nil
}

// SessionHook forwards logrus entries to a session's telemetry log stream.
// Install it on the logger whose output should be captured alongside the
// session's spans:
//
//	logger.AddHook(logging.NewSessionHook(session.Logger()))
//
// Entries emitted by the pipeline itself are skipped, otherwise a failing
// exporter logging its own failure would feed that log record back into the
// exporter.
type SessionHook struct {
	emitter otellog.Logger
}

// NewSessionHook creates a hook emitting to the given telemetry logger.
func NewSessionHook(emitter otellog.Logger) *SessionHook {
	return &SessionHook{emitter: emitter}
}

// Levels implements logrus.Hook. Debug entries stay local.
func (h *SessionHook) Levels() []log.Level {
	return []log.Level{
		log.PanicLevel,
		log.FatalLevel,
		log.ErrorLevel,
		log.WarnLevel,
		log.InfoLevel,
	}
}

// Fire implements logrus.Hook.
func (h *SessionHook) Fire(entry *log.Entry) error {
	if _, internal := entry.Data[export.FieldInternal]; internal {
		return nil
	}

	var rec otellog.Record
	rec.SetTimestamp(entry.Time)
	rec.SetSeverity(severity(entry.Level))
	rec.SetSeverityText(entry.Level.String())
	rec.SetBody(otellog.StringValue(entry.Message))
	for key, value := range entry.Data {
		rec.AddAttributes(otellog.String(key, fmt.Sprintf("%v", value)))
	}

	ctx := entry.Context
	if ctx == nil {
		ctx = context.Background()
	}
	h.emitter.Emit(ctx, rec)
	return nil
}

func severity(level log.Level) otellog.Severity {
	switch level {
	case log.PanicLevel, log.FatalLevel:
		return otellog.SeverityFatal
	case log.ErrorLevel:
		return otellog.SeverityError
	case log.WarnLevel:
		return otellog.SeverityWarn
	case log.DebugLevel, log.TraceLevel:
		return otellog.SeverityDebug
	}
	return otellog.SeverityInfo
}
