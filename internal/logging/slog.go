package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// ServiceName identifies this process in otel and GELF records.
const ServiceName = "posecap"

// console is where records go when no log file is configured.
var console io.Writer = os.Stdout

// Outputs selects the destinations Setup wires into the logger.
type Outputs struct {
	// File receives text records. When nil, records go to stdout instead.
	File io.Writer
	// GELF receives JSON records, typically a Graylog writer.
	GELF io.Writer
	// Provider enables the otel bridge.
	Provider *sdklog.LoggerProvider
	// Context adds dynamic attributes to every record.
	Context ContextProvider
}

// SlogManager manages slog-based logging with optional OTel integration.
type SlogManager struct {
	logger *slog.Logger

	// OTel provider for flushing
	logProvider *sdklog.LoggerProvider
}

// NewSlogManager creates a new slog-based logging manager.
func NewSlogManager() *SlogManager {
	return &SlogManager{}
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func handlerOptions(lvl slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
				}
			}
			return a
		},
	}
}

// Setup initializes the logging system. Calling it again replaces the
// previous logger; earlier outputs stop receiving records.
func (m *SlogManager) Setup(level string, out Outputs) {
	lvl := parseLevel(level)
	m.logProvider = out.Provider
	opts := handlerOptions(lvl)

	var handlers []slog.Handler

	if out.File != nil {
		handlers = append(handlers, slog.NewTextHandler(out.File, opts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(console, opts))
	}

	if out.GELF != nil {
		gelfHandler := slog.NewJSONHandler(out.GELF, opts).
			WithAttrs([]slog.Attr{slog.String("service", ServiceName)})
		handlers = append(handlers, gelfHandler)
	}

	if out.Provider != nil {
		handlers = append(handlers, otelslog.NewHandler(ServiceName, otelslog.WithLoggerProvider(out.Provider)))
	}

	var h slog.Handler = NewMultiHandler(handlers...)
	if out.Context != nil {
		h = NewContextHandler(h, out.Context)
	}

	m.logger = slog.New(h)
	m.logger.Info("Logging initialized", "level", lvl.String())
}

// Logger returns the configured slog.Logger.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger == nil {
		return slog.Default()
	}
	return m.logger
}

// Flush forces a flush of OTel logs if available.
func (m *SlogManager) Flush(ctx context.Context) error {
	if m.logProvider != nil {
		return m.logProvider.ForceFlush(ctx)
	}
	return nil
}
