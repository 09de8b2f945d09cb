// Package logger builds the process-wide slog logger. Output is JSON or text
// on a writer, or OpenTelemetry logs over OTLP/gRPC when enabled. Every
// record passing the level filter is counted for the metrics endpoint.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
)

// Config selects the log output
type Config struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"` // json or text
	OTEL        bool   `yaml:"otel"`
	ServiceName string `yaml:"service_name"`
}

// DefaultConfig logs JSON at INFO
func DefaultConfig() Config {
	return Config{Level: "INFO", Format: "json", ServiceName: "rulesflow"}
}

// Counters are incremented for every record and HTTP answer, and exposed by
// the metrics endpoint.
type Counters struct {
	Errors   atomic.Int64
	Warnings atomic.Int64
	HTTP4xx  atomic.Int64
	HTTP5xx  atomic.Int64
	HTTP400  atomic.Int64
	HTTP404  atomic.Int64
	HTTP409  atomic.Int64
}

// Stats holds the process counters
var Stats Counters

var programLevel = new(slog.LevelVar)

// Setup builds a logger from cfg, installs it as the slog default and
// returns it with a shutdown hook that flushes OTEL exporters.
func Setup(ctx context.Context, cfg Config, w io.Writer) (*slog.Logger, func(context.Context) error, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	programLevel.Set(level)

	shutdown := func(context.Context) error { return nil }
	var handler slog.Handler

	switch {
	case cfg.OTEL:
		h, stop, err := otelHandler(ctx, cfg.ServiceName)
		if err != nil {
			return nil, nil, err
		}
		handler, shutdown = h, stop
	case strings.EqualFold(cfg.Format, "text"):
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: programLevel})
	case cfg.Format == "" || strings.EqualFold(cfg.Format, "json"):
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: programLevel})
	default:
		return nil, nil, fmt.Errorf("unknown log format: %s", cfg.Format)
	}

	l := slog.New(&countingHandler{level: programLevel, handler: handler, stats: &Stats})
	slog.SetDefault(l)
	return l, shutdown, nil
}

// otelHandler bridges slog to an OTLP/gRPC log exporter configured from the
// standard OTEL_EXPORTER_OTLP_* environment variables.
func otelHandler(ctx context.Context, serviceName string) (slog.Handler, func(context.Context) error, error) {
	if serviceName == "" {
		serviceName = "rulesflow"
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	h := otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider))
	return h, provider.Shutdown, nil
}

// countingHandler filters by level and counts warnings and errors
type countingHandler struct {
	level   slog.Leveler
	handler slog.Handler
	stats   *Counters
}

func (h *countingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level() && h.handler.Enabled(ctx, level)
}

func (h *countingHandler) Handle(ctx context.Context, r slog.Record) error {
	switch {
	case r.Level >= slog.LevelError:
		h.stats.Errors.Add(1)
	case r.Level >= slog.LevelWarn:
		h.stats.Warnings.Add(1)
	}
	return h.handler.Handle(ctx, r)
}

func (h *countingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &countingHandler{level: h.level, handler: h.handler.WithAttrs(attrs), stats: h.stats}
}

func (h *countingHandler) WithGroup(name string) slog.Handler {
	return &countingHandler{level: h.level, handler: h.handler.WithGroup(name), stats: h.stats}
}

// SetLevel changes the minimum level at runtime
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// GetLevel returns the current minimum level
func GetLevel() slog.Level {
	return programLevel.Level()
}

// ParseLevel converts a level name to slog.Level. An empty name is INFO.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// RecordHTTPStatus counts a response status for the metrics endpoint
func RecordHTTPStatus(status int) {
	switch {
	case status >= 500:
		Stats.HTTP5xx.Add(1)
	case status >= 400:
		Stats.HTTP4xx.Add(1)
		switch status {
		case 400:
			Stats.HTTP400.Add(1)
		case 404:
			Stats.HTTP404.Add(1)
		case 409:
			Stats.HTTP409.Add(1)
		}
	}
}

// Snapshot returns the current counter values keyed by metric name
func Snapshot() map[string]int64 {
	return map[string]int64{
		"log_errors_total":   Stats.Errors.Load(),
		"log_warnings_total": Stats.Warnings.Load(),
		"http_4xx_total":     Stats.HTTP4xx.Load(),
		"http_5xx_total":     Stats.HTTP5xx.Load(),
		"http_400_total":     Stats.HTTP400.Load(),
		"http_404_total":     Stats.HTTP404.Load(),
		"http_409_total":     Stats.HTTP409.Load(),
	}
}
