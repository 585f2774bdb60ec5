package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/cc-bridge/internal/infrastructure/config"
)

// serviceName is attached to every log entry.
const serviceName = "ccbridge"

// Logger wraps slog.Logger with the bridge's component and link scoping.
//
// Every logger derived with Component carries component=<name> and filters
// at that component's level from logging.components, falling back to
// logging.level. Link adds the link_id and remote_addr of one computer
// connection.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger

	// inner is the unfiltered handler with this logger's attributes.
	inner  slog.Handler
	level  slog.Level
	levels map[string]slog.Level
}

// New creates a new Logger with the specified configuration.
//
// It configures:
//   - Output format (JSON for production, text for development)
//   - Log level filtering, globally and per component
//   - Default fields (service name, version)
//   - Output destination
//
// Parameters:
//   - cfg: Logging configuration from config.yaml
//   - version: Application version for default field
//
// Returns:
//   - *Logger: Configured logger ready for use
func New(cfg config.LoggingConfig, version string) *Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}
	return newLogger(cfg, version, output)
}

func newLogger(cfg config.LoggingConfig, version string, output io.Writer) *Logger {
	level := parseLevel(cfg.Level)

	levels := make(map[string]slog.Level, len(cfg.Components))
	floor := level
	for name, lv := range cfg.Components {
		parsed := parseLevel(lv)
		levels[name] = parsed
		floor = min(floor, parsed)
	}

	// The handler admits the most verbose configured level; levelHandler
	// narrows it per logger.
	opts := &slog.HandlerOptions{Level: floor}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})

	return wrap(handler, level, levels)
}

func wrap(inner slog.Handler, level slog.Level, levels map[string]slog.Level) *Logger {
	return &Logger{
		Logger: slog.New(&levelHandler{inner: inner, level: level}),
		inner:  inner,
		level:  level,
		levels: levels,
	}
}

// parseLevel converts a string log level to slog.Level.
//
// Supported levels: debug, info, warn, error
// Defaults to info if unrecognised.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a new Logger with additional default attributes. The level
// and component overrides carry over.
func (l *Logger) With(args ...any) *Logger {
	inner := slog.New(l.inner).With(args...).Handler()
	return wrap(inner, l.level, l.levels)
}

// Component returns a logger tagged component=name, filtered at the level
// configured for name under logging.components.
//
// Example:
//
//	apiLogger := logger.Component("api")
//	apiLogger.Debug("request") // Emitted only if api (or the global level) allows debug
func (l *Logger) Component(name string) *Logger {
	level := l.level
	if lv, ok := l.levels[name]; ok {
		level = lv
	}
	inner := l.inner.WithAttrs([]slog.Attr{slog.String("component", name)})
	return wrap(inner, level, l.levels)
}

// Link returns a logger scoped to one computer connection.
func (l *Logger) Link(id, remoteAddr string) *Logger {
	return l.With("link_id", id, "remote_addr", remoteAddr)
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return wrap(slog.DiscardHandler, slog.LevelInfo, nil)
}

// Default creates a default logger for use before configuration is loaded.
//
// This logger outputs to stdout in JSON format at info level.
// It should only be used during early startup before config is available.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}

// levelHandler filters records below level before handing them on.
type levelHandler struct {
	inner slog.Handler
	level slog.Level
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level && h.inner.Enabled(ctx, level)
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{inner: h.inner.WithAttrs(attrs), level: h.level}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{inner: h.inner.WithGroup(name), level: h.level}
}
