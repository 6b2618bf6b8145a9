package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format specifies output format: "json" or "text"
	Format string

	// Output is the writer for log output (defaults to os.Stderr)
	Output io.Writer

	// AddSource includes file and line number in log records
	AddSource bool

	// RedactPatterns are additional regex patterns for sensitive data redaction
	RedactPatterns []string
}

const redacted = "[REDACTED]"

// DefaultRedactPatterns contains regex patterns for common sensitive data.
var DefaultRedactPatterns = []string{
	`(?i)(bearer|token)[\s:=]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,

	// JWT tokens
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"api_key":       true,
	"authorization": true,
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// NewLogger creates a structured logger that redacts secrets.
//
// If config.Output is nil, logs are written to os.Stderr.
// If config.Format is empty, defaults to "json".
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	patterns := append(append([]string(nil), DefaultRedactPatterns...), config.RedactPatterns...)
	redacts := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}
	return slog.New(&redactHandler{next: handler, redacts: redacts})
}

// redactHandler scrubs record messages and attributes before delegating.
type redactHandler struct {
	next    slog.Handler
	redacts []*regexp.Regexp
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, h.redactString(record.Message), record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(h.redactAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cleaned := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		cleaned[i] = h.redactAttr(attr)
	}
	return &redactHandler{next: h.next.WithAttrs(cleaned), redacts: h.redacts}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{next: h.next.WithGroup(name), redacts: h.redacts}
}

func (h *redactHandler) redactAttr(attr slog.Attr) slog.Attr {
	key := strings.ToLower(strings.ReplaceAll(attr.Key, "-", "_"))
	if sensitiveKeys[key] {
		return slog.String(attr.Key, redacted)
	}

	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, h.redactString(value.String()))
	case slog.KindGroup:
		group := value.Group()
		cleaned := make([]any, len(group))
		for i, a := range group {
			cleaned[i] = h.redactAttr(a)
		}
		return slog.Group(attr.Key, cleaned...)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return slog.String(attr.Key, h.redactString(err.Error()))
		}
	}
	return slog.Attr{Key: attr.Key, Value: value}
}

func (h *redactHandler) redactString(s string) string {
	for _, re := range h.redacts {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}
