package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/satya-market/access-go/internal/config"
	"go.opentelemetry.io/otel/trace"
)

// TraceHandler adds the trace and span id of the active span to records.
type TraceHandler struct {
	handler slog.Handler
}

func NewTraceHandler(handler slog.Handler) *TraceHandler {
	return &TraceHandler{handler: handler}
}

func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace", sc.TraceID().String()),
			slog.String("spanId", sc.SpanID().String()),
			slog.Bool("traceSampled", sc.IsSampled()),
		)
	}
	return h.handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{handler: h.handler.WithGroup(name)}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds the process logger. Records go to stdout as JSON, or to a
// daily rotated file under cfg.Path when set. The returned closer releases
// the file.
func New(cfg config.LogConfig, level slog.Level) (*slog.Logger, io.Closer, error) {
	var (
		w      io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if cfg.Path != "" {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, nil, err
		}
		rotation, maxAge := cfg.RotationHours, cfg.MaxAgeDays
		if rotation <= 0 {
			rotation = 24
		}
		if maxAge <= 0 {
			maxAge = 30
		}
		name := filepath.Join(cfg.Path, "satya.log")
		rl, err := rotatelogs.New(
			name+".%Y%m%d",
			rotatelogs.WithLinkName(name),
			rotatelogs.WithRotationTime(time.Duration(rotation)*time.Hour),
			rotatelogs.WithMaxAge(time.Duration(maxAge)*24*time.Hour),
		)
		if err != nil {
			return nil, nil, err
		}
		w, closer = rl, rl
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(NewTraceHandler(handler)), closer, nil
}

// Setup installs the logger built by New as the slog default.
func Setup(cfg config.LogConfig, level slog.Level) (io.Closer, error) {
	l, closer, err := New(cfg, level)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return closer, nil
}
