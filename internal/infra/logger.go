package infra

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"device-credential-service/config"
)

// TraceHandler はトレース情報をログに付与するslogハンドラ。
type TraceHandler struct {
	handler     slog.Handler
	projectID   string
	otelEnabled bool
}

// NewTraceHandler はトレース情報付きのslogハンドラを生成する。
func NewTraceHandler(handler slog.Handler, cfg *config.Config) *TraceHandler {
	return &TraceHandler{
		handler:     handler,
		projectID:   cfg.GoogleCloudProject,
		otelEnabled: cfg.OtelEnabled,
	}
}

// Enabled はハンドラがログを処理するかどうかを返す。
func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle はスパンが有効な場合にトレースIDとスパンIDを付与して委譲する。
func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.otelEnabled {
		return h.handler.Handle(ctx, r)
	}

	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return h.handler.Handle(ctx, r)
	}

	traceID := spanCtx.TraceID().String()
	spanID := spanCtx.SpanID().String()
	r.AddAttrs(
		slog.String("trace", traceID),
		slog.String("spanId", spanID),
		slog.Bool("traceSampled", spanCtx.IsSampled()),
	)

	// Cloud Logging のトレース連携フィールド
	if h.projectID != "" {
		r.AddAttrs(
			slog.String("logging.googleapis.com/trace", "projects/"+h.projectID+"/traces/"+traceID),
			slog.String("logging.googleapis.com/spanId", spanID),
		)
	}

	return h.handler.Handle(ctx, r)
}

// WithAttrs は属性を追加した新しいハンドラを返す。
func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.wrap(h.handler.WithAttrs(attrs))
}

// WithGroup はグループを追加した新しいハンドラを返す。
func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return h.wrap(h.handler.WithGroup(name))
}

func (h *TraceHandler) wrap(handler slog.Handler) *TraceHandler {
	return &TraceHandler{
		handler:     handler,
		projectID:   h.projectID,
		otelEnabled: h.otelEnabled,
	}
}

// NewLogger は w にJSONで出力するトレース情報付きロガーを生成する。
func NewLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	jsonHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	return slog.New(NewTraceHandler(jsonHandler, cfg))
}

// SetupLogger はトレース情報付きのグローバルロガーを設定する。
func SetupLogger(w io.Writer, cfg *config.Config) {
	slog.SetDefault(NewLogger(w, cfg))
}
