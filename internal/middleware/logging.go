// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"device-credential-service/internal/domain"
)

// 監査ログの結果。
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// WriteAuditLog は鍵操作の監査ログを出力する。PINの値は受け取らない。
func WriteAuditLog(ctx context.Context, operation, keyName string, err error) {
	attrs := []any{
		"operation", operation,
		"key_name", keyName,
		"request_id", chimiddleware.GetReqID(ctx),
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		attrs = append(attrs, "result", ResultFailed, "error_kind", domain.Kind(err))
		slog.WarnContext(ctx, "credential operation failed", attrs...)
		return
	}
	attrs = append(attrs, "result", ResultSuccess)
	slog.InfoContext(ctx, "credential operation completed", attrs...)
}

// RequestLogger はリクエストの完了をslogで記録する。
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		slog.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}
