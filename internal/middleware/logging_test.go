package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"device-credential-service/internal/domain"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestWriteAuditLog(t *testing.T) {
	buf := captureLogs(t)

	WriteAuditLog(context.Background(), "RETRIEVE_PIN", "pin_v1", domain.ErrAuthenticationRequired)

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("invalid log: %v", err)
	}
	if m["result"] != ResultFailed {
		t.Errorf("want FAILED, got %v", m["result"])
	}
	if m["error_kind"] != domain.KindAuthenticationRequired {
		t.Errorf("want AUTHENTICATION_REQUIRED, got %v", m["error_kind"])
	}
	if m["key_name"] != "pin_v1" {
		t.Errorf("want pin_v1, got %v", m["key_name"])
	}

	buf.Reset()
	WriteAuditLog(context.Background(), "STORE_PIN", "pin_v1", nil)
	if !strings.Contains(buf.String(), `"result":"SUCCESS"`) {
		t.Errorf("want SUCCESS, got %s", buf.String())
	}
}

func TestRequestLogger(t *testing.T) {
	buf := captureLogs(t)

	h := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/device/secure", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("want 418, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), `"status":418`) {
		t.Errorf("want status in log, got %s", buf.String())
	}
}
