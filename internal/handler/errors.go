package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"device-credential-service/internal/domain"
	"device-credential-service/pkg/httputil"
)

const codeInvalidRequest = "INVALID_REQUEST"

type errorMapping struct {
	status  int
	message string
}

var errorMappings = map[string]errorMapping{
	domain.KindInvalidKeyName:         {http.StatusBadRequest, "invalid key name format"},
	domain.KindInvalidPinValue:        {http.StatusBadRequest, "pin value must not be empty"},
	domain.KindAuthenticationRequired: {http.StatusUnauthorized, "user authentication is required"},
	domain.KindKeyNotFound:            {http.StatusNotFound, "key or pin not found"},
	domain.KindKeyInvalidated:         {http.StatusGone, "key has been invalidated by a new biometric enrollment"},
	domain.KindKeyCreationFailed:      {http.StatusUnprocessableEntity, "key could not be created"},
	domain.KindSealFailed:             {http.StatusInternalServerError, "pin could not be sealed or unsealed"},
	domain.KindPlatformUnavailable:    {http.StatusServiceUnavailable, "device platform is unavailable"},
}

// writeError はエラー種別に応じたステータスでエラーレスポンスを返す。
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.Kind(err)
	m, ok := errorMappings[kind]
	if !ok {
		slog.ErrorContext(r.Context(), "unexpected error", "error", err)
		httputil.Error(w, http.StatusInternalServerError, domain.KindInternal, "internal server error")
		return
	}
	if m.status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "credential operation error", "kind", kind, "error", err)
	}
	message := m.message
	if kind == domain.KindKeyCreationFailed && errors.Is(err, domain.ErrDeviceNotSecure) {
		message = "device has no secure lock screen"
	}
	httputil.Error(w, m.status, kind, message)
}

func writeInvalidRequest(w http.ResponseWriter, message string) {
	httputil.Error(w, http.StatusBadRequest, codeInvalidRequest, message)
}
