// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"device-credential-service/internal/domain"
	"device-credential-service/internal/middleware"
	"device-credential-service/internal/usecase"
	"device-credential-service/pkg/httputil"
)

// CredentialHandler は端末認証基盤のHTTPハンドラを提供する。
type CredentialHandler struct {
	service *usecase.CredentialService
}

// NewCredentialHandler は新しいCredentialHandlerを生成する。
func NewCredentialHandler(service *usecase.CredentialService) *CredentialHandler {
	return &CredentialHandler{service: service}
}

// MakeSecureRequest はロック設定プロンプトのリクエスト形式。
type MakeSecureRequest struct {
	Message     string `json:"message"`
	ActionLabel string `json:"action_label"`
}

// InitKeyRequest は鍵初期化のリクエスト形式。
type InitKeyRequest struct {
	ReauthTimeoutSecs                  int  `json:"reauth_timeout_secs"`
	InvalidateOnNewBiometricEnrollment bool `json:"invalidate_on_new_biometric_enrollment"`
}

// StorePinRequest はPIN保存のリクエスト形式。
type StorePinRequest struct {
	Pin string `json:"pin"`
}

// KeyMetadataResponse は鍵メタデータのレスポンス形式。
type KeyMetadataResponse struct {
	KeyName                            string `json:"key_name"`
	ReauthTimeoutSecs                  int    `json:"reauth_timeout_secs"`
	InvalidateOnNewBiometricEnrollment bool   `json:"invalidate_on_new_biometric_enrollment"`
	Status                             string `json:"status"`
	HasPin                             bool   `json:"has_pin"`
	CreatedAt                          string `json:"created_at"`
	UpdatedAt                          string `json:"updated_at"`
}

// IsDeviceSecure は端末にロックが設定されているかを返す。
func (h *CredentialHandler) IsDeviceSecure(w http.ResponseWriter, r *http.Request) {
	secure, err := h.service.IsDeviceSecure(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]bool{"secure": secure})
}

// MakeDeviceSecure はロック設定プロンプトを表示する。
func (h *CredentialHandler) MakeDeviceSecure(w http.ResponseWriter, r *http.Request) {
	var req MakeSecureRequest
	if err := httputil.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeInvalidRequest(w, "invalid request body")
		return
	}

	secured, err := h.service.MakeDeviceSecure(r.Context(), domain.EnrollmentRequest{
		Message:     req.Message,
		ActionLabel: req.ActionLabel,
	})
	middleware.WriteAuditLog(r.Context(), "MAKE_DEVICE_SECURE", "", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]bool{"secured": secured})
}

// Authenticate は端末の認証情報の確認を求める。
func (h *CredentialHandler) Authenticate(w http.ResponseWriter, r *http.Request) {
	authenticated, err := h.service.Authenticate(r.Context())
	middleware.WriteAuditLog(r.Context(), "AUTHENTICATE", "", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]bool{"authenticated": authenticated})
}

// InitKey はキーストア鍵を初期化する。
func (h *CredentialHandler) InitKey(w http.ResponseWriter, r *http.Request) {
	keyName := chi.URLParam(r, "key_name")

	var req InitKeyRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		writeInvalidRequest(w, "invalid request body")
		return
	}

	initialized, err := h.service.KeystoreInit(r.Context(), domain.KeystoreKeySpec{
		KeyName:                            keyName,
		ReauthTimeoutSecs:                  req.ReauthTimeoutSecs,
		InvalidateOnNewBiometricEnrollment: req.InvalidateOnNewBiometricEnrollment,
	})
	middleware.WriteAuditLog(r.Context(), "KEYSTORE_INIT", keyName, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]bool{"initialized": initialized})
}

// DescribeKey はキーストア鍵のメタデータを返す。
func (h *CredentialHandler) DescribeKey(w http.ResponseWriter, r *http.Request) {
	keyName := chi.URLParam(r, "key_name")

	metadata, err := h.service.DescribeKey(r.Context(), keyName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, KeyMetadataResponse{
		KeyName:                            metadata.KeyName,
		ReauthTimeoutSecs:                  metadata.ReauthTimeoutSecs,
		InvalidateOnNewBiometricEnrollment: metadata.InvalidateOnNewBiometricEnrollment,
		Status:                             string(metadata.Status),
		HasPin:                             metadata.HasPin,
		CreatedAt:                          metadata.CreatedAt.Format(time.RFC3339),
		UpdatedAt:                          metadata.UpdatedAt.Format(time.RFC3339),
	})
}

// DeleteKey はキーストア鍵と保存済みPINを削除する。
func (h *CredentialHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	keyName := chi.URLParam(r, "key_name")

	err := h.service.DeleteKey(r.Context(), keyName)
	middleware.WriteAuditLog(r.Context(), "DELETE_KEY", keyName, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// StorePin はPINを封印して保存する。
func (h *CredentialHandler) StorePin(w http.ResponseWriter, r *http.Request) {
	keyName := chi.URLParam(r, "key_name")

	var req StorePinRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		writeInvalidRequest(w, "invalid request body")
		return
	}

	retry, ok := retryAuth(w, r)
	if !ok {
		return
	}
	store := func(ctx context.Context) (bool, error) {
		return h.service.StorePin(ctx, keyName, req.Pin)
	}
	var stored bool
	var err error
	if retry {
		stored, err = usecase.RetryAfterAuthentication(r.Context(), h.service, store)
	} else {
		stored, err = store(r.Context())
	}
	middleware.WriteAuditLog(r.Context(), "STORE_PIN", keyName, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]bool{"stored": stored})
}

// RetrievePin は封印されたPINを開封して返す。
func (h *CredentialHandler) RetrievePin(w http.ResponseWriter, r *http.Request) {
	keyName := chi.URLParam(r, "key_name")

	retry, ok := retryAuth(w, r)
	if !ok {
		return
	}
	retrieve := func(ctx context.Context) (string, error) {
		return h.service.RetrievePin(ctx, keyName)
	}
	var pin string
	var err error
	if retry {
		pin, err = usecase.RetryAfterAuthentication(r.Context(), h.service, retrieve)
	} else {
		pin, err = retrieve(r.Context())
	}
	middleware.WriteAuditLog(r.Context(), "RETRIEVE_PIN", keyName, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httputil.JSON(w, http.StatusOK, map[string]string{"pin": pin})
}

// retryAuth は retry_auth クエリを解釈する。true の場合、再認証が必要なら確認を求めて1回だけ再試行する。
func retryAuth(w http.ResponseWriter, r *http.Request) (bool, bool) {
	v := r.URL.Query().Get("retry_auth")
	if v == "" {
		return false, true
	}
	retry, err := strconv.ParseBool(v)
	if err != nil {
		writeInvalidRequest(w, "retry_auth must be a boolean")
		return false, false
	}
	return retry, true
}
