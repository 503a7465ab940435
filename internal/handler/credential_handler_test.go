package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/zalando/go-keyring"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"device-credential-service/config"
	"device-credential-service/internal/domain"
	"device-credential-service/internal/infra"
	"device-credential-service/internal/platform"
	"device-credential-service/internal/repository"
	"device-credential-service/internal/usecase"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type testEnv struct {
	router http.Handler
	h      *CredentialHandler
	sim    *platform.Simulator
	clock  *fakeClock
	db     *gorm.DB
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	keyring.MockInit()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := repository.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	sim := platform.NewSimulator(true, platform.WithSimulatorClock(clock.Now))
	service := usecase.NewCredentialService(
		sim,
		repository.NewKeystoreRepository(db),
		repository.NewPinRepository(db),
		infra.NewKeyringWrapper("handler-test"),
		usecase.WithClock(clock.Now),
	)
	h := NewCredentialHandler(service)
	return &testEnv{
		router: NewRouter(h, NewSimulatorHandler(sim), &config.Config{}),
		h:      h,
		sim:    sim,
		clock:  clock,
		db:     db,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var resp map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("invalid response body %q: %v", rec.Body.String(), err)
		}
	}
	return rec, resp
}

func withKeyName(req *http.Request, keyName string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("key_name", keyName)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestIsDeviceSecure(t *testing.T) {
	env := setupEnv(t)

	rec, resp := env.do(t, http.MethodGet, "/v1/device/secure", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	if resp["secure"] != true {
		t.Errorf("want secure=true, got %v", resp["secure"])
	}

	env.sim.SetAvailable(false)
	rec, resp = env.do(t, http.MethodGet, "/v1/device/secure", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("want status 503, got %d", rec.Code)
	}
	if resp["code"] != domain.KindPlatformUnavailable {
		t.Errorf("want PLATFORM_UNAVAILABLE, got %v", resp["code"])
	}
}

func TestMakeDeviceSecure(t *testing.T) {
	env := setupEnv(t)
	env.sim.SetSecure(false)
	env.sim.SetPromptOutcomes(platform.SetupDismiss, "")

	rec, resp := env.do(t, http.MethodPost, "/v1/device/secure", `{"message":"Set a screen lock","action_label":"Open settings"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	if resp["secured"] != false {
		t.Errorf("want secured=false, got %v", resp["secured"])
	}

	env.sim.SetPromptOutcomes(platform.SetupComplete, "")
	// ボディなしでも既定の文言で表示する
	_, resp = env.do(t, http.MethodPost, "/v1/device/secure", "")
	if resp["secured"] != true {
		t.Errorf("want secured=true, got %v", resp["secured"])
	}
}

func TestInitKey_Validation(t *testing.T) {
	env := setupEnv(t)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"malformed body", "/v1/keys/pin_v1", `{"reauth_timeout_secs":`, http.StatusBadRequest, codeInvalidRequest},
		{"unknown field", "/v1/keys/pin_v1", `{"timeout":30}`, http.StatusBadRequest, codeInvalidRequest},
		{"invalid key name", "/v1/keys/pin%20v1", `{"reauth_timeout_secs":30}`, http.StatusBadRequest, domain.KindInvalidKeyName},
		{"zero timeout", "/v1/keys/pin_v1", `{"reauth_timeout_secs":0}`, http.StatusUnprocessableEntity, domain.KindKeyCreationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := env.do(t, http.MethodPut, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("want status %d, got %d", tt.wantStatus, rec.Code)
			}
			if resp["code"] != tt.wantCode {
				t.Errorf("want code %s, got %v", tt.wantCode, resp["code"])
			}
		})
	}
}

func TestInitKey_InsecureDevice(t *testing.T) {
	env := setupEnv(t)
	env.sim.SetSecure(false)

	rec, resp := env.do(t, http.MethodPut, "/v1/keys/pin_v1", `{"reauth_timeout_secs":30}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("want status 422, got %d", rec.Code)
	}
	if resp["message"] != "device has no secure lock screen" {
		t.Errorf("unexpected message: %v", resp["message"])
	}
}

func TestPinLifecycle(t *testing.T) {
	env := setupEnv(t)

	rec, resp := env.do(t, http.MethodPut, "/v1/keys/pin_v1", `{"reauth_timeout_secs":30}`)
	if rec.Code != http.StatusOK || resp["initialized"] != true {
		t.Fatalf("init: status=%d body=%v", rec.Code, resp)
	}

	rec, resp = env.do(t, http.MethodPut, "/v1/keys/pin_v1/pin", `{"pin":"1234"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("want status 401 before authentication, got %d", rec.Code)
	}
	if resp["code"] != domain.KindAuthenticationRequired {
		t.Errorf("want AUTHENTICATION_REQUIRED, got %v", resp["code"])
	}

	rec, resp = env.do(t, http.MethodPost, "/v1/device/authenticate", "")
	if rec.Code != http.StatusOK || resp["authenticated"] != true {
		t.Fatalf("authenticate: status=%d body=%v", rec.Code, resp)
	}

	rec, resp = env.do(t, http.MethodPut, "/v1/keys/pin_v1/pin", `{"pin":"1234"}`)
	if rec.Code != http.StatusOK || resp["stored"] != true {
		t.Fatalf("store: status=%d body=%v", rec.Code, resp)
	}

	env.clock.now = env.clock.now.Add(20 * time.Second)
	rec, resp = env.do(t, http.MethodGet, "/v1/keys/pin_v1/pin", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	if resp["pin"] != "1234" {
		t.Errorf("want pin 1234, got %v", resp["pin"])
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("want Cache-Control no-store, got %q", rec.Header().Get("Cache-Control"))
	}

	rec, resp = env.do(t, http.MethodGet, "/v1/keys/pin_v1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	if resp["has_pin"] != true || resp["status"] != string(domain.KeyStatusInitialized) {
		t.Errorf("unexpected metadata: %v", resp)
	}
	if _, ok := resp["pin"]; ok {
		t.Error("metadata must not contain the pin")
	}

	env.clock.now = env.clock.now.Add(time.Minute)
	rec, _ = env.do(t, http.MethodGet, "/v1/keys/pin_v1/pin", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("want status 401 after window, got %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodDelete, "/v1/keys/pin_v1", "")
	if rec.Code != http.StatusAccepted {
		t.Errorf("want status 202, got %d", rec.Code)
	}
	rec, resp = env.do(t, http.MethodGet, "/v1/keys/pin_v1", "")
	if rec.Code != http.StatusNotFound || resp["code"] != domain.KindKeyNotFound {
		t.Errorf("want 404 KEY_NOT_FOUND, got %d %v", rec.Code, resp["code"])
	}
}

func TestRetrievePin_Invalidated(t *testing.T) {
	env := setupEnv(t)

	env.do(t, http.MethodPut, "/v1/keys/pin_v2", `{"reauth_timeout_secs":30,"invalidate_on_new_biometric_enrollment":true}`)
	env.do(t, http.MethodPost, "/v1/device/authenticate", "")
	env.do(t, http.MethodPut, "/v1/keys/pin_v2/pin", `{"pin":"5678"}`)

	rec, _ := env.do(t, http.MethodPost, "/v1/simulator/biometric-enrollments", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d", rec.Code)
	}

	rec, resp := env.do(t, http.MethodGet, "/v1/keys/pin_v2/pin", "")
	if rec.Code != http.StatusGone {
		t.Errorf("want status 410, got %d", rec.Code)
	}
	if resp["code"] != domain.KindKeyInvalidated {
		t.Errorf("want KEY_INVALIDATED, got %v", resp["code"])
	}

	_, resp = env.do(t, http.MethodGet, "/v1/keys/pin_v2", "")
	if resp["status"] != string(domain.KeyStatusInvalidated) || resp["has_pin"] != false {
		t.Errorf("unexpected metadata: %v", resp)
	}
}

func TestPin_RetryAuth(t *testing.T) {
	env := setupEnv(t)

	env.do(t, http.MethodPut, "/v1/keys/pin_v1", `{"reauth_timeout_secs":30}`)

	rec, resp := env.do(t, http.MethodPut, "/v1/keys/pin_v1/pin?retry_auth=true", `{"pin":"1234"}`)
	if rec.Code != http.StatusOK || resp["stored"] != true {
		t.Fatalf("store: status=%d body=%v", rec.Code, resp)
	}

	env.clock.now = env.clock.now.Add(time.Minute)
	rec, _ = env.do(t, http.MethodGet, "/v1/keys/pin_v1/pin", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("want status 401 without retry_auth, got %d", rec.Code)
	}

	rec, resp = env.do(t, http.MethodGet, "/v1/keys/pin_v1/pin?retry_auth=true", "")
	if rec.Code != http.StatusOK || resp["pin"] != "1234" {
		t.Fatalf("retrieve: status=%d body=%v", rec.Code, resp)
	}

	rec, _ = env.do(t, http.MethodPut, "/v1/simulator/prompts", `{"confirm":"decline"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set prompts: status=%d", rec.Code)
	}
	env.clock.now = env.clock.now.Add(time.Minute)
	rec, resp = env.do(t, http.MethodGet, "/v1/keys/pin_v1/pin?retry_auth=true", "")
	if rec.Code != http.StatusUnauthorized || resp["code"] != domain.KindAuthenticationRequired {
		t.Errorf("want 401 AUTHENTICATION_REQUIRED after decline, got %d %v", rec.Code, resp["code"])
	}

	rec, resp = env.do(t, http.MethodGet, "/v1/keys/pin_v1/pin?retry_auth=maybe", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400 for invalid retry_auth, got %d %v", rec.Code, resp)
	}
}

func TestStorePin_EmptyPin(t *testing.T) {
	env := setupEnv(t)

	req := withKeyName(httptest.NewRequest(http.MethodPut, "/v1/keys/pin_v1/pin", strings.NewReader(`{"pin":""}`)), "pin_v1")
	rec := httptest.NewRecorder()
	env.h.StorePin(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
	var resp map[string]any
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["code"] != domain.KindInvalidPinValue {
		t.Errorf("want INVALID_PIN_VALUE, got %v", resp["code"])
	}
}

func TestRetrievePin_KeyNotFound(t *testing.T) {
	env := setupEnv(t)

	req := withKeyName(httptest.NewRequest(http.MethodGet, "/v1/keys/missing/pin", nil), "missing")
	rec := httptest.NewRecorder()
	env.h.RetrievePin(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("want status 404, got %d", rec.Code)
	}
}

func TestDescribeKey_StorageFailure(t *testing.T) {
	env := setupEnv(t)
	sqlDB, _ := env.db.DB()
	sqlDB.Close()

	req := withKeyName(httptest.NewRequest(http.MethodGet, "/v1/keys/pin_v1", nil), "pin_v1")
	rec := httptest.NewRecorder()
	env.h.DescribeKey(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("want status 503, got %d", rec.Code)
	}
}
