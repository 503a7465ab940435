package handler

import (
	"net/http"
	"time"

	"device-credential-service/internal/platform"
	"device-credential-service/pkg/httputil"
)

// SimulatorHandler は端末シミュレータを操作するHTTPハンドラを提供する。
type SimulatorHandler struct {
	sim *platform.Simulator
}

// NewSimulatorHandler は新しいSimulatorHandlerを生成する。
func NewSimulatorHandler(sim *platform.Simulator) *SimulatorHandler {
	return &SimulatorHandler{sim: sim}
}

// SetLockRequest はロック設定のリクエスト形式。
type SetLockRequest struct {
	Secure *bool `json:"secure"`
}

// SetPromptsRequest はプロンプト結果のリクエスト形式。
type SetPromptsRequest struct {
	Setup   string `json:"setup"`
	Confirm string `json:"confirm"`
}

// SetAvailabilityRequest はプラットフォーム到達可否のリクエスト形式。
type SetAvailabilityRequest struct {
	Available *bool  `json:"available"`
	Latency   string `json:"latency"`
}

// GetState はシミュレータの状態を返す。
func (h *SimulatorHandler) GetState(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, h.sim.State())
}

// SetLock は端末のロック設定を切り替える。
func (h *SimulatorHandler) SetLock(w http.ResponseWriter, r *http.Request) {
	var req SetLockRequest
	if err := httputil.DecodeJSON(r, &req); err != nil || req.Secure == nil {
		writeInvalidRequest(w, "secure is required")
		return
	}
	h.sim.SetSecure(*req.Secure)
	httputil.JSON(w, http.StatusOK, h.sim.State())
}

// EnrollBiometric は生体情報の新規登録を再現する。
func (h *SimulatorHandler) EnrollBiometric(w http.ResponseWriter, r *http.Request) {
	id := h.sim.EnrollBiometric()
	httputil.JSON(w, http.StatusCreated, map[string]string{"enrollment_id": id})
}

// SetPrompts はプロンプトの結果を設定する。
func (h *SimulatorHandler) SetPrompts(w http.ResponseWriter, r *http.Request) {
	var req SetPromptsRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		writeInvalidRequest(w, "invalid request body")
		return
	}

	var setup platform.SetupOutcome
	if req.Setup != "" {
		o, err := platform.ParseSetupOutcome(req.Setup)
		if err != nil {
			writeInvalidRequest(w, err.Error())
			return
		}
		setup = o
	}
	var confirm platform.ConfirmOutcome
	if req.Confirm != "" {
		o, err := platform.ParseConfirmOutcome(req.Confirm)
		if err != nil {
			writeInvalidRequest(w, err.Error())
			return
		}
		confirm = o
	}

	h.sim.SetPromptOutcomes(setup, confirm)
	httputil.JSON(w, http.StatusOK, h.sim.State())
}

// SetAvailability はプラットフォームへの到達可否と応答遅延を設定する。
func (h *SimulatorHandler) SetAvailability(w http.ResponseWriter, r *http.Request) {
	var req SetAvailabilityRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		writeInvalidRequest(w, "invalid request body")
		return
	}
	if req.Latency != "" {
		latency, err := time.ParseDuration(req.Latency)
		if err != nil || latency < 0 {
			writeInvalidRequest(w, "invalid latency")
			return
		}
		h.sim.SetLatency(latency)
	}
	if req.Available != nil {
		h.sim.SetAvailable(*req.Available)
	}
	httputil.JSON(w, http.StatusOK, h.sim.State())
}
