package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"device-credential-service/config"
	"device-credential-service/internal/middleware"
)

// NewRouter はルーターを生成する。sim が nil の場合はシミュレータのルートを登録しない。
func NewRouter(h *CredentialHandler, sim *SimulatorHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Route("/v1/device", func(r chi.Router) {
		r.Get("/secure", h.IsDeviceSecure)
		r.Post("/secure", h.MakeDeviceSecure)
		r.Post("/authenticate", h.Authenticate)
	})

	r.Route("/v1/keys/{key_name}", func(r chi.Router) {
		r.Put("/", h.InitKey)
		r.Get("/", h.DescribeKey)
		r.Delete("/", h.DeleteKey)
		r.Put("/pin", h.StorePin)
		r.Get("/pin", h.RetrievePin)
	})

	if sim != nil {
		r.Route("/v1/simulator", func(r chi.Router) {
			r.Get("/", sim.GetState)
			r.Put("/lock", sim.SetLock)
			r.Post("/biometric-enrollments", sim.EnrollBiometric)
			r.Put("/prompts", sim.SetPrompts)
			r.Put("/availability", sim.SetAvailability)
		})
	}

	if cfg.OtelEnabled {
		return otelhttp.NewHandler(r, cfg.OtelServiceName)
	}
	return r
}
