package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"automation/internal/engine"
	"automation/internal/scheduler"
	"automation/internal/storage"
	"automation/internal/telemetry"
	"automation/internal/wa"
)

// Deps are the components the API drives. WhatsApp is nil unless the
// whatsapp push backend is configured.
type Deps struct {
	Engine    *engine.Engine
	Store     *storage.Store
	Uploader  *telemetry.Uploader
	Scheduler *scheduler.Scheduler
	Hub       *Hub
	WhatsApp  *wa.Manager
	Log       zerolog.Logger
}

type API struct {
	Deps
	Router *chi.Mux
}

func NewRouter(d Deps) *chi.Mux {
	api := &API{Deps: d, Router: chi.NewRouter()}
	r := api.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	api.routes()
	return r
}

func (a *API) routes() {
	// Streams stay open; everything else is bounded.
	a.Router.Get("/api/inapp/stream", a.handleInAppStream)
	a.Router.Get("/api/push/log/stream", a.handlePushLogStream)

	a.Router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(120 * time.Second))

		r.Get("/api/health", a.handleHealth)

		r.Get("/api/messages", a.handleListMessages)
		r.Post("/api/messages", a.handleReceiveMessages)
		r.Delete("/api/messages/{id}", a.handleEvictMessage)

		// Behavioral signals
		r.Post("/api/signals/view", a.handleView)
		r.Post("/api/signals/event", a.handleEvent)
		r.Post("/api/signals/tag", a.handleTag)
		r.Post("/api/signals/location", a.handleLocation)

		// App lifecycle
		r.Post("/api/session/start", a.handleSessionStart)
		r.Post("/api/session/end", a.handleSessionEnd)
		r.Get("/api/session", a.handleSession)
		r.Post("/api/check", a.handleCheck)

		r.Get("/api/telemetry/pending", a.handleTelemetryPending)
		r.Post("/api/telemetry/flush", a.handleTelemetryFlush)

		r.Get("/api/push/scheduled", a.handleScheduledPushes)
		r.Get("/api/settings/intervals", a.handleGetIntervals)
		r.Put("/api/settings/intervals", a.handleSetIntervals)

		r.Get("/api/whatsapp/status", a.handleWhatsAppStatus)
		r.Get("/api/whatsapp/pair/qr", a.handleWhatsAppPairQR)
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().Format(time.RFC3339),
	})
}

// decode reads a JSON body; an empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (a *API) writeErr(w http.ResponseWriter, code int, msg string) {
	a.writeJSON(w, code, map[string]any{"error": msg})
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		a.Log.Debug().Err(err).Msg("writeJSON")
	}
}
