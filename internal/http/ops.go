package httpapi

import (
	"context"
	"net/http"
	"time"

	"automation/internal/model"
)

func (a *API) handleTelemetryPending(w http.ResponseWriter, r *http.Request) {
	views, events, err := a.Store.PendingCounts()
	if err != nil {
		a.writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"views": views, "events": events})
}

// handleTelemetryFlush forces a flush, ignoring the failure backoff.
func (a *API) handleTelemetryFlush(w http.ResponseWriter, r *http.Request) {
	res, err := a.Uploader.Flush(r.Context())
	if err != nil {
		a.writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "result": res})
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

func (a *API) handleScheduledPushes(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ScheduledPushes()
	if err != nil {
		a.writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []model.ScheduledPush{}
	}
	a.writeJSON(w, http.StatusOK, list)
}

type intervalsReq struct {
	AutomationSeconds float64 `json:"automation_seconds"`
	TelemetrySeconds  float64 `json:"telemetry_seconds"`
}

func (a *API) handleGetIntervals(w http.ResponseWriter, r *http.Request) {
	automation, telemetry := a.Scheduler.Intervals()
	a.writeJSON(w, http.StatusOK, intervalsReq{
		AutomationSeconds: automation.Seconds(),
		TelemetrySeconds:  telemetry.Seconds(),
	})
}

// handleSetIntervals changes the timer periods. An omitted field keeps the
// current value.
func (a *API) handleSetIntervals(w http.ResponseWriter, r *http.Request) {
	var req intervalsReq
	if err := decode(r, &req); err != nil {
		a.writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AutomationSeconds < 0 || req.TelemetrySeconds < 0 {
		a.writeErr(w, http.StatusBadRequest, "intervals must be positive")
		return
	}
	automation := time.Duration(req.AutomationSeconds * float64(time.Second))
	telemetry := time.Duration(req.TelemetrySeconds * float64(time.Second))
	restarted := a.Scheduler.SetIntervals(automation, telemetry)
	if telemetry > 0 {
		a.Uploader.SetInterval(telemetry)
	}
	automation, telemetry = a.Scheduler.Intervals()
	a.Log.Info().Dur("automation", automation).Dur("telemetry", telemetry).Bool("restarted", restarted).Msg("intervals updated")
	a.writeJSON(w, http.StatusOK, map[string]any{
		"automation_seconds": automation.Seconds(),
		"telemetry_seconds":  telemetry.Seconds(),
		"restarted":          restarted,
	})
}

func (a *API) handleWhatsAppStatus(w http.ResponseWriter, r *http.Request) {
	if a.WhatsApp == nil {
		a.writeErr(w, http.StatusNotFound, "whatsapp backend disabled")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"status": a.WhatsApp.Status()})
}

func (a *API) handleWhatsAppPairQR(w http.ResponseWriter, r *http.Request) {
	if a.WhatsApp == nil {
		a.writeErr(w, http.StatusNotFound, "whatsapp backend disabled")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 90*time.Second)
	defer cancel()
	png, _, err := a.WhatsApp.StartPairing(ctx)
	if err != nil {
		a.writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	// stale codes must not be cached by browser or proxy
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}
