package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"automation/internal/engine"
	"automation/internal/model"
)

// engineErr maps engine failures to a response.
func (a *API) engineErr(w http.ResponseWriter, err error) {
	if errors.Is(err, engine.ErrStopped) {
		a.writeErr(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	a.writeErr(w, http.StatusInternalServerError, err.Error())
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.Engine.Messages(r.Context())
	if err != nil {
		a.engineErr(w, err)
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	a.writeJSON(w, http.StatusOK, msgs)
}

// handleReceiveMessages accepts the backend message list, as the app would
// after fetching it, and runs a check. ?from_startup=true marks the fetch
// done at launch.
func (a *API) handleReceiveMessages(w http.ResponseWriter, r *http.Request) {
	var dtos []model.RemoteMessage
	if err := decode(r, &dtos); err != nil {
		a.writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	msgs := make([]*model.Message, 0, len(dtos))
	for _, d := range dtos {
		msgs = append(msgs, d.Message())
	}
	fromStartup, _ := strconv.ParseBool(r.URL.Query().Get("from_startup"))
	if err := a.Engine.MessagesReceived(r.Context(), msgs, fromStartup); err != nil {
		a.engineErr(w, err)
		return
	}
	a.handleListMessages(w, r)
}

func (a *API) handleEvictMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		a.writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}
	removed, err := a.Engine.Evict(r.Context(), id)
	if err != nil {
		a.engineErr(w, err)
		return
	}
	if len(removed) == 0 {
		a.writeErr(w, http.StatusNotFound, "message not found")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"status": "evicted", "id": id})
}

type viewReq struct {
	View     string         `json:"view"`
	Metadata map[string]any `json:"metadata"`
}

func (a *API) handleView(w http.ResponseWriter, r *http.Request) {
	var req viewReq
	if err := decode(r, &req); err != nil {
		a.writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.View == "" {
		a.writeErr(w, http.StatusBadRequest, "view required")
		return
	}
	if err := a.Engine.ScreenViewed(r.Context(), req.View, req.Metadata); err != nil {
		a.engineErr(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok"})
}

type eventReq struct {
	Event    string         `json:"event"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

func (a *API) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventReq
	if err := decode(r, &req); err != nil {
		a.writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Event == "" {
		a.writeErr(w, http.StatusBadRequest, "event required")
		return
	}
	if err := a.Engine.EventHappened(r.Context(), req.Event, req.Name, req.Metadata); err != nil {
		a.engineErr(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok"})
}

// tagReq carries a tag update; a missing or null value removes the tag.
type tagReq struct {
	Tag   string  `json:"tag"`
	Value *string `json:"value"`
}

func (a *API) handleTag(w http.ResponseWriter, r *http.Request) {
	var req tagReq
	if err := decode(r, &req); err != nil {
		a.writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Tag == "" {
		a.writeErr(w, http.StatusBadRequest, "tag required")
		return
	}
	if err := a.Engine.TagChanged(r.Context(), req.Tag, req.Value); err != nil {
		a.engineErr(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok"})
}

type locationReq struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (a *API) handleLocation(w http.ResponseWriter, r *http.Request) {
	var req locationReq
	if err := decode(r, &req); err != nil {
		a.writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		a.writeErr(w, http.StatusBadRequest, "latitude and longitude required")
		return
	}
	if *req.Latitude < -90 || *req.Latitude > 90 || *req.Longitude < -180 || *req.Longitude > 180 {
		a.writeErr(w, http.StatusBadRequest, "coordinate out of range")
		return
	}
	if err := a.Engine.LocationUpdated(r.Context(), *req.Latitude, *req.Longitude); err != nil {
		a.engineErr(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok"})
}

func (a *API) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if err := a.Engine.AppBecameActive(r.Context()); err != nil {
		a.engineErr(w, err)
		return
	}
	a.handleSession(w, r)
}

func (a *API) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	if err := a.Engine.EnteredBackground(r.Context()); err != nil {
		a.engineErr(w, err)
		return
	}
	a.handleSession(w, r)
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	st, err := a.Engine.Session(r.Context())
	if err != nil {
		a.engineErr(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, st)
}

type checkReq struct {
	FromStartup bool `json:"from_startup"`
}

func (a *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkReq
	if err := decode(r, &req); err != nil {
		a.writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := a.Engine.CheckMessages(r.Context(), req.FromStartup); err != nil {
		a.engineErr(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"status": "checked"})
}
