package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"automation/internal/model"
)

// clientBuffer is how many undelivered in-app batches a slow client may hold
// before new ones are dropped for it.
const clientBuffer = 16

// Hub fans in-app messages out to the connected SSE clients. It is the
// engine's in-app presenter.
type Hub struct {
	log zerolog.Logger

	mu      sync.Mutex
	clients map[string]chan []byte
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{log: log, clients: make(map[string]chan []byte)}
}

type inAppEvent struct {
	MessageID int                 `json:"message_id"`
	Title     string              `json:"title"`
	InApp     *model.InAppMessage `json:"in_app_message"`
	Repeat    int                 `json:"repeat_times"`
	ShownAt   string              `json:"shown_at"`
}

// ErrNoClient is returned when no connected client accepted an in-app batch.
var ErrNoClient = errors.New("no in-app client connected")

// PresentInAppMessages encodes the batch before returning: the messages are
// owned by the engine and must not be read after the call. It succeeds when
// at least one client accepted the batch.
func (h *Hub) PresentInAppMessages(ctx context.Context, messages []*model.Message) error {
	now := time.Now().UTC().Format(time.RFC3339)
	events := make([]inAppEvent, 0, len(messages))
	for _, m := range messages {
		events = append(events, inAppEvent{MessageID: m.ID, Title: m.Title, InApp: m.InApp, Repeat: m.RepeatTimes, ShownAt: now})
	}
	b, err := json.Marshal(events)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for id, ch := range h.clients {
		select {
		case ch <- b:
			delivered++
		default:
			h.log.Warn().Str("client", id).Msg("in-app client is behind, batch dropped")
		}
	}
	if delivered == 0 {
		return ErrNoClient
	}
	return nil
}

// Subscribe registers a client. The returned func unregisters it.
func (h *Hub) Subscribe() (string, <-chan []byte, func()) {
	id := uuid.NewString()
	ch := make(chan []byte, clientBuffer)
	h.mu.Lock()
	h.clients[id] = ch
	h.mu.Unlock()
	return id, ch, func() {
		h.mu.Lock()
		delete(h.clients, id)
		h.mu.Unlock()
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (a *API) startStream(w http.ResponseWriter) (http.Flusher, bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeErr(w, http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}
	// kick off stream
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()
	return flusher, true
}

func writeEvent(w http.ResponseWriter, f http.Flusher, event string, b []byte) {
	if event != "" {
		_, _ = w.Write([]byte("event: " + event + "\n"))
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n\n"))
	f.Flush()
}

func (a *API) handleInAppStream(w http.ResponseWriter, r *http.Request) {
	if a.Hub == nil {
		a.writeErr(w, http.StatusNotFound, "in-app stream disabled")
		return
	}
	flusher, ok := a.startStream(w)
	if !ok {
		return
	}
	id, ch, unsubscribe := a.Hub.Subscribe()
	defer unsubscribe()
	a.Log.Debug().Str("client", id).Msg("in-app client connected")

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case b := <-ch:
			writeEvent(w, flusher, "inapp", b)
		case <-ping.C:
			_, _ = w.Write([]byte(":ping\n\n"))
			flusher.Flush()
		}
	}
}

// handlePushLogStream tails the push delivery log.
func (a *API) handlePushLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := a.startStream(w)
	if !ok {
		return
	}
	lastID := int64(0)
	if v := r.URL.Query().Get("after"); v != "" {
		lastID, _ = strconv.ParseInt(v, 10, 64)
	}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			entries, err := a.Store.PushDeliveriesAfter(lastID, 100)
			if err != nil {
				// keep trying
				continue
			}
			for _, d := range entries {
				if d.ID > lastID {
					lastID = d.ID
				}
				b, err := json.Marshal(d)
				if err != nil {
					continue
				}
				writeEvent(w, flusher, "", b)
			}
		}
	}
}
