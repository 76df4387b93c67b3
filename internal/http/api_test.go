package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"automation/internal/engine"
	"automation/internal/messagestore"
	"automation/internal/model"
	"automation/internal/push"
	"automation/internal/scheduler"
	"automation/internal/sender"
	"automation/internal/storage"
	"automation/internal/telemetry"
)

type testEnv struct {
	router   http.Handler
	hub      *Hub
	store    *storage.Store
	uploads  *atomic.Int32
	status   *atomic.Int32
	schedule *scheduler.Scheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zerolog.Nop()
	store, err := storage.Open("file:" + filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	uploads, status := &atomic.Int32{}, &atomic.Int32{}
	status.Store(http.StatusOK)
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploads.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	t.Cleanup(remote.Close)

	hub := NewHub(log)
	eng := engine.New(messagestore.Open(t.TempDir(), log), scheduler.NewTimers(), hub,
		push.New(store, push.LogDeliverer{Log: log}, log), store, engine.Options{IgnoreShownInApp: true}, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	eng.Start(ctx)

	uploader := telemetry.NewUploader(store, sender.New(remote.URL, "token", 5*time.Second, log), 10*time.Second, time.Minute, log)
	sched := scheduler.New(eng, uploader, nil, 30*time.Second, 10*time.Second, log)

	return &testEnv{
		router: NewRouter(Deps{
			Engine:    eng,
			Store:     store,
			Uploader:  uploader,
			Scheduler: sched,
			Hub:       hub,
			Log:       log,
		}),
		hub:      hub,
		store:    store,
		uploads:  uploads,
		status:   status,
		schedule: sched,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

const cartMessages = `[{
	"id": 7, "title": "Cart", "type": "push", "automation": true,
	"push": {"id": "p7", "title": "Still thinking?", "body": "Your cart misses you"},
	"triggers": {"method": "all", "triggers": [{"id": "A", "type": "event", "event_name": "add_to_cart", "times": 1}]}
}]`

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMessagesAndSignals(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/messages", cartMessages)
	if rec.Code != http.StatusOK {
		t.Fatalf("post messages: %d %s", rec.Code, rec.Body.String())
	}
	var msgs []model.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Triggers == nil || len(msgs[0].Triggers.Triggers) != 1 {
		t.Fatalf("stored messages: %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/signals/event", `{"event":"add_to_cart","metadata":{"sku":"A1"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("event: %d %s", rec.Code, rec.Body.String())
	}
	shown, err := env.store.PushShown(7)
	if err != nil || !shown {
		t.Fatalf("push for message 7 should be delivered: %v %v", shown, err)
	}

	rec = env.do(t, http.MethodGet, "/api/telemetry/pending", "")
	if !strings.Contains(rec.Body.String(), `"events":1`) {
		t.Fatalf("pending: %s", rec.Body.String())
	}
}

func TestSignalValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		path, body string
	}{
		{"/api/signals/view", `{}`},
		{"/api/signals/event", `{"name":"x"}`},
		{"/api/signals/tag", `{"value":"x"}`},
		{"/api/signals/location", `{"latitude":10}`},
		{"/api/signals/location", `{"latitude":100,"longitude":0}`},
		{"/api/signals/view", `{not json`},
	}
	for _, c := range cases {
		if rec := env.do(t, http.MethodPost, c.path, c.body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s %s: got %d", c.path, c.body, rec.Code)
		}
	}
}

func TestTagRemovalAcceptsNull(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodPost, "/api/signals/tag", `{"tag":"plan","value":null}`); rec.Code != http.StatusAccepted {
		t.Fatalf("tag removal: %d %s", rec.Code, rec.Body.String())
	}
}

func TestEvictMessage(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/messages", cartMessages)

	if rec := env.do(t, http.MethodDelete, "/api/messages/7", ""); rec.Code != http.StatusOK {
		t.Fatalf("evict: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodDelete, "/api/messages/7", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second evict: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/messages/abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/api/messages", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("list after evict: %s", rec.Body.String())
	}
}

func TestTelemetryFlush(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/signals/view", `{"view":"Home"}`)
	env.do(t, http.MethodPost, "/api/signals/event", `{"event":"open"}`)

	rec := env.do(t, http.MethodPost, "/api/telemetry/flush", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("flush: %d %s", rec.Code, rec.Body.String())
	}
	var res telemetry.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Views != 1 || res.Events != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := env.uploads.Load(); got != 2 {
		t.Fatalf("remote calls = %d, want 2", got)
	}
	views, events, _ := env.store.PendingCounts()
	if views != 0 || events != 0 {
		t.Fatalf("queue not drained: %d views, %d events", views, events)
	}
}

func TestTelemetryFlushFailureKeepsRecords(t *testing.T) {
	env := newTestEnv(t)
	env.status.Store(http.StatusBadRequest)
	env.do(t, http.MethodPost, "/api/signals/view", `{"view":"Home"}`)

	if rec := env.do(t, http.MethodPost, "/api/telemetry/flush", ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("flush: %d %s", rec.Code, rec.Body.String())
	}
	if views, _, _ := env.store.PendingCounts(); views != 1 {
		t.Fatalf("views pending = %d, want 1", views)
	}
}

func TestSetIntervals(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPut, "/api/settings/intervals", `{"automation_seconds":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set: %d %s", rec.Code, rec.Body.String())
	}
	automation, telemetry := env.schedule.Intervals()
	if automation != 5*time.Second || telemetry != 10*time.Second {
		t.Fatalf("intervals = %v %v", automation, telemetry)
	}
	if rec := env.do(t, http.MethodPut, "/api/settings/intervals", `{"telemetry_seconds":-1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative interval: %d", rec.Code)
	}
}

func TestWhatsAppDisabled(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodGet, "/api/whatsapp/pair/qr", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pair qr: %d", rec.Code)
	}
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	_, a, cancelA := hub.Subscribe()
	defer cancelA()
	_, b, cancelB := hub.Subscribe()
	cancelB()
	if hub.Clients() != 1 {
		t.Fatalf("clients = %d", hub.Clients())
	}

	if err := hub.PresentInAppMessages(context.Background(), []*model.Message{{ID: 3, Title: "Hi", InApp: &model.InAppMessage{ID: 3}}}); err != nil {
		t.Fatalf("present: %v", err)
	}
	select {
	case got := <-a:
		if !bytes.Contains(got, []byte(`"message_id":3`)) {
			t.Fatalf("payload: %s", got)
		}
	default:
		t.Fatal("subscribed client got nothing")
	}
	select {
	case <-b:
		t.Fatal("unsubscribed client received a batch")
	default:
	}
}

func TestHubWithoutClientReportsFailure(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	err := hub.PresentInAppMessages(context.Background(), []*model.Message{{ID: 3}})
	if !errors.Is(err, ErrNoClient) {
		t.Fatalf("err = %v, want ErrNoClient", err)
	}
}

// openInAppStream connects to the SSE endpoint and waits until the hub has
// registered the client.
func openInAppStream(t *testing.T, env *testEnv) *bufio.Scanner {
	t.Helper()
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/inapp/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	for deadline := time.Now().Add(2 * time.Second); env.hub.Clients() == 0; {
		if time.Now().After(deadline) {
			t.Fatal("client never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return bufio.NewScanner(resp.Body)
}

// nextInAppData returns the data line of the next in-app event.
func nextInAppData(t *testing.T, sc *bufio.Scanner) string {
	t.Helper()
	sawEvent := false
	for sc.Scan() {
		line := sc.Text()
		if line == "event: inapp" {
			sawEvent = true
			continue
		}
		if sawEvent && strings.HasPrefix(line, "data: ") {
			return line
		}
	}
	t.Fatalf("stream ended without an in-app event: %v", sc.Err())
	return ""
}

func TestInAppStream(t *testing.T) {
	env := newTestEnv(t)
	sc := openInAppStream(t, env)

	env.do(t, http.MethodPost, "/api/messages", `[{
		"id": 1, "title": "Welcome", "type": "in_app", "automation": true,
		"in_app_message": {"id": 1, "title": "Welcome back"},
		"triggers": {"method": "all", "triggers": []}
	}]`)
	env.do(t, http.MethodPost, "/api/session/start", "")

	if line := nextInAppData(t, sc); !strings.Contains(line, `"message_id":1`) {
		t.Fatalf("data line: %s", line)
	}
}

func TestInAppRetriedOnceClientConnects(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/session/start", "")
	env.do(t, http.MethodPost, "/api/messages", `[{
		"id": 2, "title": "Promo", "type": "in_app", "automation": true,
		"in_app_message": {"id": 2, "title": "10% off"},
		"triggers": {"method": "all", "triggers": [{"id": "E", "type": "event", "event_name": "purchase", "times": 1}]}
	}]`)
	// fires with nobody listening
	env.do(t, http.MethodPost, "/api/signals/event", `{"event":"purchase"}`)

	rec := env.do(t, http.MethodGet, "/api/session", "")
	if strings.Contains(rec.Body.String(), "shownInApp") {
		t.Fatalf("undelivered message must not be marked shown: %s", rec.Body.String())
	}

	sc := openInAppStream(t, env)
	if rec := env.do(t, http.MethodPost, "/api/check", ""); rec.Code != http.StatusOK {
		t.Fatalf("check: %d", rec.Code)
	}
	if line := nextInAppData(t, sc); !strings.Contains(line, `"message_id":2`) {
		t.Fatalf("data line: %s", line)
	}
}
