package sender

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"automation/internal/model"
)

func fastRetries(t *testing.T) {
	t.Helper()
	prevBase, prevMax := baseBackoff, maxBackoff
	baseBackoff, maxBackoff = time.Millisecond, 5*time.Millisecond
	t.Cleanup(func() { baseBackoff, maxBackoff = prevBase, prevMax })
}

func TestSendViewsWireFormat(t *testing.T) {
	var got map[string][]map[string]any
	var auth, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/project/client-views" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		key = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok", time.Second, zerolog.Nop())
	ts := time.Unix(1700000000, 0)
	err := c.SendViews(context.Background(), []model.ViewRecord{
		{ID: 1, View: "Home", Timestamp: ts},
		{ID: 2, View: "Cart", Metadata: map[string]any{"items": 3}, Timestamp: ts},
	})
	if err != nil {
		t.Fatalf("SendViews: %v", err)
	}
	if auth != "Bearer tok" || key == "" {
		t.Fatalf("headers: auth=%q key=%q", auth, key)
	}
	views := got["views"]
	if len(views) != 2 {
		t.Fatalf("views: %v", got)
	}
	if _, ok := views[0]["metadata"]; ok {
		t.Fatalf("absent metadata must be omitted: %v", views[0])
	}
	if views[1]["metadata"] != `{"items":3}` || views[1]["timestamp"] != float64(1700000000) {
		t.Fatalf("second view: %v", views[1])
	}
}

func TestSendEventsRetriesServerErrors(t *testing.T) {
	fastRetries(t)
	var calls int32
	keys := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys[r.Header.Get("Idempotency-Key")] = true
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second, zerolog.Nop())
	err := c.SendEvents(context.Background(), []model.EventRecord{{Event: "open", Timestamp: time.Now()}})
	if err != nil {
		t.Fatalf("SendEvents: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if len(keys) != 1 {
		t.Fatalf("retries should reuse one idempotency key, got %d", len(keys))
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	fastRetries(t)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second, zerolog.Nop())
	err := c.SendViews(context.Background(), []model.ViewRecord{{View: "x", Timestamp: time.Now()}})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Fatalf("expected StatusError 400, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestNotConfigured(t *testing.T) {
	c := New("", "", 0, zerolog.Nop())
	if err := c.SendViews(context.Background(), nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&StatusError{Code: 429}, true},
		{&StatusError{Code: 502}, true},
		{&StatusError{Code: 404}, false},
		{errors.New("read: connection reset by peer"), true},
		{errors.New("unexpected EOF"), true},
		{context.Canceled, false},
		{errors.New("invalid character"), false},
	}
	for _, tc := range cases {
		if got := isRetryable(tc.err); got != tc.want {
			t.Errorf("isRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
