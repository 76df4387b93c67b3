package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"automation/internal/model"
)

const (
	viewsPath  = "/project/client-views"
	eventsPath = "/project/client-events"
)

var ErrNotConfigured = errors.New("sender: api base url not configured")

// Client posts queued telemetry to the remote API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	log     zerolog.Logger
}

func New(baseURL, token string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Retry/backoff configuration
var (
	maxAttempts = 3
	baseBackoff = 2 * time.Second
	maxBackoff  = 20 * time.Second
	jitterPct   = 0.20
)

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("post %s: status %d: %s", e.URL, e.Code, e.Body)
	}
	return fmt.Sprintf("post %s: status %d", e.URL, e.Code)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || (se.Code >= 500 && se.Code <= 599)
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout"),
		strings.Contains(s, "temporary"),
		strings.Contains(s, "eof"),
		strings.Contains(s, "reset"),
		strings.Contains(s, "refused"),
		strings.Contains(s, "deadline"):
		return true
	default:
		return false
	}
}

func withRetry(ctx context.Context, fn func() error) error {
	attempt := 0
	backoff := baseBackoff
	for {
		err := fn()
		if err == nil {
			return nil
		}
		attempt++
		if attempt >= maxAttempts || !isRetryable(err) {
			return err
		}
		// exponential backoff with jitter
		wait := backoff
		if j := int64(float64(backoff) * jitterPct); j > 0 {
			wait += time.Duration(rand.Int63n(j))
		}
		if wait > maxBackoff {
			wait = maxBackoff
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

type viewPayload struct {
	View      string `json:"view"`
	Metadata  string `json:"metadata,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type eventPayload struct {
	Event     string `json:"event"`
	Name      string `json:"name,omitempty"`
	Metadata  string `json:"metadata,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// metadataString encodes metadata as the JSON string the API expects.
func metadataString(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

// SendViews posts views to /project/client-views.
func (c *Client) SendViews(ctx context.Context, views []model.ViewRecord) error {
	body := struct {
		Views []viewPayload `json:"views"`
	}{Views: make([]viewPayload, 0, len(views))}
	for _, v := range views {
		body.Views = append(body.Views, viewPayload{
			View:      v.View,
			Metadata:  metadataString(v.Metadata),
			Timestamp: v.Timestamp.Unix(),
		})
	}
	return c.post(ctx, viewsPath, body)
}

// SendEvents posts events to /project/client-events.
func (c *Client) SendEvents(ctx context.Context, events []model.EventRecord) error {
	body := struct {
		Events []eventPayload `json:"events"`
	}{Events: make([]eventPayload, 0, len(events))}
	for _, e := range events {
		body.Events = append(body.Events, eventPayload{
			Event:     e.Event,
			Name:      e.Name,
			Metadata:  metadataString(e.Metadata),
			Timestamp: e.Timestamp.Unix(),
		})
	}
	return c.post(ctx, eventsPath, body)
}

// post sends body with retries. All attempts share one idempotency key so
// the API can drop duplicates of a batch it already accepted.
func (c *Client) post(ctx context.Context, path string, body any) error {
	if c.BaseURL == "" {
		return ErrNotConfigured
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := c.BaseURL + path
	key := uuid.NewString()

	attempt := 0
	return withRetry(ctx, func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Idempotency-Key", key)
		if c.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}
		res, err := c.HTTP.Do(req)
		if err != nil {
			c.log.Warn().Err(err).Str("path", path).Int("attempt", attempt).Msg("post failed")
			return err
		}
		defer res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
			c.log.Warn().Int("status", res.StatusCode).Str("path", path).Int("attempt", attempt).Msg("post rejected")
			return &StatusError{Code: res.StatusCode, URL: url, Body: strings.TrimSpace(string(msg))}
		}
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	})
}
