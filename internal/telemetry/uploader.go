// Package telemetry drains the local view/event queue to the remote API.
package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"automation/internal/model"
)

// Queue is the durable record queue.
type Queue interface {
	ListViews(limit int) ([]model.ViewRecord, error)
	DeleteViews(ids []int64) error
	ListEvents(limit int) ([]model.EventRecord, error)
	DeleteEvents(ids []int64) error
}

// API is the remote endpoint pair.
type API interface {
	SendViews(ctx context.Context, views []model.ViewRecord) error
	SendEvents(ctx context.Context, events []model.EventRecord) error
}

// DefaultBatchSize bounds one upload request.
const DefaultBatchSize = 500

type Result struct {
	Views   int  `json:"views"`
	Events  int  `json:"events"`
	Skipped bool `json:"skipped"`
}

// Uploader runs at most one flush at a time. Records are deleted only after
// the API accepted them, and only the ids that were sent.
type Uploader struct {
	queue Queue
	api   API
	log   zerolog.Logger

	inFlight atomic.Bool
	batch    int

	mu          sync.Mutex
	interval    time.Duration
	maxBackoff  time.Duration
	failures    int
	nextAttempt time.Time
	now         func() time.Time
}

func NewUploader(queue Queue, api API, interval, maxBackoff time.Duration, log zerolog.Logger) *Uploader {
	return &Uploader{
		queue:      queue,
		api:        api,
		log:        log,
		interval:   interval,
		maxBackoff: maxBackoff,
		batch:      DefaultBatchSize,
		now:        time.Now,
	}
}

// SetInterval updates the base interval used to compute the failure backoff.
func (u *Uploader) SetInterval(d time.Duration) {
	u.mu.Lock()
	u.interval = d
	u.mu.Unlock()
}

// Tick is the timer entry point: it skips the cycle while backing off after failures.
func (u *Uploader) Tick(ctx context.Context) error {
	u.mu.Lock()
	wait := u.nextAttempt.After(u.now())
	u.mu.Unlock()
	if wait {
		u.log.Debug().Msg("flush skipped, backing off")
		return nil
	}
	_, err := u.Flush(ctx)
	return err
}

// Flush uploads pending views, then pending events. A call made while a
// flush is in flight returns immediately with Skipped set.
func (u *Uploader) Flush(ctx context.Context) (Result, error) {
	if !u.inFlight.CompareAndSwap(false, true) {
		return Result{Skipped: true}, nil
	}
	defer u.inFlight.Store(false)

	var res Result
	viewsSent, viewErr := u.flushViews(ctx)
	res.Views = viewsSent
	eventsSent, eventErr := u.flushEvents(ctx)
	res.Events = eventsSent

	err := errors.Join(viewErr, eventErr)
	u.record(err)
	return res, err
}

// flushViews uploads the view queue one page at a time. It stops at the
// first failure; pages already uploaded stay deleted.
func (u *Uploader) flushViews(ctx context.Context) (int, error) {
	sent := 0
	for {
		views, err := u.queue.ListViews(u.batch)
		if err != nil || len(views) == 0 {
			return sent, err
		}
		if err := u.api.SendViews(ctx, views); err != nil {
			u.log.Warn().Err(err).Int("count", len(views)).Msg("views upload failed, kept for next cycle")
			return sent, err
		}
		ids := make([]int64, len(views))
		for i, v := range views {
			ids[i] = v.ID
		}
		if err := u.queue.DeleteViews(ids); err != nil {
			// delivered but not deleted: the page is sent again next cycle
			u.log.Error().Err(err).Int("count", len(ids)).Msg("delete uploaded views")
			return sent + len(views), err
		}
		sent += len(views)
		u.log.Debug().Int("count", len(views)).Msg("views uploaded")
		if len(views) < u.batch {
			return sent, nil
		}
		if err := ctx.Err(); err != nil {
			return sent, err
		}
	}
}

func (u *Uploader) flushEvents(ctx context.Context) (int, error) {
	sent := 0
	for {
		events, err := u.queue.ListEvents(u.batch)
		if err != nil || len(events) == 0 {
			return sent, err
		}
		if err := u.api.SendEvents(ctx, events); err != nil {
			u.log.Warn().Err(err).Int("count", len(events)).Msg("events upload failed, kept for next cycle")
			return sent, err
		}
		ids := make([]int64, len(events))
		for i, e := range events {
			ids[i] = e.ID
		}
		if err := u.queue.DeleteEvents(ids); err != nil {
			u.log.Error().Err(err).Int("count", len(ids)).Msg("delete uploaded events")
			return sent + len(events), err
		}
		sent += len(events)
		u.log.Debug().Int("count", len(events)).Msg("events uploaded")
		if len(events) < u.batch {
			return sent, nil
		}
		if err := ctx.Err(); err != nil {
			return sent, err
		}
	}
}

// record updates the failure backoff: interval * 2^failures, capped.
func (u *Uploader) record(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err == nil {
		u.failures = 0
		u.nextAttempt = time.Time{}
		return
	}
	u.failures++
	if u.interval <= 0 || u.maxBackoff <= 0 {
		return
	}
	delay := u.interval
	for i := 1; i < u.failures && delay < u.maxBackoff; i++ {
		delay *= 2
	}
	if delay > u.maxBackoff {
		delay = u.maxBackoff
	}
	u.nextAttempt = u.now().Add(delay)
}
