// Package engine is the automation engine: it applies behavioral signals to
// the trigger state of every stored message, decides which messages fire and
// hands them to the in-app and push collaborators.
//
// All state mutation runs on one goroutine. Exported methods enqueue work on
// it and wait for the result, so a signal and a timer tick never interleave.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"automation/internal/messagestore"
	"automation/internal/model"
	"automation/internal/scheduler"
)

var ErrStopped = errors.New("engine: stopped")

// InAppPresenter shows in-app messages while the app is in foreground. An
// error means nothing was shown; the messages stay eligible.
type InAppPresenter interface {
	PresentInAppMessages(ctx context.Context, messages []*model.Message) error
}

// PushNotifier is the push-notification collaborator.
type PushNotifier interface {
	ShowPushNotifications(ctx context.Context, messages []*model.Message) error
	CancelPushNotification(ctx context.Context, m *model.Message) error
}

// Recorder appends telemetry records to the durable queue.
type Recorder interface {
	AppendView(v model.ViewRecord) (int64, error)
	AppendEvent(e model.EventRecord) (int64, error)
}

type Options struct {
	// IgnoreShownInApp skips in-app messages already presented once,
	// unless the message repeats.
	IgnoreShownInApp bool
}

type Engine struct {
	store     *messagestore.Store
	timers    *scheduler.Timers
	presenter InAppPresenter
	pushes    PushNotifier
	recorder  Recorder
	opts      Options
	log       zerolog.Logger
	now       func() time.Time

	ops     chan op
	stopped chan struct{}

	// owned by the actor goroutine
	state model.SessionState
}

type op struct {
	ctx context.Context
	fn  func(ctx context.Context) error
	res chan error
}

func New(store *messagestore.Store, timers *scheduler.Timers, presenter InAppPresenter, pushes PushNotifier, recorder Recorder, opts Options, log zerolog.Logger) *Engine {
	return &Engine{
		store:     store,
		timers:    timers,
		presenter: presenter,
		pushes:    pushes,
		recorder:  recorder,
		opts:      opts,
		log:       log,
		now:       time.Now,
		ops:       make(chan op),
		stopped:   make(chan struct{}),
		state:     store.LoadSession(),
	}
}

// Start runs the engine until ctx is done. Pending deferred completions are
// cancelled on exit.
func (e *Engine) Start(ctx context.Context) {
	go e.run(ctx)
}

func (e *Engine) run(ctx context.Context) {
	defer func() {
		e.timers.StopAll()
		close(e.stopped)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-e.ops:
			o.res <- o.fn(o.ctx)
		}
	}
}

// do runs fn on the engine goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func(ctx context.Context) error) error {
	o := op{ctx: ctx, fn: fn, res: make(chan error, 1)}
	select {
	case e.ops <- o:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-o.res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// async runs fn on the engine goroutine from a timer callback.
func (e *Engine) async(what string, fn func(ctx context.Context) error) func() {
	return func() {
		err := e.do(context.Background(), fn)
		if err != nil && !errors.Is(err, ErrStopped) {
			e.log.Error().Err(err).Str("task", what).Msg("deferred task")
		}
	}
}

// deferred schedules fn on the engine goroutine after delay. The task is
// claimed there, so a cancel made by an earlier queued signal still wins over
// a timer that already fired.
func (e *Engine) deferred(key scheduler.Key, delay time.Duration, what string, fn func(ctx context.Context) error) {
	e.timers.Schedule(key, delay, func(id uint64) {
		e.async(what, func(ctx context.Context) error {
			if !e.timers.Claim(key, id) {
				return nil
			}
			return fn(ctx)
		})()
	})
}

// Messages returns a deep copy of the stored messages.
func (e *Engine) Messages(ctx context.Context) ([]*model.Message, error) {
	var out []*model.Message
	err := e.do(ctx, func(context.Context) error {
		raw, err := json.Marshal(e.store.Messages())
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &out)
	})
	return out, err
}

// Session returns a copy of the session state.
func (e *Engine) Session(ctx context.Context) (model.SessionState, error) {
	var st model.SessionState
	err := e.do(ctx, func(context.Context) error {
		st = e.state
		st.Session.Starts = append([]time.Time(nil), e.state.Session.Starts...)
		st.ShownInApp = nil
		if len(e.state.ShownInApp) > 0 {
			st.ShownInApp = make(map[int]time.Time, len(e.state.ShownInApp))
			for id, at := range e.state.ShownInApp {
				st.ShownInApp[id] = at
			}
		}
		if e.state.LastLocation != nil {
			loc := *e.state.LastLocation
			st.LastLocation = &loc
		}
		return nil
	})
	return st, err
}

func (e *Engine) find(id int) *model.Message {
	for _, m := range e.store.Messages() {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (e *Engine) persistMessages() {
	e.store.Save(e.store.Messages(), false)
}

func (e *Engine) persistSession() {
	e.store.SaveSession(e.state)
}
