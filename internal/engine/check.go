package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"automation/internal/model"
	"automation/internal/trigger"
)

// check evaluates every automated message and dispatches the valid ones.
// Runs on the engine goroutine.
func (e *Engine) check(ctx context.Context, fromStartup bool) error {
	now := e.now()
	tctx := trigger.Context{Now: now, FromStartup: fromStartup, Session: e.state.Session}

	var inApp, pushes []*model.Message
	snapshots := make(map[int][]byte)
	for _, m := range e.store.Messages() {
		if !m.AutomationIsOn || m.Triggers == nil || !m.InWindow(now) {
			continue
		}
		if !m.Triggers.IsValid(tctx) {
			continue
		}
		// an in-app only message waits for the foreground without consuming its repeat snapshot
		if m.Push == nil && !e.state.Foreground {
			continue
		}
		state, ok := e.repeatAllowed(m, fromStartup)
		if !ok {
			continue
		}
		if state != nil {
			snapshots[m.ID] = state
		}
		if m.InApp != nil && e.state.Foreground {
			inApp = append(inApp, m)
		}
		if m.Push != nil {
			pushes = append(pushes, m)
		}
	}

	// snapshots are committed only for messages that reached a collaborator,
	// so an undelivered message fires again on the next check
	if len(inApp) > 0 {
		for _, m := range e.presentInApp(ctx, inApp, now) {
			e.commitSnapshot(m.ID, snapshots)
		}
	}
	if len(pushes) > 0 && e.pushes != nil {
		if err := e.pushes.ShowPushNotifications(ctx, pushes); err != nil {
			// not fatal: the next signal or tick retries
			e.log.Error().Err(err).Int("count", len(pushes)).Msg("show push notifications")
		} else {
			for _, m := range pushes {
				e.commitSnapshot(m.ID, snapshots)
			}
		}
	}
	return nil
}

// repeatAllowed applies repeat control to a repeating message: it fires again
// only when its trigger state differs from the state it last fired with.
// App-opening messages evaluated at startup skip the comparison. The returned
// state is the snapshot to commit once the message was delivered; it is nil
// for messages that do not repeat.
func (e *Engine) repeatAllowed(m *model.Message, fromStartup bool) ([]byte, bool) {
	if m.RepeatTimes <= 0 {
		return nil, true
	}
	state, err := json.Marshal(m.Triggers)
	if err != nil {
		e.log.Error().Err(err).Int("message_id", m.ID).Msg("encode trigger snapshot")
		return nil, false
	}
	if !(fromStartup && m.Triggers.Has(trigger.TypeAppOpening)) {
		if bytes.Equal(e.store.Snapshot(m.ID), state) {
			return nil, false
		}
	}
	return state, true
}

func (e *Engine) commitSnapshot(id int, snapshots map[int][]byte) {
	state, ok := snapshots[id]
	if !ok {
		return
	}
	e.store.SaveSnapshot(id, state)
	delete(snapshots, id)
}

// presentInApp hands the in-app messages to the presenter and returns the
// ones it accepted. Nothing is marked shown when the presenter fails.
func (e *Engine) presentInApp(ctx context.Context, messages []*model.Message, now time.Time) []*model.Message {
	show := messages[:0:0]
	for _, m := range messages {
		if e.opts.IgnoreShownInApp && m.RepeatTimes <= 0 {
			if _, seen := e.state.ShownInApp[m.ID]; seen {
				continue
			}
		}
		show = append(show, m)
	}
	if len(show) == 0 || e.presenter == nil {
		return nil
	}
	if err := e.presenter.PresentInAppMessages(ctx, show); err != nil {
		e.log.Warn().Err(err).Int("count", len(show)).Msg("in-app messages not delivered, retried next check")
		return nil
	}
	if e.state.ShownInApp == nil {
		e.state.ShownInApp = make(map[int]time.Time)
	}
	for _, m := range show {
		e.state.ShownInApp[m.ID] = now
	}
	e.persistSession()
	return show
}
