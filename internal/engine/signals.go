package engine

import (
	"context"
	"time"

	"automation/internal/model"
	"automation/internal/scheduler"
	"automation/internal/trigger"
)

// maxSessionStarts bounds the stored session history; InactiveUser only
// needs the last two starts.
const maxSessionStarts = 2

// MessagesReceived stores a fresh message list from the backend and
// re-evaluates it. Trigger definitions are parsed once, for automated
// messages that do not carry a parsed set yet.
func (e *Engine) MessagesReceived(ctx context.Context, messages []*model.Message, fromStartup bool) error {
	return e.do(ctx, func(ctx context.Context) error {
		for _, m := range messages {
			if !m.AutomationIsOn || m.Triggers != nil || len(m.RawTriggers) == 0 {
				continue
			}
			set, err := trigger.ParseDefinition(m.RawTriggers)
			if err != nil {
				e.log.Warn().Err(err).Int("message_id", m.ID).Msg("unreadable trigger definition")
				continue
			}
			m.Triggers = set
		}
		merged := e.store.Save(messages, true)
		e.log.Info().Int("received", len(messages)).Int("stored", len(merged)).Msg("messages refreshed")
		return e.check(ctx, fromStartup)
	})
}

// ScreenViewed counts a screen view. Pending dwell completions are cancelled
// first: the user left whatever screen they were waiting on.
func (e *Engine) ScreenViewed(ctx context.Context, view string, metadata map[string]any) error {
	return e.do(ctx, func(ctx context.Context) error {
		now := e.now()
		e.record(model.ViewRecord{View: view, Metadata: metadata, Timestamp: now})

		e.timers.CancelMatching(func(k scheduler.Key) bool { return k.Kind == scheduler.KindViewDwell })

		sig := trigger.ViewSignal{View: view}
		changed := false
		for _, m := range e.store.Messages() {
			if m.Triggers == nil {
				continue
			}
			for i, t := range m.Triggers.Triggers {
				if !trigger.Apply(t, sig, now).Changed {
					continue
				}
				changed = true
				v := t.(*trigger.View)
				if !v.ThresholdReached() || v.CompletionDate != nil {
					continue
				}
				if v.Dwell() <= 0 {
					v.Complete(now)
					continue
				}
				key := scheduler.Key{MessageID: m.ID, Index: i, Kind: scheduler.KindViewDwell}
				e.deferred(key, v.Dwell(), "view dwell", e.completeView(m.ID, i, v.ID))
			}
		}
		if changed {
			e.persistMessages()
		}
		return e.check(ctx, false)
	})
}

func (e *Engine) completeView(messageID, index int, triggerID string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		m := e.find(messageID)
		if m == nil || m.Triggers == nil || index >= len(m.Triggers.Triggers) {
			return nil
		}
		v, ok := m.Triggers.Triggers[index].(*trigger.View)
		if !ok || v.ID != triggerID || !v.Complete(e.now()) {
			return nil
		}
		e.persistMessages()
		return e.check(ctx, false)
	}
}

// EventHappened counts a custom event. event is the key triggers match on;
// name is an optional display name sent with the telemetry.
func (e *Engine) EventHappened(ctx context.Context, event, name string, metadata map[string]any) error {
	return e.do(ctx, func(ctx context.Context) error {
		now := e.now()
		e.record(model.EventRecord{Event: event, Name: name, Metadata: metadata, Timestamp: now})
		if e.applyAll(trigger.EventSignal{Event: event, Metadata: metadata}, now, nil) {
			e.persistMessages()
		}
		return e.check(ctx, false)
	})
}

// TagChanged applies a tag change. A nil value means the tag was removed.
// When a tag invalidates a trigger of a delayed push, the pending push is
// cancelled.
func (e *Engine) TagChanged(ctx context.Context, tag string, value *string) error {
	return e.do(ctx, func(ctx context.Context) error {
		now := e.now()
		var invalidated []*model.Message
		seen := make(map[int]bool)
		changed := e.applyAll(trigger.TagSignal{Tag: tag, Value: value}, now, func(m *model.Message, _ int, out trigger.Outcome) {
			if out.Tag == trigger.TagInvalid && m.Push != nil && m.SendAfterDays != 0 && !seen[m.ID] {
				seen[m.ID] = true
				invalidated = append(invalidated, m)
			}
		})
		for _, m := range invalidated {
			e.cancelPush(ctx, m)
		}
		if changed {
			e.persistMessages()
		}
		return e.check(ctx, false)
	})
}

// LocationUpdated compares the new position with the last known one.
// Deferred location completions get a re-check at their completion date.
func (e *Engine) LocationUpdated(ctx context.Context, latitude, longitude float64) error {
	return e.do(ctx, func(ctx context.Context) error {
		now := e.now()
		cur := trigger.Coordinate{Latitude: latitude, Longitude: longitude}
		sig := trigger.LocationSignal{Previous: e.state.LastLocation, Current: cur}

		changed := e.applyAll(sig, now, func(m *model.Message, i int, out trigger.Outcome) {
			if out.RecheckAt == nil {
				return
			}
			key := scheduler.Key{MessageID: m.ID, Index: i, Kind: scheduler.KindLocationRecheck}
			e.deferred(key, out.RecheckAt.Sub(now), "location recheck", func(ctx context.Context) error {
				return e.check(ctx, false)
			})
		})
		e.state.LastLocation = &cur
		e.persistSession()
		if changed {
			e.persistMessages()
		}
		return e.check(ctx, false)
	})
}

// AppBecameActive starts a session and runs the startup evaluation.
func (e *Engine) AppBecameActive(ctx context.Context) error {
	return e.do(ctx, func(ctx context.Context) error {
		now := e.now()
		e.state.Session.Count++
		e.state.Session.Starts = append(e.state.Session.Starts, now)
		if n := len(e.state.Session.Starts); n > maxSessionStarts {
			e.state.Session.Starts = append([]time.Time(nil), e.state.Session.Starts[n-maxSessionStarts:]...)
		}
		e.state.Foreground = true
		e.persistSession()
		return e.check(ctx, true)
	})
}

// EnteredBackground ends the foreground window. In-flight work is not cancelled.
func (e *Engine) EnteredBackground(ctx context.Context) error {
	return e.do(ctx, func(context.Context) error {
		e.state.Foreground = false
		e.persistSession()
		return nil
	})
}

// CheckMessages re-evaluates every stored message.
func (e *Engine) CheckMessages(ctx context.Context, fromStartup bool) error {
	return e.do(ctx, func(ctx context.Context) error {
		return e.check(ctx, fromStartup)
	})
}

// Evict removes messages locally, with their deferred tasks and pending pushes.
func (e *Engine) Evict(ctx context.Context, ids ...int) ([]int, error) {
	var removed []int
	err := e.do(ctx, func(ctx context.Context) error {
		byID := make(map[int]*model.Message)
		for _, m := range e.store.Messages() {
			byID[m.ID] = m
		}
		removed = e.store.Evict(ids...)
		for _, id := range removed {
			e.timers.CancelMatching(func(k scheduler.Key) bool { return k.MessageID == id })
			delete(e.state.ShownInApp, id)
			if m := byID[id]; m != nil && m.Push != nil {
				e.cancelPush(ctx, m)
			}
		}
		if len(removed) > 0 {
			e.persistSession()
		}
		return nil
	})
	return removed, err
}

func (e *Engine) cancelPush(ctx context.Context, m *model.Message) {
	if e.pushes == nil {
		return
	}
	if err := e.pushes.CancelPushNotification(ctx, m); err != nil {
		e.log.Error().Err(err).Int("message_id", m.ID).Msg("cancel push")
	}
}

// applyAll applies sig to every trigger of every stored message and reports
// whether any trigger changed.
func (e *Engine) applyAll(sig trigger.Signal, now time.Time, visit func(m *model.Message, index int, out trigger.Outcome)) bool {
	changed := false
	for _, m := range e.store.Messages() {
		if m.Triggers == nil {
			continue
		}
		for i, t := range m.Triggers.Triggers {
			out := trigger.Apply(t, sig, now)
			if out.Changed {
				changed = true
			}
			if visit != nil {
				visit(m, i, out)
			}
		}
	}
	return changed
}

func (e *Engine) record(r any) {
	if e.recorder == nil {
		return
	}
	var err error
	switch v := r.(type) {
	case model.ViewRecord:
		_, err = e.recorder.AppendView(v)
	case model.EventRecord:
		_, err = e.recorder.AppendEvent(v)
	}
	if err != nil {
		e.log.Error().Err(err).Msg("append telemetry")
	}
}
