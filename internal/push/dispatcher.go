// Package push is the push-notification collaborator of the engine: it keeps
// the shown set, defers pushes by sendAfterDays and hands them to a delivery
// backend.
package push

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"automation/internal/model"
	"automation/internal/storage"
)

// Deliverer sends one push to the device owner.
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, messageID int, p model.PushMessage) error
}

type Dispatcher struct {
	store     *storage.Store
	deliverer Deliverer
	log       zerolog.Logger
	now       func() time.Time
}

func New(store *storage.Store, deliverer Deliverer, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{store: store, deliverer: deliverer, log: log, now: time.Now}
}

// ShowPushNotifications delivers or schedules the push of each message.
// A message with a pending scheduled push is left alone; one already shown
// is skipped unless it repeats.
func (d *Dispatcher) ShowPushNotifications(ctx context.Context, messages []*model.Message) error {
	var errs []error
	for _, m := range messages {
		if m.Push == nil {
			continue
		}
		if err := d.show(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) show(ctx context.Context, m *model.Message) error {
	pending, err := d.store.HasScheduledPush(m.ID)
	if err != nil {
		return err
	}
	if pending {
		return nil
	}
	shown, err := d.store.PushShown(m.ID)
	if err != nil {
		return err
	}
	if shown && m.RepeatTimes == 0 {
		return nil
	}

	if m.SendAfterDays > 0 {
		now := d.now()
		sp := model.ScheduledPush{
			MessageID: m.ID,
			Push:      *m.Push,
			DeliverAt: now.Add(time.Duration(m.SendAfterDays) * 24 * time.Hour),
			CreatedAt: now,
		}
		if err := d.store.SchedulePush(sp); err != nil {
			return err
		}
		d.log.Info().Int("message_id", m.ID).Time("deliver_at", sp.DeliverAt).Msg("push scheduled")
		d.logDelivery(m.ID, m.Push.ID, model.DeliveryScheduled, nil)
		return nil
	}
	return d.deliver(ctx, m.ID, *m.Push)
}

// CancelPushNotification drops the pending push of m and clears its shown flag.
func (d *Dispatcher) CancelPushNotification(ctx context.Context, m *model.Message) error {
	removed, err := d.store.DeleteScheduledPush(m.ID)
	if err != nil {
		return err
	}
	if err := d.store.UnmarkPushShown(m.ID); err != nil {
		return err
	}
	if removed {
		pushID := ""
		if m.Push != nil {
			pushID = m.Push.ID
		}
		d.log.Info().Int("message_id", m.ID).Msg("scheduled push cancelled")
		d.logDelivery(m.ID, pushID, model.DeliveryCancelled, nil)
	}
	return nil
}

// DeliverDue sends every scheduled push that is due. Failed deliveries stay
// scheduled and are retried on the next call.
func (d *Dispatcher) DeliverDue(ctx context.Context, now time.Time) (int, error) {
	due, err := d.store.DuePushes(now)
	if err != nil {
		return 0, err
	}
	sent := 0
	var errs []error
	for _, sp := range due {
		if err := d.deliver(ctx, sp.MessageID, sp.Push); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := d.store.DeleteScheduledPush(sp.MessageID); err != nil {
			errs = append(errs, err)
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, messageID int, p model.PushMessage) error {
	err := d.deliverer.Deliver(ctx, messageID, p)
	if err != nil {
		d.log.Error().Err(err).Int("message_id", messageID).Str("backend", d.deliverer.Name()).Msg("push delivery failed")
		d.logDelivery(messageID, p.ID, model.DeliveryFailed, err)
		return err
	}
	d.logDelivery(messageID, p.ID, model.DeliverySent, nil)
	return d.store.MarkPushShown(messageID, p.ID, d.now())
}

func (d *Dispatcher) logDelivery(messageID int, pushID, status string, err error) {
	entry := model.PushDelivery{
		TS:        d.now(),
		MessageID: messageID,
		PushID:    pushID,
		Backend:   d.deliverer.Name(),
		Status:    status,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if lerr := d.store.LogPushDelivery(entry); lerr != nil {
		d.log.Error().Err(lerr).Msg("write push log")
	}
}

// LogDeliverer only writes the push to the log. It is the default backend
// when no device channel is configured.
type LogDeliverer struct {
	Log zerolog.Logger
}

func (LogDeliverer) Name() string { return "log" }

func (l LogDeliverer) Deliver(ctx context.Context, messageID int, p model.PushMessage) error {
	l.Log.Info().Int("message_id", messageID).Str("push_id", p.ID).Str("title", p.Title).Str("body", p.Body).Msg("push")
	return nil
}
