package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"automation/internal/model"
)

// SchedulePush stores a push due at sp.DeliverAt, replacing any pending one
// for the same message.
func (s *Store) SchedulePush(sp model.ScheduledPush) error {
	payload, err := json.Marshal(sp.Push)
	if err != nil {
		return err
	}
	if sp.CreatedAt.IsZero() {
		sp.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO push_schedule (message_id, push_id, payload, deliver_at, created_at) VALUES (?,?,?,?,?)`,
		sp.MessageID, sp.Push.ID, string(payload), sp.DeliverAt.UnixMilli(), sp.CreatedAt.UnixMilli())
	return err
}

// HasScheduledPush reports whether a push is pending for the message.
func (s *Store) HasScheduledPush(messageID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var one int
	err := s.DB.QueryRow(`SELECT 1 FROM push_schedule WHERE message_id=?`, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// DuePushes lists pushes whose delivery time is at or before now.
func (s *Store) DuePushes(now time.Time) ([]model.ScheduledPush, error) {
	return s.queryScheduled(`SELECT message_id, payload, deliver_at, created_at FROM push_schedule WHERE deliver_at <= ? ORDER BY deliver_at ASC`, now.UnixMilli())
}

func (s *Store) ScheduledPushes() ([]model.ScheduledPush, error) {
	return s.queryScheduled(`SELECT message_id, payload, deliver_at, created_at FROM push_schedule ORDER BY deliver_at ASC`)
}

func (s *Store) queryScheduled(q string, args ...any) ([]model.ScheduledPush, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.DB.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ScheduledPush
	for rows.Next() {
		var (
			sp                 model.ScheduledPush
			payload            string
			deliverAt, created int64
		)
		if err := rows.Scan(&sp.MessageID, &payload, &deliverAt, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &sp.Push); err != nil {
			return nil, err
		}
		sp.DeliverAt = fromMillis(deliverAt)
		sp.CreatedAt = fromMillis(created)
		out = append(out, sp)
	}
	return out, rows.Err()
}

// DeleteScheduledPush removes a pending push; removed is false when none was pending.
func (s *Store) DeleteScheduledPush(messageID int) (removed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.DB.Exec(`DELETE FROM push_schedule WHERE message_id=?`, messageID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) MarkPushShown(messageID int, pushID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO push_shown (message_id, push_id, shown_at) VALUES (?,?,?)`,
		messageID, pushID, at.UnixMilli())
	return err
}

func (s *Store) PushShown(messageID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var one int
	err := s.DB.QueryRow(`SELECT 1 FROM push_shown WHERE message_id=?`, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) UnmarkPushShown(messageID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.DB.Exec(`DELETE FROM push_shown WHERE message_id=?`, messageID)
	return err
}

// LogPushDelivery appends to the delivery log.
func (s *Store) LogPushDelivery(d model.PushDelivery) error {
	if d.TS.IsZero() {
		d.TS = time.Now()
	}
	var errMsg any
	if d.Error != "" {
		errMsg = d.Error
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.DB.Exec(`INSERT INTO push_log (ts, message_id, push_id, backend, status, error) VALUES (?,?,?,?,?,?)`,
		d.TS.UnixMilli(), d.MessageID, d.PushID, d.Backend, d.Status, errMsg)
	return err
}

// PushDeliveriesAfter returns log entries with id > afterID, oldest first.
func (s *Store) PushDeliveriesAfter(afterID int64, limit int) ([]model.PushDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.DB.Query(`SELECT id, ts, message_id, COALESCE(push_id,''), COALESCE(backend,''), status, COALESCE(error,'')
		FROM push_log WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PushDelivery
	for rows.Next() {
		var (
			d  model.PushDelivery
			ts int64
		)
		if err := rows.Scan(&d.ID, &ts, &d.MessageID, &d.PushID, &d.Backend, &d.Status, &d.Error); err != nil {
			return nil, err
		}
		d.TS = fromMillis(ts)
		out = append(out, d)
	}
	return out, rows.Err()
}
