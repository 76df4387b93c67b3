package storage

import (
	"database/sql"

	"automation/internal/model"
)

const deleteChunk = 500

// AppendView persists a view record and returns its local id.
func (s *Store) AppendView(v model.ViewRecord) (int64, error) {
	meta, err := encodeMetadata(v.Metadata)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.DB.Exec(`INSERT INTO view (view, metadata, timestamp) VALUES (?,?,?)`,
		v.View, meta, v.Timestamp.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListViews returns up to limit pending views, oldest first. A limit <= 0
// returns the whole queue.
func (s *Store) ListViews(limit int) ([]model.ViewRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.DB.Query(`SELECT id, view, metadata, timestamp FROM view ORDER BY timestamp ASC, id ASC LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ViewRecord
	for rows.Next() {
		var (
			v    model.ViewRecord
			meta sql.NullString
			ts   int64
		)
		if err := rows.Scan(&v.ID, &v.View, &meta, &ts); err != nil {
			return nil, err
		}
		v.Metadata = decodeMetadata(meta)
		v.Timestamp = fromMillis(ts)
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteViews removes exactly the given ids. An empty set is a no-op.
func (s *Store) DeleteViews(ids []int64) error {
	return s.deleteIDs("view", ids)
}

// AppendEvent persists an event record and returns its local id.
func (s *Store) AppendEvent(e model.EventRecord) (int64, error) {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return 0, err
	}
	var name any
	if e.Name != "" {
		name = e.Name
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.DB.Exec(`INSERT INTO event (event, name, metadata, timestamp) VALUES (?,?,?,?)`,
		e.Event, name, meta, e.Timestamp.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListEvents returns up to limit pending events, oldest first. A limit <= 0
// returns the whole queue.
func (s *Store) ListEvents(limit int) ([]model.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.DB.Query(`SELECT id, event, name, metadata, timestamp FROM event ORDER BY timestamp ASC, id ASC LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EventRecord
	for rows.Next() {
		var (
			e    model.EventRecord
			name sql.NullString
			meta sql.NullString
			ts   int64
		)
		if err := rows.Scan(&e.ID, &e.Event, &name, &meta, &ts); err != nil {
			return nil, err
		}
		e.Name = name.String
		e.Metadata = decodeMetadata(meta)
		e.Timestamp = fromMillis(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteEvents(ids []int64) error {
	return s.deleteIDs("event", ids)
}

// PendingCounts returns the queued view and event counts.
func (s *Store) PendingCounts() (views, events int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err = s.DB.QueryRow(`SELECT COUNT(*) FROM view`).Scan(&views); err != nil {
		return 0, 0, err
	}
	if err = s.DB.QueryRow(`SELECT COUNT(*) FROM event`).Scan(&events); err != nil {
		return 0, 0, err
	}
	return views, events, nil
}

// sqlLimit maps "no limit" to sqlite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// deleteIDs removes ids in chunks of deleteChunk, all in one transaction, so
// a large backlog stays under sqlite's bound-variable limit.
func (s *Store) deleteIDs(table string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for start := 0; start < len(ids); start += deleteChunk {
		end := min(start+deleteChunk, len(ids))
		in, args := inClause(ids[start:end])
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE id IN `+in, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}
