// Package messagestore keeps the durable copy of the automated messages,
// their last-fired trigger snapshots and the device session state as JSON
// documents on disk.
package messagestore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/peterbourgon/diskv/v3"
	"github.com/rs/zerolog"

	"automation/internal/model"
)

const (
	messagesKey = "automation_messages.json"
	sessionKey  = "automation_session.json"
)

func snapshotKey(id int) string {
	return fmt.Sprintf("automation_messages_%d_triggers.json", id)
}

// Store is the single writer of the message documents. Write failures are
// logged and absorbed: the in-memory list stays authoritative until the next
// successful write.
type Store struct {
	d   *diskv.Diskv
	log zerolog.Logger

	mu       sync.Mutex
	messages []*model.Message
}

// Open loads the stored message list from basePath. An unreadable document
// is logged and treated as empty.
func Open(basePath string, log zerolog.Logger) *Store {
	s := &Store{
		d: diskv.New(diskv.Options{
			BasePath:     basePath,
			TempDir:      filepath.Join(basePath, ".tmp"),
			CacheSizeMax: 1024 * 1024, // 1MB
		}),
		log: log,
	}
	if s.d.Has(messagesKey) {
		raw, err := s.d.Read(messagesKey)
		if err == nil {
			err = json.Unmarshal(raw, &s.messages)
		}
		if err != nil {
			s.log.Error().Err(err).Msg("load messages")
			s.messages = nil
		}
	}
	return s
}

// Messages returns the current list. The slice is a copy; the messages are shared.
func (s *Store) Messages() []*model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Save replaces the stored list. With fromRefresh the list is a fresh
// definition set from the backend and is merged with the local state first.
// It returns the list that is now current.
func (s *Store) Save(messages []*model.Message, fromRefresh bool) []*model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fromRefresh {
		messages = merge(s.messages, messages)
	}
	s.messages = messages
	s.writeJSON(messagesKey, messages)

	out := make([]*model.Message, len(messages))
	copy(out, messages)
	return out
}

// merge keeps each locally stored message whose id is refreshed, swapping in
// the new trigger definitions with progress migrated by trigger id. Messages
// missing from the refresh stay until evicted.
func merge(local, fresh []*model.Message) []*model.Message {
	byID := make(map[int]*model.Message, len(local))
	for _, m := range local {
		byID[m.ID] = m
	}
	seen := make(map[int]bool, len(fresh))
	out := make([]*model.Message, 0, len(fresh)+len(local))
	for _, n := range fresh {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		old, ok := byID[n.ID]
		if !ok {
			out = append(out, n)
			continue
		}
		// an automated message whose refreshed definition did not parse keeps
		// its stored set and progress
		switch {
		case n.Triggers != nil:
			n.Triggers.MigrateFrom(old.Triggers)
			old.Triggers = n.Triggers
		case !n.AutomationIsOn:
			old.Triggers = nil
		}
		old.SendAfterDays = n.SendAfterDays
		old.RepeatTimes = n.RepeatTimes
		old.AutomationIsOn = n.AutomationIsOn
		out = append(out, old)
	}
	for _, m := range local {
		if !seen[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// Evict removes messages and their snapshots. It returns the ids removed.
func (s *Store) Evict(ids ...int) []int {
	drop := make(map[int]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0:0]
	var removed []int
	for _, m := range s.messages {
		if drop[m.ID] {
			removed = append(removed, m.ID)
			continue
		}
		kept = append(kept, m)
	}
	if len(removed) == 0 {
		return nil
	}
	s.messages = kept
	s.writeJSON(messagesKey, kept)
	for _, id := range removed {
		if err := s.d.Erase(snapshotKey(id)); err != nil && s.d.Has(snapshotKey(id)) {
			s.log.Error().Err(err).Int("message_id", id).Msg("erase snapshot")
		}
	}
	return removed
}

// Snapshot returns the last-fired trigger state of a message, nil if none.
func (s *Store) Snapshot(id int) []byte {
	key := snapshotKey(id)
	if !s.d.Has(key) {
		return nil
	}
	raw, err := s.d.Read(key)
	if err != nil {
		s.log.Error().Err(err).Int("message_id", id).Msg("read snapshot")
		return nil
	}
	return raw
}

func (s *Store) SaveSnapshot(id int, state []byte) {
	if err := s.d.Write(snapshotKey(id), state); err != nil {
		s.log.Error().Err(err).Int("message_id", id).Msg("write snapshot")
	}
}

// LoadSession returns the persisted session state, or a zero state.
func (s *Store) LoadSession() model.SessionState {
	var st model.SessionState
	if !s.d.Has(sessionKey) {
		return st
	}
	raw, err := s.d.Read(sessionKey)
	if err == nil {
		err = json.Unmarshal(raw, &st)
	}
	if err != nil {
		s.log.Error().Err(err).Msg("load session")
		return model.SessionState{}
	}
	return st
}

func (s *Store) SaveSession(st model.SessionState) {
	s.writeJSON(sessionKey, st)
}

func (s *Store) writeJSON(key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("encode document")
		return
	}
	if err := s.d.Write(key, raw); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("write document")
	}
}
