// Package trigger models the conditions attached to an automated message:
// the six trigger variants, their ANY/ALL composition, the signals that
// advance them and the two record shapes they are stored in (the remote
// definition and the local persisted state).
package trigger

import (
	"errors"
	"time"
)

// Type is the persisted trigger discriminator. The numeric values are part
// of the on-disk format and must not be reordered.
type Type int

const (
	TypeLocation Type = iota
	TypeAppOpening
	TypeView
	TypeInactiveUser
	TypeEvent
	TypeTagChange
	TypeUnknown
)

var ErrUnknownType = errors.New("trigger: unknown type")

func (t Type) String() string {
	switch t {
	case TypeLocation:
		return "location"
	case TypeAppOpening:
		return "app_opening"
	case TypeView:
		return "view"
	case TypeInactiveUser:
		return "inactive_user"
	case TypeEvent:
		return "event"
	case TypeTagChange:
		return "tag_change"
	default:
		return "unknown"
	}
}

func typeFromName(s string) Type {
	switch s {
	case "location":
		return TypeLocation
	case "app_opening":
		return TypeAppOpening
	case "view":
		return TypeView
	case "inactive_user":
		return TypeInactiveUser
	case "event":
		return TypeEvent
	case "tag_change":
		return TypeTagChange
	default:
		return TypeUnknown
	}
}

// Session is the device session history a trigger may be evaluated against.
type Session struct {
	// Count is the lifetime number of app-open sessions.
	Count int `json:"count"`
	// Starts holds the most recent session start dates, oldest first.
	Starts []time.Time `json:"starts,omitempty"`
}

// InactiveDays returns the whole number of days between the last two
// session starts. ok is false when fewer than two starts are known.
func (s Session) InactiveDays() (days int, ok bool) {
	n := len(s.Starts)
	if n < 2 {
		return 0, false
	}
	gap := s.Starts[n-1].Sub(s.Starts[n-2])
	if gap < 0 {
		return 0, true
	}
	return int(gap / (24 * time.Hour)), true
}

// Context is what validity is evaluated against.
type Context struct {
	Now         time.Time
	FromStartup bool
	Session     Session
}

// Trigger is implemented only by the variants in this package.
type Trigger interface {
	TriggerID() string
	Kind() Type
	Completion() *time.Time
	IsValid(ctx Context) bool
	base() *Base
}

// Base carries the fields common to every variant.
type Base struct {
	ID             string
	CompletionDate *time.Time
}

func (b *Base) TriggerID() string      { return b.ID }
func (b *Base) Completion() *time.Time { return b.CompletionDate }
func (b *Base) base() *Base            { return b }

// completedBy reports whether the trigger became satisfied at or before now.
// A completion date in the future is a deferred satisfaction.
func (b *Base) completedBy(now time.Time) bool {
	return b.CompletionDate != nil && !b.CompletionDate.After(now)
}

func (b *Base) complete(at time.Time) {
	at = at.UTC()
	b.CompletionDate = &at
}

// MigrateProgress copies the progress of from onto to: the completion date
// and, when both variants count occurrences, the occurrence counter.
func MigrateProgress(from, to Trigger) {
	if from == nil || to == nil {
		return
	}
	if c := from.Completion(); c != nil {
		v := *c
		to.base().CompletionDate = &v
	} else {
		to.base().CompletionDate = nil
	}
	if n, ok := counter(from); ok {
		switch t := to.(type) {
		case *View:
			t.NumberOfTimes = n
		case *Event:
			t.NumberOfTimes = n
		}
	}
}

func counter(t Trigger) (int, bool) {
	switch v := t.(type) {
	case *View:
		return v.NumberOfTimes, true
	case *Event:
		return v.NumberOfTimes, true
	}
	return 0, false
}
