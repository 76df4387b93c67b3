package trigger

import "time"

// Signal is a behavioral observation that may advance triggers.
type Signal interface {
	isSignal()
}

type ViewSignal struct {
	View string
}

type EventSignal struct {
	Event    string
	Metadata map[string]any
}

// TagSignal carries the new tag value; a nil Value means the tag was removed.
type TagSignal struct {
	Tag   string
	Value *string
}

type LocationSignal struct {
	Previous *Coordinate
	Current  Coordinate
}

func (ViewSignal) isSignal()     {}
func (EventSignal) isSignal()    {}
func (TagSignal) isSignal()      {}
func (LocationSignal) isSignal() {}

// Outcome is the result of applying a signal to one trigger.
type Outcome struct {
	Changed bool
	// Tag is set for TagChange triggers matching the signal's tag.
	Tag TagStatus
	// RecheckAt is the deferred completion date of a Location trigger.
	RecheckAt *time.Time
}

// Apply routes sig to t when the signal kind matches the trigger variant.
func Apply(t Trigger, sig Signal, now time.Time) Outcome {
	switch s := sig.(type) {
	case ViewSignal:
		if v, ok := t.(*View); ok {
			return Outcome{Changed: v.Apply(s)}
		}
	case EventSignal:
		if e, ok := t.(*Event); ok {
			return Outcome{Changed: e.Apply(s, now)}
		}
	case TagSignal:
		if tc, ok := t.(*TagChange); ok {
			changed, status := tc.Apply(s, now)
			return Outcome{Changed: changed, Tag: status}
		}
	case LocationSignal:
		if l, ok := t.(*Location); ok {
			changed, at := l.Apply(s, now)
			return Outcome{Changed: changed, RecheckAt: at}
		}
	}
	return Outcome{}
}
