package trigger

import (
	"encoding/json"
	"reflect"
	"time"
)

// AppOpening is satisfied once the lifetime session counter reaches Times.
// It is only evaluated on startup checks.
type AppOpening struct {
	Base
	Times int
}

func (t *AppOpening) Kind() Type { return TypeAppOpening }

func (t *AppOpening) IsValid(ctx Context) bool {
	return ctx.FromStartup && ctx.Session.Count >= t.Times
}

// View counts how many times a named screen was shown. Reaching Times is not
// enough: Complete must be called once the dwell time has elapsed.
type View struct {
	Base
	ViewName      string
	Times         int
	SecondsOnView int
	NumberOfTimes int
}

func (t *View) Kind() Type { return TypeView }

func (t *View) IsValid(ctx Context) bool { return t.completedBy(ctx.Now) }

// Apply counts a screen view. It reports whether the trigger changed.
func (t *View) Apply(sig ViewSignal) bool {
	if sig.View != t.ViewName {
		return false
	}
	t.NumberOfTimes++
	return true
}

// ThresholdReached reports whether enough views were counted to start the dwell timer.
func (t *View) ThresholdReached() bool { return t.NumberOfTimes >= t.Times }

func (t *View) Dwell() time.Duration { return time.Duration(t.SecondsOnView) * time.Second }

// Complete commits the view once the count threshold was reached.
func (t *View) Complete(now time.Time) bool {
	if !t.ThresholdReached() || t.CompletionDate != nil {
		return false
	}
	t.complete(now)
	return true
}

// Event counts occurrences of a custom event, optionally restricted to an
// exact metadata match.
type Event struct {
	Base
	EventName     string
	Times         int
	Metadata      map[string]any
	NumberOfTimes int
}

func (t *Event) Kind() Type { return TypeEvent }

func (t *Event) IsValid(ctx Context) bool { return t.completedBy(ctx.Now) }

func (t *Event) Apply(sig EventSignal, now time.Time) bool {
	if sig.Event != t.EventName {
		return false
	}
	if len(t.Metadata) > 0 && !metadataEqual(t.Metadata, sig.Metadata) {
		return false
	}
	t.NumberOfTimes++
	if t.NumberOfTimes >= t.Times && t.CompletionDate == nil {
		t.complete(now)
	}
	return true
}

// metadataEqual compares two maps after a JSON round trip so that numeric
// types coming from different decoders compare equal.
func metadataEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	na, err := normalize(a)
	if err != nil {
		return false
	}
	nb, err := normalize(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

func normalize(m map[string]any) (any, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(raw, &out)
	return out, err
}

type Action int

const (
	ActionEnter Action = iota
	ActionExit
)

func (a Action) String() string {
	if a == ActionExit {
		return "exit"
	}
	return "enter"
}

// Location is satisfied on a transition into (or out of) a circular region.
// With AfterDays > 0 the completion date is pushed into the future.
type Location struct {
	Base
	Address   string
	Latitude  float64
	Longitude float64
	Radius    float64
	AfterDays int
	Action    Action
}

func (t *Location) Kind() Type { return TypeLocation }

func (t *Location) IsValid(ctx Context) bool { return t.completedBy(ctx.Now) }

func (t *Location) Contains(c Coordinate) bool {
	return Distance(Coordinate{Latitude: t.Latitude, Longitude: t.Longitude}, c) <= t.Radius
}

// Apply detects a region transition between the previous and current position.
// Only the first transition counts while the trigger is incomplete. The returned
// time is the deferred completion date when AfterDays > 0.
func (t *Location) Apply(sig LocationSignal, now time.Time) (bool, *time.Time) {
	if t.CompletionDate != nil {
		return false, nil
	}
	prevInside := sig.Previous != nil && t.Contains(*sig.Previous)
	curInside := t.Contains(sig.Current)

	var crossed bool
	switch t.Action {
	case ActionExit:
		crossed = prevInside && !curInside
	default:
		crossed = !prevInside && curInside
	}
	if !crossed {
		return false, nil
	}
	t.complete(now.Add(time.Duration(t.AfterDays) * 24 * time.Hour))
	if t.AfterDays > 0 {
		at := *t.CompletionDate
		return true, &at
	}
	return true, nil
}

// InactiveUser is satisfied at startup when the user stayed away for at least Days.
type InactiveUser struct {
	Base
	Days int
}

func (t *InactiveUser) Kind() Type { return TypeInactiveUser }

func (t *InactiveUser) IsValid(ctx Context) bool {
	if !ctx.FromStartup {
		return false
	}
	days, ok := ctx.Session.InactiveDays()
	return ok && days >= t.Days
}

type Operator int

const (
	OperatorEqual Operator = iota
	OperatorNotEqual
)

type TagStatus int

const (
	TagUnchanged TagStatus = iota
	TagValid
	TagInvalid
)

// TagChange compares a user tag with Value.
type TagChange struct {
	Base
	Tag      string
	Value    string
	Operator Operator
}

func (t *TagChange) Kind() Type { return TypeTagChange }

func (t *TagChange) IsValid(ctx Context) bool { return t.completedBy(ctx.Now) }

// satisfiedBy compares the tag value; a removed tag reads as "".
func (t *TagChange) satisfiedBy(value *string) bool {
	v := ""
	if value != nil {
		v = *value
	}
	equal := v == t.Value
	if t.Operator == OperatorNotEqual {
		return !equal
	}
	return equal
}

// Apply evaluates a tag change. A signal for another tag is TagUnchanged.
func (t *TagChange) Apply(sig TagSignal, now time.Time) (bool, TagStatus) {
	if sig.Tag != t.Tag {
		return false, TagUnchanged
	}
	if t.satisfiedBy(sig.Value) {
		if t.CompletionDate != nil {
			return false, TagValid
		}
		t.complete(now)
		return true, TagValid
	}
	if t.CompletionDate == nil {
		return false, TagInvalid
	}
	t.CompletionDate = nil
	return true, TagInvalid
}

// Unknown keeps a trigger whose type this build does not understand.
// It is never valid.
type Unknown struct {
	Base
	Name string
}

func (t *Unknown) Kind() Type           { return TypeUnknown }
func (t *Unknown) IsValid(Context) bool { return false }
