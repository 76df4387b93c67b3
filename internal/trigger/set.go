package trigger

import "encoding/json"

// Method is the composition of a Set. Values are part of the persisted format.
type Method int

const (
	MethodAny Method = iota
	MethodAll
)

func (m Method) String() string {
	if m == MethodAny {
		return "any"
	}
	return "all"
}

// Set is the ordered trigger list of one message. Indices are stable and
// are used to key deferred completions.
type Set struct {
	Method   Method
	Triggers []Trigger
}

// IsValid evaluates the set. An empty set is valid under all and invalid under any.
func (s *Set) IsValid(ctx Context) bool {
	if s == nil {
		return false
	}
	switch s.Method {
	case MethodAny:
		for _, t := range s.Triggers {
			if t.IsValid(ctx) {
				return true
			}
		}
		return false
	default:
		for _, t := range s.Triggers {
			if !t.IsValid(ctx) {
				return false
			}
		}
		return true
	}
}

// Has reports whether the set contains a trigger of the given type.
func (s *Set) Has(typ Type) bool {
	if s == nil {
		return false
	}
	for _, t := range s.Triggers {
		if t.Kind() == typ {
			return true
		}
	}
	return false
}

// ByID finds a trigger by its backend id.
func (s *Set) ByID(id string) Trigger {
	if s == nil {
		return nil
	}
	for _, t := range s.Triggers {
		if t.TriggerID() == id {
			return t
		}
	}
	return nil
}

// MigrateFrom copies progress from old onto the triggers of s that share an id.
// Triggers with a new id keep no progress.
func (s *Set) MigrateFrom(old *Set) {
	if s == nil {
		return
	}
	for _, t := range s.Triggers {
		if prev := old.ByID(t.TriggerID()); prev != nil {
			MigrateProgress(prev, t)
		}
	}
}

type setRecord struct {
	Method   Method   `json:"method"`
	Triggers []Record `json:"triggers"`
}

// MarshalJSON writes the persisted-state record of the set.
func (s *Set) MarshalJSON() ([]byte, error) {
	rec := setRecord{Method: s.Method, Triggers: make([]Record, 0, len(s.Triggers))}
	for _, t := range s.Triggers {
		rec.Triggers = append(rec.Triggers, ToRecord(t))
	}
	return json.Marshal(rec)
}

// UnmarshalJSON reads the persisted-state record. Unreadable trigger records
// become Unknown triggers so the set keeps its shape.
func (s *Set) UnmarshalJSON(data []byte) error {
	var rec setRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	s.Method = rec.Method
	s.Triggers = make([]Trigger, 0, len(rec.Triggers))
	for _, r := range rec.Triggers {
		t, err := FromRecord(r)
		if err != nil {
			t = &Unknown{Base: Base{ID: stringOf(r, "id")}}
		}
		s.Triggers = append(s.Triggers, t)
	}
	return nil
}
