package trigger

import (
	"bytes"
	"encoding/json"
)

// ParseDefinition parses the triggers object sent by the backend:
//
//	{"method": "any" | "all", "triggers": [{"id": "...", "type": "view", ...}]}
//
// Malformed entries degrade to zero values; only undecodable JSON is an error.
func ParseDefinition(raw json.RawMessage) (*Set, error) {
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return ParseDefinitionMap(m), nil
}

func ParseDefinitionMap(m map[string]any) *Set {
	s := &Set{Method: MethodAll}
	if stringOf(m, "method") == "any" {
		s.Method = MethodAny
	}
	list, _ := m["triggers"].([]any)
	for _, item := range list {
		d, ok := item.(map[string]any)
		if !ok {
			continue
		}
		s.Triggers = append(s.Triggers, parseTrigger(d))
	}
	return s
}

func parseTrigger(d map[string]any) Trigger {
	base := Base{ID: stringOf(d, "id")}
	name := stringOf(d, "type")

	switch typeFromName(name) {
	case TypeAppOpening:
		return &AppOpening{Base: base, Times: intOf(d, "times", 0)}
	case TypeView:
		return &View{
			Base:          base,
			ViewName:      stringOf(d, "view_name"),
			Times:         intOf(d, "times", 0),
			SecondsOnView: intOf(d, "seconds_on_view", 0),
		}
	case TypeEvent:
		return &Event{
			Base:      base,
			EventName: stringOf(d, "event_name"),
			Times:     intOf(d, "times", 1),
			Metadata:  plainMap(mapOf(d, "metadata")),
		}
	case TypeLocation:
		action := ActionEnter
		if stringOf(d, "action") == "exit" {
			action = ActionExit
		}
		return &Location{
			Base:      base,
			Address:   stringOf(d, "address"),
			Latitude:  floatOf(d, "latitude", 0),
			Longitude: floatOf(d, "longitude", 0),
			Radius:    floatOf(d, "radius", 0),
			AfterDays: intOf(d, "after", 0),
			Action:    action,
		}
	case TypeInactiveUser:
		return &InactiveUser{Base: base, Days: intOf(d, "days", 0)}
	case TypeTagChange:
		op := OperatorNotEqual
		if stringOf(d, "operator") == "=" {
			op = OperatorEqual
		}
		return &TagChange{Base: base, Tag: stringOf(d, "tag"), Value: stringOf(d, "value"), Operator: op}
	default:
		return &Unknown{Base: base, Name: name}
	}
}

// plainMap re-decodes a UseNumber map so metadata is stored with float64 numbers.
func plainMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
