package trigger

import (
	"fmt"
	"time"
)

// Record is the persisted-state shape of a trigger: the definition fields
// plus progress (numberOfTimes, completionDate).
type Record map[string]any

// ToRecord serializes a trigger. Absent optionals are left out of the record.
func ToRecord(t Trigger) Record {
	r := Record{"id": t.TriggerID(), "type": int(t.Kind())}
	if c := t.Completion(); c != nil {
		r["completionDate"] = c.UTC().Format(time.RFC3339Nano)
	}
	switch v := t.(type) {
	case *AppOpening:
		r["times"] = v.Times
	case *View:
		r["view"] = v.ViewName
		r["times"] = v.Times
		r["secondsOnView"] = v.SecondsOnView
		r["numberOfTimes"] = v.NumberOfTimes
	case *Event:
		r["event"] = v.EventName
		r["times"] = v.Times
		r["numberOfTimes"] = v.NumberOfTimes
		if v.Metadata != nil {
			r["metadata"] = v.Metadata
		}
	case *Location:
		r["address"] = v.Address
		r["latitude"] = v.Latitude
		r["longitude"] = v.Longitude
		r["radius"] = v.Radius
		r["afterDays"] = v.AfterDays
		r["action"] = int(v.Action)
	case *InactiveUser:
		r["days"] = v.Days
	case *TagChange:
		r["tag"] = v.Tag
		r["value"] = v.Value
		r["tagChangeOperator"] = int(v.Operator)
	case *Unknown:
		if v.Name != "" {
			r["name"] = v.Name
		}
	}
	return r
}

// FromRecord is the inverse of ToRecord.
func FromRecord(r Record) (Trigger, error) {
	typ := intOf(r, "type", -1)
	base := Base{ID: stringOf(r, "id"), CompletionDate: timeOf(r, "completionDate")}

	switch Type(typ) {
	case TypeAppOpening:
		return &AppOpening{Base: base, Times: intOf(r, "times", 0)}, nil
	case TypeView:
		return &View{
			Base:          base,
			ViewName:      stringOf(r, "view"),
			Times:         intOf(r, "times", 0),
			SecondsOnView: intOf(r, "secondsOnView", 0),
			NumberOfTimes: intOf(r, "numberOfTimes", 0),
		}, nil
	case TypeEvent:
		return &Event{
			Base:          base,
			EventName:     stringOf(r, "event"),
			Times:         intOf(r, "times", 1),
			Metadata:      mapOf(r, "metadata"),
			NumberOfTimes: intOf(r, "numberOfTimes", 0),
		}, nil
	case TypeLocation:
		return &Location{
			Base:      base,
			Address:   stringOf(r, "address"),
			Latitude:  floatOf(r, "latitude", 0),
			Longitude: floatOf(r, "longitude", 0),
			Radius:    floatOf(r, "radius", 0),
			AfterDays: intOf(r, "afterDays", 0),
			Action:    Action(intOf(r, "action", int(ActionEnter))),
		}, nil
	case TypeInactiveUser:
		return &InactiveUser{Base: base, Days: intOf(r, "days", 0)}, nil
	case TypeTagChange:
		return &TagChange{
			Base:     base,
			Tag:      stringOf(r, "tag"),
			Value:    stringOf(r, "value"),
			Operator: Operator(intOf(r, "tagChangeOperator", int(OperatorEqual))),
		}, nil
	case TypeUnknown:
		return &Unknown{Base: base, Name: stringOf(r, "name")}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownType, typ)
}
