package model

import (
	"encoding/json"
	"time"

	"automation/internal/trigger"
)

type MessageType int

// Persisted message type values.
const (
	TypeInAppMessage MessageType = iota
	TypePush
)

// Push delivery status constants for the delivery log.
const (
	DeliverySent      = "sent"
	DeliveryFailed    = "failed"
	DeliveryScheduled = "scheduled"
	DeliveryCancelled = "cancelled"
)

// Message is an automated message with its trigger state. Only Triggers is
// mutated locally; everything else comes from the backend.
type Message struct {
	ID             int           `json:"id"`
	Title          string        `json:"title"`
	Description    string        `json:"messageDescription"`
	Type           MessageType   `json:"type"`
	CreatedAt      time.Time     `json:"createdAt"`
	StartDate      *time.Time    `json:"startDate,omitempty"`
	EndDate        *time.Time    `json:"endDate,omitempty"`
	AutomationIsOn bool          `json:"automationIsOn"`
	SendAfterDays  int           `json:"sendAfterDays"`
	RepeatTimes    int           `json:"repeatTimes"`
	InApp          *InAppMessage `json:"inAppMessage,omitempty"`
	Push           *PushMessage  `json:"push,omitempty"`
	Triggers       *trigger.Set  `json:"triggers,omitempty"`

	// RawTriggers is the unparsed definition received from the backend.
	RawTriggers json.RawMessage `json:"-"`
}

// InWindow reports whether now falls inside the optional start/end dates.
func (m *Message) InWindow(now time.Time) bool {
	if m.StartDate != nil && now.Before(*m.StartDate) {
		return false
	}
	if m.EndDate != nil && now.After(*m.EndDate) {
		return false
	}
	return true
}

type InAppMessage struct {
	ID              int      `json:"id"`
	Style           int      `json:"style"`
	IsBlocking      bool     `json:"isBlocking"`
	Duration        float64  `json:"duration"`
	Title           string   `json:"title,omitempty"`
	TitleColor      string   `json:"titleColor,omitempty"`
	Body            string   `json:"body,omitempty"`
	BodyColor       string   `json:"bodyColor,omitempty"`
	Image           string   `json:"image,omitempty"`
	BackgroundColor string   `json:"backgroundColor,omitempty"`
	Buttons         []Button `json:"buttons,omitempty"`
}

type Button struct {
	Title           string `json:"title"`
	LinkType        string `json:"linkType,omitempty"`
	Link            string `json:"link,omitempty"`
	TitleColor      string `json:"titleColor,omitempty"`
	BackgroundColor string `json:"backgroundColor,omitempty"`
	SectionID       int    `json:"sectionId,omitempty"`
	BlockID         int    `json:"blockId,omitempty"`
}

type PushMessage struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Sent        bool           `json:"sent"`
	Badge       *int           `json:"badge,omitempty"`
	Sound       string         `json:"sound,omitempty"`
	LaunchImage string         `json:"launchImage,omitempty"`
	UserInfo    map[string]any `json:"userInfo,omitempty"`
}

// RemoteMessage is the message DTO returned by the backend.
type RemoteMessage struct {
	ID             int             `json:"id"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Type           string          `json:"type"`
	CreatedAt      int64           `json:"created_at"`
	StartDate      *int64          `json:"start_date"`
	EndDate        *int64          `json:"end_date"`
	AutomationIsOn bool            `json:"automation"`
	SendAfterDays  int             `json:"send_after_days"`
	RepeatTimes    int             `json:"repeat_times"`
	InApp          *InAppMessage   `json:"in_app_message"`
	Push           *PushMessage    `json:"push"`
	Triggers       json.RawMessage `json:"triggers"`
}

// Message converts the DTO. Triggers stay raw until the engine parses them.
func (r RemoteMessage) Message() *Message {
	m := &Message{
		ID:             r.ID,
		Title:          r.Title,
		Description:    r.Description,
		Type:           TypeInAppMessage,
		CreatedAt:      time.Unix(r.CreatedAt, 0).UTC(),
		AutomationIsOn: r.AutomationIsOn,
		SendAfterDays:  r.SendAfterDays,
		RepeatTimes:    r.RepeatTimes,
		InApp:          r.InApp,
		Push:           r.Push,
		RawTriggers:    r.Triggers,
	}
	if r.Type == "push" {
		m.Type = TypePush
	}
	if r.StartDate != nil {
		t := time.Unix(*r.StartDate, 0).UTC()
		m.StartDate = &t
	}
	if r.EndDate != nil {
		t := time.Unix(*r.EndDate, 0).UTC()
		m.EndDate = &t
	}
	return m
}

// ViewRecord is a queued screen view. ID is zero until persisted.
type ViewRecord struct {
	ID        int64          `json:"id,omitempty" db:"id"`
	View      string         `json:"view" db:"view"`
	Metadata  map[string]any `json:"metadata,omitempty" db:"metadata"`
	Timestamp time.Time      `json:"timestamp" db:"timestamp"`
}

// EventRecord is a queued custom event. ID is zero until persisted.
type EventRecord struct {
	ID        int64          `json:"id,omitempty" db:"id"`
	Event     string         `json:"event" db:"event"`
	Name      string         `json:"name,omitempty" db:"name"`
	Metadata  map[string]any `json:"metadata,omitempty" db:"metadata"`
	Timestamp time.Time      `json:"timestamp" db:"timestamp"`
}

// ScheduledPush is a push waiting for its sendAfterDays delay.
type ScheduledPush struct {
	MessageID int         `json:"message_id" db:"message_id"`
	Push      PushMessage `json:"push" db:"payload"`
	DeliverAt time.Time   `json:"deliver_at" db:"deliver_at"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// PushDelivery is one entry of the push delivery log.
type PushDelivery struct {
	ID        int64     `json:"id" db:"id"`
	TS        time.Time `json:"ts" db:"ts"`
	MessageID int       `json:"message_id" db:"message_id"`
	PushID    string    `json:"push_id" db:"push_id"`
	Backend   string    `json:"backend" db:"backend"`
	Status    string    `json:"status" db:"status"` // sent|failed|scheduled|cancelled
	Error     string    `json:"error,omitempty" db:"error"`
}

// SessionState is the device state the engine evaluates triggers against.
type SessionState struct {
	Session      trigger.Session     `json:"session"`
	LastLocation *trigger.Coordinate `json:"lastLocation,omitempty"`
	Foreground   bool                `json:"foreground"`
	// ShownInApp maps message id to the last time its in-app message was presented.
	ShownInApp map[int]time.Time `json:"shownInApp,omitempty"`
}
