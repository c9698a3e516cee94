package notify

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a notification kind.
type EventType string

const (
	EventMatchFound     EventType = "match_found"
	EventClaimSubmitted EventType = "claim_submitted"
	EventClaimApproved  EventType = "claim_approved"
	EventClaimRejected  EventType = "claim_rejected"
	EventClaimResolved  EventType = "claim_resolved"
	EventItemRecovered  EventType = "item_recovered"
	EventSystemAlert    EventType = "system_alert"
)

// Event is a notification payload addressed to one user or broadcast to all.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewEvent returns an Event with a fresh ID and timestamp.
func NewEvent(typ EventType, title, message string, data map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Title:     title,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

type envelope struct {
	Type  string `json:"type"`
	Event Event  `json:"event"`
}

// Encode returns the wire form pushed over live connections.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(envelope{Type: "notification", Event: e})
}
