package storage

import (
	"errors"
	"time"

	"github.com/kalambet/recoverd/internal/lifecycle"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert collides with a uniqueness rule,
// e.g. a second pending claim by the same claimant on one match.
var ErrConflict = errors.New("conflict")

type Item struct {
	ID          string               `json:"id"`
	Role        lifecycle.ItemRole   `json:"role"`
	OwnerID     string               `json:"owner_id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	FeaturesRef string               `json:"features_ref,omitempty"`
	Status      lifecycle.ItemStatus `json:"status"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// Match pairs a lost item with a found item. Version increments on every
// status change and guards concurrent approvals.
type Match struct {
	ID          string                `json:"id"`
	LostItemID  string                `json:"lost_item_id"`
	FoundItemID string                `json:"found_item_id"`
	Score       float64               `json:"score"`
	Status      lifecycle.MatchStatus `json:"status"`
	Version     int64                 `json:"version"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

type Claim struct {
	ID          string                `json:"id"`
	MatchID     string                `json:"match_id"`
	ClaimantID  string                `json:"claimant_id"`
	Status      lifecycle.ClaimStatus `json:"status"`
	AdminNote   string                `json:"admin_note,omitempty"`
	SubmittedAt time.Time             `json:"submitted_at"`
	DecidedAt   *time.Time            `json:"decided_at,omitempty"`
}

type Notification struct {
	ID          string         `json:"id"`
	RecipientID string         `json:"recipient_id"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
	Status      string         `json:"status"` // "unread", "read"
	CreatedAt   time.Time      `json:"created_at"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
