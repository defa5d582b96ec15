package domain

import (
	"time"
)

// ConflictStatus enumerates merge conflict resolution states.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

// MergeConflict records an irreconcilable identity claim: an incoming
// record whose email and phone resolve to two different existing clients.
// Conflicts are an expected business outcome, not an error; they are
// resolved out-of-band and purged after a retention window.
type MergeConflict struct {
	ID            string         `json:"id" db:"id"`
	Status        ConflictStatus `json:"status" db:"status"`
	Source        Source         `json:"source" db:"source"`
	ExternalID    string         `json:"external_id" db:"external_id"`
	Email         *string        `json:"email" db:"email"`
	Phone         *string        `json:"phone" db:"phone"`
	EmailClientID string         `json:"email_client_id" db:"email_client_id"`
	PhoneClientID string         `json:"phone_client_id" db:"phone_client_id"`
	Fields        map[string]any `json:"fields" db:"fields"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	ResolvedAt    *time.Time     `json:"resolved_at" db:"resolved_at"`
}
