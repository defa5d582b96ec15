package domain

import (
	"time"
)

// RawContactRecord is an unmerged, provider-native contact snapshot held
// in staging until the identity merge engine picks it up. Uniqueness is
// (Source, ExternalID); a re-fetch overwrites Payload rather than
// duplicating the row.
type RawContactRecord struct {
	ID          string            `json:"id" db:"id"`
	Source      Source            `json:"source" db:"source"`
	ExternalID  string            `json:"external_id" db:"external_id"`
	Payload     map[string]any    `json:"payload" db:"payload"`
	Contact     NormalizedContact `json:"contact" db:"contact"`
	FetchedAt   time.Time         `json:"fetched_at" db:"fetched_at"`
	SyncRunID   string            `json:"sync_run_id" db:"sync_run_id"`
	ProcessedAt *time.Time        `json:"processed_at" db:"processed_at"`
}

// NormalizedContact is the merge-ready projection of a staged record,
// captured at fetch time so pending rows can be re-merged without
// re-interpreting provider-native payloads.
type NormalizedContact struct {
	Email         string         `json:"email,omitempty"`
	Phone         string         `json:"phone,omitempty"`
	FullName      string         `json:"full_name,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	OptIns        OptIns         `json:"opt_ins"`
	Stage         LifecycleStage `json:"stage,omitempty"`
	PaidCents     int64          `json:"paid_cents,omitempty"`
	PaymentStatus string         `json:"payment_status,omitempty"`
}

// Pending reports whether the record still awaits identity merge.
func (r *RawContactRecord) Pending() bool { return r.ProcessedAt == nil }
