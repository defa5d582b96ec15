// Package provider defines the uniform adapter contract every external
// source (payment processors, CRM platforms, CSV drops) is normalized
// through. Adapters translate provider-native pagination (offset, opaque
// cursor, tag enumeration) into checkpoint-in/checkpoint-out pages and
// keep no state of their own between calls.
package provider

import (
	"context"
	"time"

	"github.com/ignite/clientsync/internal/domain"
)

// RawContact is one normalized contact record from any source. Empty
// fields mean "the provider didn't say", never "clear this" — the merge
// engine fills missing values and never downgrades.
type RawContact struct {
	ExternalID string
	Email      string
	Phone      string
	FullName   string
	Tags       []string
	OptIns     domain.OptIns
	// Stage is a lifecycle hint where the provider implies one (an active
	// Stripe subscription implies customer). Zero value defaults to lead.
	Stage domain.LifecycleStage
	// PaidCents accumulates into the client's total on merge. Payment
	// sources must leave it zero: their amounts arrive as transactions,
	// which credit the client exactly once per payment key.
	PaidCents int64
	// PaymentStatus, when set, overwrites the client's payment status
	// (most recent sighting wins across payment sources).
	PaymentStatus string
	// Payload is the provider-native record, staged verbatim for audit
	// and reprocessing.
	Payload map[string]any
}

// RawTransaction is one normalized payment record. Transactions bypass
// staging and upsert directly into the canonical store keyed
// (source, PaymentKey).
type RawTransaction struct {
	PaymentKey  string
	Email       string
	FullName    string
	AmountCents int64
	Currency    string
	Status      string
	OccurredAt  time.Time
}

// Page is the result of one bounded fetch. Next carries everything a
// later invocation needs to resume; it is only meaningful when HasMore.
type Page struct {
	Contacts     []RawContact
	Transactions []RawTransaction
	Next         domain.Checkpoint
	HasMore      bool
}

// Adapter fetches one page of records per call.
//
// Implementations must be stateless between invocations (all resumption
// state lives in the checkpoint), apply their own rate limiting and
// retry/backoff, and surface exhausted retries as errors rather than
// dropping records silently.
type Adapter interface {
	Source() domain.Source
	FetchPage(ctx context.Context, cp domain.Checkpoint) (Page, error)
}
