package domain

import (
	"time"
)

// LifecycleStage enumerates the funnel position of a client. Stages are
// ordered: a merge may move a client forward through the funnel but never
// backward (churn is reachable from any stage and sticky against
// lead/trial downgrades).
type LifecycleStage string

const (
	StageLead     LifecycleStage = "lead"
	StageTrial    LifecycleStage = "trial"
	StageCustomer LifecycleStage = "customer"
	StageChurn    LifecycleStage = "churn"
)

// stageRank orders lifecycle stages for upgrade-only comparisons.
var stageRank = map[LifecycleStage]int{
	StageLead:     0,
	StageTrial:    1,
	StageCustomer: 2,
	StageChurn:    3,
}

// Outranks reports whether s sits at or past other in the funnel.
// Unknown stages rank lowest.
func (s LifecycleStage) Outranks(other LifecycleStage) bool {
	return stageRank[s] >= stageRank[other]
}

// OptIns carries per-channel messaging consent. Consent is OR'd across
// sources during merge: any source granting a channel is sufficient.
type OptIns struct {
	WhatsApp bool `json:"whatsapp"`
	SMS      bool `json:"sms"`
	Email    bool `json:"email"`
}

// Or merges another consent set into this one.
func (o *OptIns) Or(other OptIns) {
	o.WhatsApp = o.WhatsApp || other.WhatsApp
	o.SMS = o.SMS || other.SMS
	o.Email = o.Email || other.Email
}

// ClientIdentity is the canonical, merged view of one person across all
// payment and CRM sources. Identities are never hard-deleted; lifecycle
// is soft via Stage.
type ClientIdentity struct {
	ID                string         `json:"id" db:"id"`
	Email             *string        `json:"email" db:"email"`
	Phone             *string        `json:"phone" db:"phone"`
	FullName          *string        `json:"full_name" db:"full_name"`
	Stage             LifecycleStage `json:"lifecycle_stage" db:"lifecycle_stage"`
	PaymentStatus     string         `json:"payment_status" db:"payment_status"`
	TotalPaidCents    int64          `json:"total_paid_cents" db:"total_paid_cents"`
	Tags              []string       `json:"tags" db:"tags"`
	OptIns            OptIns         `json:"opt_ins"`
	AcquisitionSource string         `json:"acquisition_source" db:"acquisition_source"`

	// ExternalIDs maps a provider source to the provider-native ID this
	// identity was linked from, e.g. {"ghl_contacts": "abc123"}.
	ExternalIDs map[Source]string `json:"external_ids" db:"external_ids"`

	LastSyncAt time.Time `json:"last_sync_at" db:"last_sync_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// HasTag reports whether the client already carries the given tag.
func (c *ClientIdentity) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// UnionTags adds the given tags, skipping duplicates. Existing order is
// preserved; new tags append in input order.
func (c *ClientIdentity) UnionTags(tags []string) {
	for _, t := range tags {
		if t != "" && !c.HasTag(t) {
			c.Tags = append(c.Tags, t)
		}
	}
}

// Transaction is a canonical payment record merged directly from a
// payment provider, keyed (Source, PaymentKey) for idempotent upsert.
type Transaction struct {
	ID          string    `json:"id" db:"id"`
	Source      Source    `json:"source" db:"source"`
	PaymentKey  string    `json:"payment_key" db:"payment_key"`
	ClientID    *string   `json:"client_id" db:"client_id"`
	Email       *string   `json:"email" db:"email"`
	AmountCents int64     `json:"amount_cents" db:"amount_cents"`
	Currency    string    `json:"currency" db:"currency"`
	Status      string    `json:"status" db:"status"`
	OccurredAt  time.Time `json:"occurred_at" db:"occurred_at"`
	SyncRunID   string    `json:"sync_run_id" db:"sync_run_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
