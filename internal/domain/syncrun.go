package domain

import (
	"time"
)

// RunStatus enumerates the lifecycle states of a sync run.
type RunStatus string

const (
	RunRunning            RunStatus = "running"
	RunContinuing         RunStatus = "continuing"
	RunCompleted          RunStatus = "completed"
	RunCompletedErrors    RunStatus = "completed_with_errors"
	RunCompletedTimeout   RunStatus = "completed_with_timeout"
	RunFailed             RunStatus = "failed"
	RunCancelled          RunStatus = "cancelled"
	RunSkipped            RunStatus = "skipped"
)

// IsTerminal reports whether the status is a final state. Terminal runs
// never transition again.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunCompletedErrors, RunCompletedTimeout, RunFailed, RunCancelled, RunSkipped:
		return true
	}
	return false
}

// IsActive reports whether the run is still doing (or eligible to do) work.
func (s RunStatus) IsActive() bool {
	return s == RunRunning || s == RunContinuing
}

// Source identifies an external system a sync run pulls from.
type Source string

const (
	SourceStripeCharges       Source = "stripe_charges"
	SourceStripeSubscriptions Source = "stripe_subscriptions"
	SourceStripeInvoices      Source = "stripe_invoices"
	SourcePayPal              Source = "paypal_transactions"
	SourceGHL                 Source = "ghl_contacts"
	SourceManyChat            Source = "manychat_contacts"
	SourceCSVImport           Source = "csv_import"
	SourceCommandCenter       Source = "command_center"
)

// ContactSources lists the sources whose records flow through the raw
// contact staging tables (as opposed to direct transaction upserts).
var ContactSources = []Source{SourceGHL, SourceManyChat, SourceCSVImport}

// Checkpoint is the resumption state a sync run carries between
// invocations. Adapters interpret the fields they need: Stripe uses
// Cursor (starting_after id), PayPal and GHL use Page, ManyChat uses
// TagOffset, CSV import uses Cursor (last object key).
type Checkpoint struct {
	Cursor       string     `json:"cursor,omitempty"`
	Page         int        `json:"page,omitempty"`
	TagOffset    int        `json:"tag_offset,omitempty"`
	LastRecordAt *time.Time `json:"last_record_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsZero reports whether the checkpoint carries no resumption state,
// i.e. the run starts from the beginning.
func (c Checkpoint) IsZero() bool {
	return c.Cursor == "" && c.Page == 0 && c.TagOffset == 0 && c.LastRecordAt == nil
}

// RunCounters aggregates per-run record totals. Counters only ever grow
// across the lifetime of a run; resumed batches merge into them.
type RunCounters struct {
	Fetched   int `json:"fetched"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
}

// Add merges another set of counters into this one.
func (rc *RunCounters) Add(o RunCounters) {
	rc.Fetched += o.Fetched
	rc.Inserted += o.Inserted
	rc.Updated += o.Updated
	rc.Skipped += o.Skipped
	rc.Conflicts += o.Conflicts
	rc.Failed += o.Failed
}

// SyncRun is one tracked execution of a sync process. A logical sync may
// span many invocations; each picks the run up via its ID and checkpoint.
type SyncRun struct {
	ID           string         `json:"id" db:"id"`
	Source       Source         `json:"source" db:"source"`
	Status       RunStatus      `json:"status" db:"status"`
	StartedAt    time.Time      `json:"started_at" db:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at" db:"completed_at"`
	Checkpoint   Checkpoint     `json:"checkpoint" db:"checkpoint"`
	Metadata     map[string]any `json:"metadata" db:"metadata"`
	Counters     RunCounters    `json:"counters"`
	ErrorMessage *string        `json:"error_message" db:"error_message"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// MetadataProcessedIDs is where the run keeps the set of external IDs
// already handled within the current run, so a resumed invocation does
// not double-process records from a partially-committed page.
const MetadataProcessedIDs = "processed_ids"

// ProcessedIDs returns the set of external IDs already processed in this
// run, decoded from metadata. Missing or malformed metadata yields an
// empty set.
func (r *SyncRun) ProcessedIDs() map[string]bool {
	out := make(map[string]bool)
	raw, ok := r.Metadata[MetadataProcessedIDs]
	if !ok {
		return out
	}
	list, ok := raw.([]any)
	if !ok {
		// Round-tripped through typed code rather than JSON.
		if ss, ok := raw.([]string); ok {
			for _, s := range ss {
				out[s] = true
			}
		}
		return out
	}
	for _, v := range list {
		if s, ok := v.(string); ok {
			out[s] = true
		}
	}
	return out
}

// SetProcessedIDs stores the processed-ID set back into metadata.
func (r *SyncRun) SetProcessedIDs(ids map[string]bool) {
	list := make([]string, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[MetadataProcessedIDs] = list
}
