package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/clientsync/internal/domain"
	"github.com/ignite/clientsync/internal/pkg/distlock"
	"github.com/ignite/clientsync/internal/pkg/logger"
	"github.com/ignite/clientsync/internal/provider"
	"github.com/ignite/clientsync/internal/service/merge"
	"github.com/ignite/clientsync/internal/service/syncrun"
)

// StagingStore is the staging layer the orchestrator writes raw contact
// snapshots through.
type StagingStore interface {
	UpsertBatch(ctx context.Context, records []domain.RawContactRecord) (int, error)
	MarkProcessed(ctx context.Context, source domain.Source, externalIDs []string) error
	NextUnprocessed(ctx context.Context, source domain.Source, limit int) ([]domain.RawContactRecord, error)
}

// TransactionStore upserts canonical payment records.
type TransactionStore interface {
	Upsert(ctx context.Context, t *domain.Transaction) (bool, error)
	LinkClient(ctx context.Context, clientID, email string) (int64, error)
}

// Merger reconciles one record into the canonical client graph.
type Merger interface {
	Merge(ctx context.Context, in merge.Input) (merge.Result, error)
}

// Pauser reports the kill switch state.
type Pauser interface {
	SyncPaused(ctx context.Context) (bool, error)
}

// ErrSyncPaused is returned by RunBatch when the kill switch is on.
var ErrSyncPaused = errors.New("sync is paused")

// ErrUnknownSource is returned for a source no adapter is registered for.
var ErrUnknownSource = errors.New("unknown sync source")

// BatchResult summarizes one RunBatch invocation.
type BatchResult struct {
	Run      *domain.SyncRun    `json:"run"`
	Counters domain.RunCounters `json:"counters"`
	HasMore  bool               `json:"has_more"`
	Resumed  bool               `json:"resumed"`
}

// Orchestrator drives sync runs: one provider page per RunBatch call,
// with all resumption state in the run's checkpoint so any process can
// pick up where another stopped.
type Orchestrator struct {
	tracker  *syncrun.Tracker
	adapters map[domain.Source]provider.Adapter
	staging  StagingStore
	txs      TransactionStore
	merger   Merger
	pauser   Pauser

	// newLock builds the per-source lock guarding RunToCompletion.
	// Swappable for tests.
	newLock func(source domain.Source) distlock.DistLock

	// exporter, when set, receives terminal runs. Export happens off
	// the request path and failures are swallowed.
	exporter RunExporter
}

// RunExporter ships finished run summaries downstream.
type RunExporter interface {
	ExportRun(ctx context.Context, run *domain.SyncRun) error
}

// SetExporter attaches a warehouse exporter for finished runs.
func (o *Orchestrator) SetExporter(e RunExporter) { o.exporter = e }

func (o *Orchestrator) exportIfDone(run *domain.SyncRun) {
	if o.exporter == nil || run == nil || !run.Status.IsTerminal() {
		return
	}
	snapshot := *run
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = o.exporter.ExportRun(ctx, &snapshot)
	}()
}

// NewOrchestrator wires the sync pipeline together. adapters are
// registered by their Source.
func NewOrchestrator(tracker *syncrun.Tracker, adapters []provider.Adapter, staging StagingStore, txs TransactionStore, merger Merger, pauser Pauser, newLock func(domain.Source) distlock.DistLock) *Orchestrator {
	m := make(map[domain.Source]provider.Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Source()] = a
	}
	return &Orchestrator{
		tracker:  tracker,
		adapters: m,
		staging:  staging,
		txs:      txs,
		merger:   merger,
		pauser:   pauser,
		newLock:  newLock,
	}
}

// Sources lists the registered sync sources.
func (o *Orchestrator) Sources() []domain.Source {
	out := make([]domain.Source, 0, len(o.adapters))
	for _, s := range []domain.Source{
		domain.SourceStripeCharges, domain.SourceStripeSubscriptions, domain.SourceStripeInvoices,
		domain.SourcePayPal, domain.SourceGHL, domain.SourceManyChat, domain.SourceCSVImport,
	} {
		if _, ok := o.adapters[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// RunBatch processes exactly one provider page for the source: resume
// or start a run, fetch, stage, merge, checkpoint. The returned
// BatchResult says whether more pages remain.
//
// The kill switch is checked first; when on, a skipped run is recorded
// and ErrSyncPaused returned. A cancellation observed mid-batch (any
// progress write returning ErrNotActive) stops the batch without error;
// the returned run carries the cancelled status.
func (o *Orchestrator) RunBatch(ctx context.Context, source domain.Source) (*BatchResult, error) {
	adapter, ok := o.adapters[source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}

	paused, err := o.pauser.SyncPaused(ctx)
	if err != nil {
		logger.Warn("kill switch check failed, proceeding", "source", string(source), "error", err.Error())
	}
	if paused {
		run, err := o.tracker.RecordSkipped(ctx, source, "sync_paused")
		if err != nil {
			return nil, err
		}
		logger.Info("sync paused, batch skipped", "source", string(source), "run_id", run.ID)
		return &BatchResult{Run: run}, ErrSyncPaused
	}

	run, resumed, err := o.tracker.StartOrResume(ctx, source)
	if err != nil {
		return nil, err
	}
	if resumed {
		logger.Info("resuming sync run", "source", string(source), "run_id", run.ID, "cursor", run.Checkpoint.Cursor, "page", run.Checkpoint.Page)
	} else {
		logger.Info("starting sync run", "source", string(source), "run_id", run.ID)
	}

	page, err := adapter.FetchPage(ctx, run.Checkpoint)
	if err != nil {
		ferr := fmt.Errorf("fetch %s page: %w", source, err)
		if failErr := o.tracker.Fail(ctx, run, ferr); failErr != nil && !errors.Is(failErr, syncrun.ErrNotActive) {
			logger.Error("could not mark run failed", "run_id", run.ID, "error", failErr.Error())
		}
		o.exportIfDone(run)
		return &BatchResult{Run: run}, ferr
	}

	counters := o.processPage(ctx, run, page)

	status := domain.RunContinuing
	if !page.HasMore {
		status = domain.RunRunning
	}
	progress := syncrun.Progress{
		Checkpoint: page.Next,
		Counters:   counters,
		Metadata:   run.Metadata,
		Status:     status,
	}
	if !page.HasMore {
		// Final page keeps the last checkpoint for forensics.
		progress.Checkpoint = run.Checkpoint
		if !page.Next.IsZero() {
			progress.Checkpoint = page.Next
		}
	}

	if err := o.tracker.RecordProgress(ctx, run, progress); err != nil {
		if errors.Is(err, syncrun.ErrNotActive) {
			logger.Warn("run cancelled mid-batch, stopping", "source", string(source), "run_id", run.ID)
			if current, gerr := o.tracker.Get(ctx, run.ID); gerr == nil {
				run = current
			}
			return &BatchResult{Run: run, Counters: counters}, nil
		}
		return &BatchResult{Run: run, Counters: counters}, err
	}

	if !page.HasMore {
		if err := o.tracker.Complete(ctx, run); err != nil && !errors.Is(err, syncrun.ErrNotActive) {
			return &BatchResult{Run: run, Counters: counters}, err
		}
		o.exportIfDone(run)
	}

	logger.Info("sync batch done",
		"source", string(source), "run_id", run.ID, "status", string(run.Status),
		"fetched", counters.Fetched, "inserted", counters.Inserted, "updated", counters.Updated,
		"skipped", counters.Skipped, "conflicts", counters.Conflicts, "failed", counters.Failed,
		"has_more", page.HasMore)

	return &BatchResult{Run: run, Counters: counters, HasMore: page.HasMore && run.Status.IsActive(), Resumed: resumed}, nil
}

// processPage stages, merges, and upserts one fetched page. Record
// failures are tolerated and counted; only infrastructure failures
// abort a batch, and those surface through the progress write.
func (o *Orchestrator) processPage(ctx context.Context, run *domain.SyncRun, page provider.Page) domain.RunCounters {
	var counters domain.RunCounters
	counters.Fetched = len(page.Contacts) + len(page.Transactions)

	processed := run.ProcessedIDs()

	for i := range page.Transactions {
		o.processTransaction(ctx, run, &page.Transactions[i], &counters)
	}

	var contacts []provider.RawContact
	for _, c := range page.Contacts {
		if c.ExternalID != "" && processed[c.ExternalID] {
			counters.Skipped++
			continue
		}
		contacts = append(contacts, c)
	}

	isStaged := stagesContacts(run.Source)
	if isStaged && len(contacts) > 0 {
		records := make([]domain.RawContactRecord, 0, len(contacts))
		for _, c := range contacts {
			records = append(records, domain.RawContactRecord{
				Source:     run.Source,
				ExternalID: c.ExternalID,
				Payload:    c.Payload,
				Contact:    normalizedContact(c),
				SyncRunID:  run.ID,
			})
		}
		if _, err := o.staging.UpsertBatch(ctx, records); err != nil {
			// Staging is audit trail; the merge can still proceed from
			// the in-memory page.
			logger.Error("staging upsert failed", "source", string(run.Source), "run_id", run.ID, "error", err.Error())
		}
	}

	var merged []string
	for _, c := range contacts {
		res, err := o.mergeContact(ctx, run, c)
		switch {
		case err != nil:
			counters.Failed++
			logger.Error("merge failed", "source", string(run.Source), "run_id", run.ID, "external_id", c.ExternalID, "error", err.Error())
			continue
		case res.Action == merge.ActionInserted:
			counters.Inserted++
		case res.Action == merge.ActionUpdated:
			counters.Updated++
		case res.Action == merge.ActionConflict:
			counters.Conflicts++
		}
		if c.ExternalID != "" {
			processed[c.ExternalID] = true
			merged = append(merged, c.ExternalID)
		}
		if res.ClientID != "" && c.Email != "" {
			if _, err := o.txs.LinkClient(ctx, res.ClientID, merge.NormalizeEmail(c.Email)); err != nil {
				logger.Warn("transaction backfill failed", "client_id", res.ClientID, "error", err.Error())
			}
		}
	}

	if isStaged && len(merged) > 0 {
		if err := o.staging.MarkProcessed(ctx, run.Source, merged); err != nil {
			logger.Error("mark processed failed", "source", string(run.Source), "run_id", run.ID, "error", err.Error())
		}
	}

	run.SetProcessedIDs(processed)
	return counters
}

// processTransaction upserts one payment record and folds its amount
// into the owning client. A payment key seen before contributes zero to
// the client's lifetime total, which is what makes charge re-fetches
// idempotent.
func (o *Orchestrator) processTransaction(ctx context.Context, run *domain.SyncRun, rt *provider.RawTransaction, counters *domain.RunCounters) {
	email := merge.NormalizeEmail(rt.Email)
	t := &domain.Transaction{
		Source:      run.Source,
		PaymentKey:  rt.PaymentKey,
		AmountCents: rt.AmountCents,
		Currency:    rt.Currency,
		Status:      rt.Status,
		OccurredAt:  rt.OccurredAt,
		SyncRunID:   run.ID,
	}
	if email != "" {
		t.Email = &email
	}

	inserted, err := o.txs.Upsert(ctx, t)
	if err != nil {
		counters.Failed++
		logger.Error("transaction upsert failed", "source", string(run.Source), "run_id", run.ID, "payment_key", rt.PaymentKey, "error", err.Error())
		return
	}
	if !inserted {
		counters.Skipped++
	}

	if email == "" {
		// No identity key; the transaction stands alone until a later
		// contact sync links it.
		if inserted {
			counters.Inserted++
		}
		return
	}

	in := merge.Input{
		Source:        run.Source,
		ExternalID:    rt.PaymentKey,
		Email:         email,
		FullName:      rt.FullName,
		Stage:         domain.StageCustomer,
		PaymentStatus: rt.Status,
		SyncRunID:     run.ID,
	}
	if inserted {
		in.PaidCents = rt.AmountCents
	}

	res, err := o.merger.Merge(ctx, in)
	if err != nil {
		counters.Failed++
		logger.Error("transaction merge failed", "source", string(run.Source), "run_id", run.ID, "payment_key", rt.PaymentKey, "error", err.Error())
		return
	}
	switch res.Action {
	case merge.ActionInserted:
		counters.Inserted++
	case merge.ActionUpdated:
		if inserted {
			counters.Updated++
		}
	case merge.ActionConflict:
		counters.Conflicts++
	}
	if res.ClientID != "" {
		t.ClientID = &res.ClientID
		if _, err := o.txs.LinkClient(ctx, res.ClientID, email); err != nil {
			logger.Warn("transaction backfill failed", "client_id", res.ClientID, "error", err.Error())
		}
	}
}

func (o *Orchestrator) mergeContact(ctx context.Context, run *domain.SyncRun, c provider.RawContact) (merge.Result, error) {
	return o.merger.Merge(ctx, merge.Input{
		Source:        run.Source,
		ExternalID:    c.ExternalID,
		Email:         c.Email,
		Phone:         c.Phone,
		FullName:      c.FullName,
		Tags:          c.Tags,
		OptIns:        c.OptIns,
		Stage:         c.Stage,
		PaidCents:     c.PaidCents,
		PaymentStatus: c.PaymentStatus,
		SyncRunID:     run.ID,
	})
}

// normalizedContact projects a fetched contact into the snapshot staged
// alongside its raw payload.
func normalizedContact(c provider.RawContact) domain.NormalizedContact {
	return domain.NormalizedContact{
		Email:         c.Email,
		Phone:         c.Phone,
		FullName:      c.FullName,
		Tags:          c.Tags,
		OptIns:        c.OptIns,
		Stage:         c.Stage,
		PaidCents:     c.PaidCents,
		PaymentStatus: c.PaymentStatus,
	}
}

// ReprocessStaged drains pending staging rows for the source through the
// merge engine, up to limit rows. Rows go pending when an earlier merge
// failed or an invocation died between staging and merging; this is the
// recovery path that picks them up without a provider re-fetch.
func (o *Orchestrator) ReprocessStaged(ctx context.Context, source domain.Source, limit int) (domain.RunCounters, error) {
	var counters domain.RunCounters

	if !stagesContacts(source) {
		return counters, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	if paused, err := o.pauser.SyncPaused(ctx); err != nil {
		return counters, fmt.Errorf("check kill switch: %w", err)
	} else if paused {
		return counters, ErrSyncPaused
	}

	records, err := o.staging.NextUnprocessed(ctx, source, limit)
	if err != nil {
		return counters, fmt.Errorf("claim staged records: %w", err)
	}
	counters.Fetched = len(records)

	for _, rec := range records {
		res, err := o.merger.Merge(ctx, merge.Input{
			Source:        rec.Source,
			ExternalID:    rec.ExternalID,
			Email:         rec.Contact.Email,
			Phone:         rec.Contact.Phone,
			FullName:      rec.Contact.FullName,
			Tags:          rec.Contact.Tags,
			OptIns:        rec.Contact.OptIns,
			Stage:         rec.Contact.Stage,
			PaidCents:     rec.Contact.PaidCents,
			PaymentStatus: rec.Contact.PaymentStatus,
			SyncRunID:     rec.SyncRunID,
		})
		if err != nil {
			counters.Failed++
			logger.Error("staged merge failed", "source", string(source), "external_id", rec.ExternalID, "error", err.Error())
			continue
		}
		switch res.Action {
		case merge.ActionInserted:
			counters.Inserted++
		case merge.ActionUpdated:
			counters.Updated++
		case merge.ActionConflict:
			counters.Conflicts++
		}
	}

	logger.Info("staged reprocess done",
		"source", string(source), "claimed", counters.Fetched,
		"inserted", counters.Inserted, "updated", counters.Updated,
		"conflicts", counters.Conflicts, "failed", counters.Failed)
	return counters, nil
}

// stagesContacts reports whether the source's contacts flow through the
// raw staging table.
func stagesContacts(source domain.Source) bool {
	for _, s := range domain.ContactSources {
		if s == source {
			return true
		}
	}
	return false
}

// RunToCompletion chains RunBatch calls for the source until the
// provider is exhausted, the run is cancelled, or the invocation budget
// runs out. A budget expiry with work remaining finishes the run as
// completed_with_timeout; the next trigger starts fresh from a zero
// checkpoint because everything fetched so far was fully applied.
//
// A per-source distributed lock keeps two processes from chaining the
// same source at once; a held lock returns immediately with nil result.
func (o *Orchestrator) RunToCompletion(ctx context.Context, source domain.Source, budget time.Duration) (*BatchResult, error) {
	var lock distlock.DistLock
	if o.newLock != nil {
		lock = o.newLock(source)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire sync lock: %w", err)
		}
		if !ok {
			logger.Info("sync already in progress elsewhere", "source", string(source))
			return nil, nil
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("sync lock release failed", "source", string(source), "error", err.Error())
			}
		}()
	}

	deadline := time.Now().Add(budget)
	var last *BatchResult
	for {
		res, err := o.RunBatch(ctx, source)
		if err != nil || res == nil {
			return res, err
		}
		if last != nil {
			res.Counters.Add(last.Counters)
		}
		last = res
		if !res.HasMore {
			return last, nil
		}
		if time.Now().After(deadline) {
			if err := o.tracker.CompleteTimeout(ctx, res.Run); err != nil && !errors.Is(err, syncrun.ErrNotActive) {
				return last, err
			}
			o.exportIfDone(res.Run)
			logger.Warn("sync budget exhausted", "source", string(source), "run_id", res.Run.ID, "budget", budget.String())
			last.HasMore = false
			return last, nil
		}
		if ctx.Err() != nil {
			return last, ctx.Err()
		}
		if lock != nil {
			// Re-arm the lock between pages so a long backfill does not
			// outlive its TTL mid-chain.
			if err := lock.Extend(ctx); err != nil {
				logger.Warn("sync lock extend failed", "source", string(source), "error", err.Error())
			}
		}
	}
}
