package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/clientsync/internal/domain"
	"github.com/ignite/clientsync/internal/pkg/httputil"
	"github.com/ignite/clientsync/internal/service/merge"
	"github.com/ignite/clientsync/internal/service/settings"
	"github.com/ignite/clientsync/internal/service/syncrun"
	"github.com/ignite/clientsync/internal/worker"
)

// ClientReader is the read side of the canonical client store the API
// serves.
type ClientReader interface {
	Get(ctx context.Context, id string) (*domain.ClientIdentity, error)
	List(ctx context.Context, limit, offset int) ([]domain.ClientIdentity, error)
	Count(ctx context.Context) (int, error)
}

// ConflictStore lists and resolves merge conflicts.
type ConflictStore interface {
	ListOpen(ctx context.Context, limit, offset int) ([]domain.MergeConflict, error)
	Resolve(ctx context.Context, id string) error
}

// TransactionReader serves per-client payment history and revenue
// rollups.
type TransactionReader interface {
	ListByClient(ctx context.Context, clientID string, limit int) ([]domain.Transaction, error)
	SummarizeSince(ctx context.Context, since time.Time) (map[domain.Source]int64, error)
}

// PendingCounter reports staging backlog depth per source.
type PendingCounter interface {
	CountPending(ctx context.Context, source domain.Source) (int, error)
}

// Handlers carries the wired services for all HTTP endpoints.
type Handlers struct {
	Orchestrator  *worker.Orchestrator
	CommandCenter *worker.CommandCenter
	Tracker       *syncrun.Tracker
	Settings      *settings.Service
	Clients       ClientReader
	Conflicts     ConflictStore
	Transactions  TransactionReader
	Staging       PendingCounter

	// SyncBudget bounds a single trigger invocation.
	SyncBudget time.Duration
}

// ---------------------------------------------------------------------------
// Sync triggers
// ---------------------------------------------------------------------------

// TriggerSync runs a sync for one source.
//
//	POST /api/sync/{source}?mode=batch|full
//
// mode=batch processes exactly one provider page and returns whether
// more remain; mode=full (the default) chains batches until the source
// is exhausted or the invocation budget runs out.
func (h *Handlers) TriggerSync(w http.ResponseWriter, r *http.Request) {
	source := domain.Source(chi.URLParam(r, "source"))

	var (
		res *worker.BatchResult
		err error
	)
	if r.URL.Query().Get("mode") == "batch" {
		res, err = h.Orchestrator.RunBatch(r.Context(), source)
	} else {
		res, err = h.Orchestrator.RunToCompletion(r.Context(), source, h.SyncBudget)
	}

	switch {
	case errors.Is(err, worker.ErrUnknownSource):
		httputil.NotFound(w, "unknown source: "+string(source))
	case errors.Is(err, worker.ErrSyncPaused):
		httputil.JSON(w, http.StatusConflict, map[string]any{
			"error": "sync is paused",
			"run":   res.Run,
		})
	case err != nil:
		httputil.JSON(w, http.StatusBadGateway, map[string]any{
			"error":  err.Error(),
			"result": res,
		})
	case res == nil:
		httputil.JSON(w, http.StatusConflict, map[string]any{
			"error": "sync already in progress elsewhere",
		})
	default:
		httputil.OK(w, res)
	}
}

// ReprocessStaging re-runs the identity merge over pending staged rows
// for one source, for recovery after partial merge failures.
//
//	POST /api/staging/{source}/reprocess?limit=500
func (h *Handlers) ReprocessStaging(w http.ResponseWriter, r *http.Request) {
	source := domain.Source(chi.URLParam(r, "source"))
	limit := queryInt(r.URL.Query().Get("limit"), 500)

	counters, err := h.Orchestrator.ReprocessStaged(r.Context(), source, limit)
	switch {
	case errors.Is(err, worker.ErrUnknownSource):
		httputil.NotFound(w, "source does not stage contacts: "+string(source))
	case errors.Is(err, worker.ErrSyncPaused):
		httputil.JSON(w, http.StatusConflict, map[string]any{"error": "sync is paused"})
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, map[string]any{"claimed": counters.Fetched, "counters": counters})
	}
}

// TriggerCommandCenter sweeps every source in order.
//
//	POST /api/sync/command-center
func (h *Handlers) TriggerCommandCenter(w http.ResponseWriter, r *http.Request) {
	res, err := h.CommandCenter.RunAll(r.Context())
	if err != nil {
		httputil.JSON(w, http.StatusBadGateway, map[string]any{
			"error":  err.Error(),
			"result": res,
		})
		return
	}
	httputil.OK(w, res)
}

// CancelSync cancels active runs.
//
//	POST /api/sync/cancel?source=ghl_contacts
//
// Without a source it cancels everything, the command center included.
func (h *Handlers) CancelSync(w http.ResponseWriter, r *http.Request) {
	source := domain.Source(r.URL.Query().Get("source"))
	n, err := h.Tracker.Cancel(r.Context(), source)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"cancelled": n})
}

// ---------------------------------------------------------------------------
// Run history
// ---------------------------------------------------------------------------

// ListRuns returns run history, newest first.
//
//	GET /api/runs?source=&status=&limit=&offset=
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := syncrun.ListFilter{
		Source: domain.Source(q.Get("source")),
		Status: domain.RunStatus(q.Get("status")),
		Limit:  queryInt(q.Get("limit"), 50),
		Offset: queryInt(q.Get("offset"), 0),
	}
	runs, err := h.Tracker.List(r.Context(), f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if runs == nil {
		runs = []domain.SyncRun{}
	}
	httputil.OK(w, map[string]any{"runs": runs})
}

// GetRun returns one run by ID.
//
//	GET /api/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Tracker.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, syncrun.ErrNotFound) {
		httputil.NotFound(w, "run not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, run)
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// GetSyncPaused reports the kill switch state.
//
//	GET /api/settings/sync-paused
func (h *Handlers) GetSyncPaused(w http.ResponseWriter, r *http.Request) {
	paused, err := h.Settings.SyncPaused(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]bool{"paused": paused})
}

// SetSyncPaused flips the kill switch.
//
//	PUT /api/settings/sync-paused  {"paused": true}
func (h *Handlers) SetSyncPaused(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Paused bool `json:"paused"`
	}
	if !httputil.Decode(w, r, &body) {
		return
	}
	if err := h.Settings.SetSyncPaused(r.Context(), body.Paused); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]bool{"paused": body.Paused})
}

// ---------------------------------------------------------------------------
// Clients, conflicts, status
// ---------------------------------------------------------------------------

// ListClients pages through merged identities, most recently synced
// first.
//
//	GET /api/clients?limit=&offset=
func (h *Handlers) ListClients(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clients, err := h.Clients.List(r.Context(), queryInt(q.Get("limit"), 50), queryInt(q.Get("offset"), 0))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	total, err := h.Clients.Count(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if clients == nil {
		clients = []domain.ClientIdentity{}
	}
	httputil.OK(w, map[string]any{"clients": clients, "total": total})
}

// GetClient returns one identity with its payment history.
//
//	GET /api/clients/{id}
func (h *Handlers) GetClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	client, err := h.Clients.Get(r.Context(), id)
	if errors.Is(err, merge.ErrNotFound) {
		httputil.NotFound(w, "client not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	txs, err := h.Transactions.ListByClient(r.Context(), id, 50)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	httputil.OK(w, map[string]any{"client": client, "transactions": txs})
}

// ListConflicts returns the open merge conflict backlog.
//
//	GET /api/conflicts?limit=&offset=
func (h *Handlers) ListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	conflicts, err := h.Conflicts.ListOpen(r.Context(), queryInt(q.Get("limit"), 50), queryInt(q.Get("offset"), 0))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []domain.MergeConflict{}
	}
	httputil.OK(w, map[string]any{"conflicts": conflicts})
}

// ResolveConflict closes an open conflict.
//
//	POST /api/conflicts/{id}/resolve
func (h *Handlers) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	err := h.Conflicts.Resolve(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, merge.ErrNotFound) {
		httputil.NotFound(w, "open conflict not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "resolved"})
}

// GetStatus is the dashboard rollup: active runs, staging backlog, and
// trailing 30-day revenue per source.
//
//	GET /api/status
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	paused, _ := h.Settings.SyncPaused(ctx)

	active := map[domain.Source]*domain.SyncRun{}
	pending := map[domain.Source]int{}
	for _, source := range h.Orchestrator.Sources() {
		if run, err := h.Tracker.List(ctx, syncrun.ListFilter{Source: source, Limit: 1}); err == nil && len(run) > 0 && run[0].Status.IsActive() {
			active[source] = &run[0]
		}
		if n, err := h.Staging.CountPending(ctx, source); err == nil && n > 0 {
			pending[source] = n
		}
	}

	revenue, err := h.Transactions.SummarizeSince(ctx, time.Now().AddDate(0, 0, -30))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, map[string]any{
		"paused":          paused,
		"active_runs":     active,
		"pending_staging": pending,
		"revenue_30d":     revenue,
	})
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
