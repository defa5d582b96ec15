package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ignite/clientsync/internal/auth"
	"github.com/ignite/clientsync/internal/domain"
	"github.com/ignite/clientsync/internal/pkg/distlock"
	"github.com/ignite/clientsync/internal/provider"
	"github.com/ignite/clientsync/internal/service/merge"
	"github.com/ignite/clientsync/internal/service/settings"
	"github.com/ignite/clientsync/internal/service/syncrun"
	"github.com/ignite/clientsync/internal/worker"
)

// memRunRepo mirrors the Postgres conditional-write semantics in memory.
type memRunRepo struct {
	runs []*domain.SyncRun
}

func (m *memRunRepo) Create(_ context.Context, run *domain.SyncRun) error {
	for _, r := range m.runs {
		if r.Source == run.Source && r.Status.IsActive() {
			return syncrun.ErrActiveRunExists
		}
	}
	cp := *run
	m.runs = append(m.runs, &cp)
	return nil
}

func (m *memRunRepo) Get(_ context.Context, id string) (*domain.SyncRun, error) {
	for _, r := range m.runs {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, syncrun.ErrNotFound
}

func (m *memRunRepo) GetActive(_ context.Context, source domain.Source) (*domain.SyncRun, error) {
	for _, r := range m.runs {
		if r.Source == source && r.Status.IsActive() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, syncrun.ErrNotFound
}

func (m *memRunRepo) UpdateProgress(_ context.Context, id string, p syncrun.Progress) error {
	for _, r := range m.runs {
		if r.ID != id {
			continue
		}
		if !r.Status.IsActive() {
			return syncrun.ErrNotActive
		}
		r.Checkpoint = p.Checkpoint
		r.Counters.Add(p.Counters)
		if r.Metadata == nil {
			r.Metadata = map[string]any{}
		}
		for k, v := range p.Metadata {
			r.Metadata[k] = v
		}
		r.Status = p.Status
		r.UpdatedAt = time.Now()
		return nil
	}
	return syncrun.ErrNotFound
}

func (m *memRunRepo) Finish(_ context.Context, id string, status domain.RunStatus, errMsg string) error {
	for _, r := range m.runs {
		if r.ID != id {
			continue
		}
		if !r.Status.IsActive() {
			return syncrun.ErrNotActive
		}
		r.Status = status
		now := time.Now()
		r.CompletedAt = &now
		if errMsg != "" {
			r.ErrorMessage = &errMsg
		}
		return nil
	}
	return syncrun.ErrNotFound
}

func (m *memRunRepo) FailStale(_ context.Context, _ domain.Source, _ time.Time) (int, error) {
	return 0, nil
}

func (m *memRunRepo) CancelActive(_ context.Context, source domain.Source) (int, error) {
	n := 0
	for _, r := range m.runs {
		if r.Status.IsActive() && (source == "" || r.Source == source) {
			r.Status = domain.RunCancelled
			n++
		}
	}
	return n, nil
}

func (m *memRunRepo) List(_ context.Context, f syncrun.ListFilter) ([]domain.SyncRun, error) {
	var out []domain.SyncRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		r := m.runs[i]
		if f.Source != "" && r.Source != f.Source {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, *r)
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

type memSettingsStore struct {
	values map[string]json.RawMessage
}

func (m *memSettingsStore) Get(_ context.Context, key string) (json.RawMessage, error) {
	v, ok := m.values[key]
	if !ok {
		return nil, settings.ErrNotFound
	}
	return v, nil
}

func (m *memSettingsStore) Set(_ context.Context, key string, value json.RawMessage) error {
	m.values[key] = value
	return nil
}

type onePageAdapter struct {
	source domain.Source
	page   provider.Page
}

func (a *onePageAdapter) Source() domain.Source { return a.source }

func (a *onePageAdapter) FetchPage(_ context.Context, _ domain.Checkpoint) (provider.Page, error) {
	return a.page, nil
}

type noopStaging struct{}

func (noopStaging) UpsertBatch(_ context.Context, records []domain.RawContactRecord) (int, error) {
	return len(records), nil
}

func (noopStaging) MarkProcessed(_ context.Context, _ domain.Source, _ []string) error { return nil }

func (noopStaging) NextUnprocessed(_ context.Context, _ domain.Source, _ int) ([]domain.RawContactRecord, error) {
	return nil, nil
}

type noopTxStore struct{}

func (noopTxStore) Upsert(_ context.Context, _ *domain.Transaction) (bool, error) { return true, nil }

func (noopTxStore) LinkClient(_ context.Context, _, _ string) (int64, error) { return 0, nil }

type insertMerger struct{}

func (insertMerger) Merge(_ context.Context, in merge.Input) (merge.Result, error) {
	return merge.Result{Action: merge.ActionInserted, ClientID: "cl-" + in.ExternalID}, nil
}

type openLock struct{}

func (openLock) Acquire(_ context.Context) (bool, error) { return true, nil }
func (openLock) Extend(_ context.Context) error          { return nil }
func (openLock) Release(_ context.Context) error         { return nil }

type fakeClients struct {
	clients []domain.ClientIdentity
}

func (f *fakeClients) Get(_ context.Context, id string) (*domain.ClientIdentity, error) {
	for i := range f.clients {
		if f.clients[i].ID == id {
			return &f.clients[i], nil
		}
	}
	return nil, merge.ErrNotFound
}

func (f *fakeClients) List(_ context.Context, limit, offset int) ([]domain.ClientIdentity, error) {
	if offset >= len(f.clients) {
		return nil, nil
	}
	out := f.clients[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeClients) Count(_ context.Context) (int, error) { return len(f.clients), nil }

type fakeConflicts struct {
	open     []domain.MergeConflict
	resolved []string
}

func (f *fakeConflicts) ListOpen(_ context.Context, _, _ int) ([]domain.MergeConflict, error) {
	return f.open, nil
}

func (f *fakeConflicts) Resolve(_ context.Context, id string) error {
	for i, c := range f.open {
		if c.ID == id {
			f.open = append(f.open[:i], f.open[i+1:]...)
			f.resolved = append(f.resolved, id)
			return nil
		}
	}
	return merge.ErrNotFound
}

type fakeTxReader struct {
	byClient map[string][]domain.Transaction
	revenue  map[domain.Source]int64
}

func (f *fakeTxReader) ListByClient(_ context.Context, clientID string, _ int) ([]domain.Transaction, error) {
	return f.byClient[clientID], nil
}

func (f *fakeTxReader) SummarizeSince(_ context.Context, _ time.Time) (map[domain.Source]int64, error) {
	return f.revenue, nil
}

type fakePendingCounter struct {
	pending map[domain.Source]int
}

func (f *fakePendingCounter) CountPending(_ context.Context, source domain.Source) (int, error) {
	return f.pending[source], nil
}

type fixture struct {
	runs      *memRunRepo
	settings  *settings.Service
	clients   *fakeClients
	conflicts *fakeConflicts
	txs       *fakeTxReader
	staging   *fakePendingCounter
	handlers  *Handlers
}

func newFixture() *fixture {
	runs := &memRunRepo{}
	tracker := syncrun.NewTracker(runs, time.Minute)
	settingsSvc := settings.NewService(&memSettingsStore{values: map[string]json.RawMessage{}}, nil)

	adapter := &onePageAdapter{
		source: domain.SourceGHL,
		page: provider.Page{
			Contacts: []provider.RawContact{
				{ExternalID: "g1", Email: "one@example.com"},
				{ExternalID: "g2", Email: "two@example.com"},
			},
		},
	}
	orch := worker.NewOrchestrator(tracker, []provider.Adapter{adapter}, noopStaging{}, noopTxStore{}, insertMerger{}, settingsSvc,
		func(domain.Source) distlock.DistLock { return openLock{} })

	fx := &fixture{
		runs:      runs,
		settings:  settingsSvc,
		clients:   &fakeClients{},
		conflicts: &fakeConflicts{},
		txs:       &fakeTxReader{byClient: map[string][]domain.Transaction{}, revenue: map[domain.Source]int64{}},
		staging:   &fakePendingCounter{pending: map[domain.Source]int{}},
	}
	fx.handlers = &Handlers{
		Orchestrator:  orch,
		CommandCenter: worker.NewCommandCenter(orch, tracker, settingsSvc, time.Minute),
		Tracker:       tracker,
		Settings:      settingsSvc,
		Clients:       fx.clients,
		Conflicts:     fx.conflicts,
		Transactions:  fx.txs,
		Staging:       fx.staging,
		SyncBudget:    time.Minute,
	}
	return fx
}

func newTestServer(t *testing.T, fx *fixture, tokens []string) *httptest.Server {
	t.Helper()
	mux := SetupRoutes(fx.handlers, NewHealthChecker(nil, nil, nil), auth.NewTokenAuth(tokens), nil)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decodeBody(t *testing.T, res *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestTriggerSyncCompletesRun(t *testing.T) {
	fx := newFixture()
	srv := newTestServer(t, fx, nil)

	res := doRequest(t, http.MethodPost, srv.URL+"/api/sync/ghl_contacts", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}

	var body struct {
		Run     *domain.SyncRun    `json:"run"`
		HasMore bool               `json:"has_more"`
		Totals  domain.RunCounters `json:"counters"`
	}
	decodeBody(t, res, &body)

	if body.Run == nil {
		t.Fatal("response missing run")
	}
	if body.Run.Status != domain.RunCompleted {
		t.Errorf("run status = %s, want completed", body.Run.Status)
	}
	if body.HasMore {
		t.Error("has_more = true for single-page source")
	}
	if got := body.Run.Counters.Inserted; got != 2 {
		t.Errorf("inserted = %d, want 2", got)
	}
}

func TestTriggerSyncUnknownSource(t *testing.T) {
	fx := newFixture()
	srv := newTestServer(t, fx, nil)

	res := doRequest(t, http.MethodPost, srv.URL+"/api/sync/not_a_source", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

func TestTriggerSyncWhilePaused(t *testing.T) {
	fx := newFixture()
	srv := newTestServer(t, fx, nil)

	if err := fx.settings.SetSyncPaused(context.Background(), true); err != nil {
		t.Fatalf("pause: %v", err)
	}

	res := doRequest(t, http.MethodPost, srv.URL+"/api/sync/ghl_contacts", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", res.StatusCode)
	}

	runs, _ := fx.runs.List(context.Background(), syncrun.ListFilter{})
	if len(runs) != 1 || runs[0].Status != domain.RunSkipped {
		t.Errorf("paused trigger should record one skipped run, got %+v", runs)
	}
}

func TestCancelSyncReportsCount(t *testing.T) {
	fx := newFixture()
	srv := newTestServer(t, fx, nil)

	fx.runs.runs = append(fx.runs.runs, &domain.SyncRun{
		ID: "run-1", Source: domain.SourceGHL, Status: domain.RunContinuing,
	})

	res := doRequest(t, http.MethodPost, srv.URL+"/api/sync/cancel?source=ghl_contacts", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var body struct {
		Cancelled int `json:"cancelled"`
	}
	decodeBody(t, res, &body)
	if body.Cancelled != 1 {
		t.Errorf("cancelled = %d, want 1", body.Cancelled)
	}
}

func TestRunHistory(t *testing.T) {
	fx := newFixture()
	srv := newTestServer(t, fx, nil)

	fx.runs.runs = append(fx.runs.runs,
		&domain.SyncRun{ID: "run-a", Source: domain.SourceGHL, Status: domain.RunCompleted},
		&domain.SyncRun{ID: "run-b", Source: domain.SourcePayPal, Status: domain.RunFailed},
	)

	res := doRequest(t, http.MethodGet, srv.URL+"/api/runs?source=ghl_contacts", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", res.StatusCode)
	}
	var list struct {
		Runs []domain.SyncRun `json:"runs"`
	}
	decodeBody(t, res, &list)
	if len(list.Runs) != 1 || list.Runs[0].ID != "run-a" {
		t.Errorf("filtered list = %+v, want just run-a", list.Runs)
	}

	res = doRequest(t, http.MethodGet, srv.URL+"/api/runs/run-b", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", res.StatusCode)
	}

	res = doRequest(t, http.MethodGet, srv.URL+"/api/runs/nope", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing run status = %d, want 404", res.StatusCode)
	}
}

func TestSyncPausedRoundTrip(t *testing.T) {
	fx := newFixture()
	srv := newTestServer(t, fx, nil)

	var state struct {
		Paused bool `json:"paused"`
	}

	res := doRequest(t, http.MethodGet, srv.URL+"/api/settings/sync-paused", nil)
	decodeBody(t, res, &state)
	if state.Paused {
		t.Error("fresh deployment reports paused")
	}

	res = doRequest(t, http.MethodPut, srv.URL+"/api/settings/sync-paused", map[string]bool{"paused": true})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d, want 200", res.StatusCode)
	}

	res = doRequest(t, http.MethodGet, srv.URL+"/api/settings/sync-paused", nil)
	decodeBody(t, res, &state)
	if !state.Paused {
		t.Error("paused flag did not stick")
	}
}

func TestListClients(t *testing.T) {
	fx := newFixture()
	email := "one@example.com"
	fx.clients.clients = []domain.ClientIdentity{
		{ID: "cl-1", Email: &email, Stage: domain.StageCustomer},
		{ID: "cl-2", Stage: domain.StageLead},
	}
	srv := newTestServer(t, fx, nil)

	res := doRequest(t, http.MethodGet, srv.URL+"/api/clients?limit=1", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var body struct {
		Clients []domain.ClientIdentity `json:"clients"`
		Total   int                     `json:"total"`
	}
	decodeBody(t, res, &body)
	if len(body.Clients) != 1 {
		t.Errorf("clients = %d, want 1 (limit)", len(body.Clients))
	}
	if body.Total != 2 {
		t.Errorf("total = %d, want 2", body.Total)
	}
}

func TestGetClientWithTransactions(t *testing.T) {
	fx := newFixture()
	fx.clients.clients = []domain.ClientIdentity{{ID: "cl-1", Stage: domain.StageCustomer}}
	fx.txs.byClient["cl-1"] = []domain.Transaction{
		{ID: "tx-1", Source: domain.SourceStripeCharges, AmountCents: 4999},
	}
	srv := newTestServer(t, fx, nil)

	res := doRequest(t, http.MethodGet, srv.URL+"/api/clients/cl-1", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var body struct {
		Client       domain.ClientIdentity `json:"client"`
		Transactions []domain.Transaction  `json:"transactions"`
	}
	decodeBody(t, res, &body)
	if body.Client.ID != "cl-1" {
		t.Errorf("client id = %s, want cl-1", body.Client.ID)
	}
	if len(body.Transactions) != 1 || body.Transactions[0].AmountCents != 4999 {
		t.Errorf("transactions = %+v, want one 4999c row", body.Transactions)
	}

	res = doRequest(t, http.MethodGet, srv.URL+"/api/clients/nope", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing client status = %d, want 404", res.StatusCode)
	}
}

func TestResolveConflict(t *testing.T) {
	fx := newFixture()
	fx.conflicts.open = []domain.MergeConflict{{ID: "cf-1", Status: domain.ConflictOpen}}
	srv := newTestServer(t, fx, nil)

	res := doRequest(t, http.MethodPost, srv.URL+"/api/conflicts/cf-1/resolve", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if len(fx.conflicts.resolved) != 1 || fx.conflicts.resolved[0] != "cf-1" {
		t.Errorf("resolved = %v, want [cf-1]", fx.conflicts.resolved)
	}

	res = doRequest(t, http.MethodPost, srv.URL+"/api/conflicts/cf-1/resolve", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("double resolve status = %d, want 404", res.StatusCode)
	}
}

func TestGetStatusRollup(t *testing.T) {
	fx := newFixture()
	fx.staging.pending[domain.SourceGHL] = 7
	fx.txs.revenue[domain.SourceStripeCharges] = 125000
	fx.runs.runs = append(fx.runs.runs, &domain.SyncRun{
		ID: "run-1", Source: domain.SourceGHL, Status: domain.RunContinuing,
	})
	srv := newTestServer(t, fx, nil)

	res := doRequest(t, http.MethodGet, srv.URL+"/api/status", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var body struct {
		Paused         bool                       `json:"paused"`
		ActiveRuns     map[string]*domain.SyncRun `json:"active_runs"`
		PendingStaging map[string]int             `json:"pending_staging"`
		Revenue        map[string]int64           `json:"revenue_30d"`
	}
	decodeBody(t, res, &body)

	if body.Paused {
		t.Error("paused = true, want false")
	}
	if run := body.ActiveRuns["ghl_contacts"]; run == nil || run.ID != "run-1" {
		t.Errorf("active_runs = %+v, want ghl_contacts run-1", body.ActiveRuns)
	}
	if body.PendingStaging["ghl_contacts"] != 7 {
		t.Errorf("pending_staging = %+v, want ghl_contacts:7", body.PendingStaging)
	}
	if body.Revenue["stripe_charges"] != 125000 {
		t.Errorf("revenue_30d = %+v, want stripe_charges:125000", body.Revenue)
	}
}

func TestReprocessStagingRoute(t *testing.T) {
	fx := newFixture()
	srv := newTestServer(t, fx, nil)

	res := doRequest(t, http.MethodPost, srv.URL+"/api/staging/ghl_contacts/reprocess", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var body struct {
		Claimed int `json:"claimed"`
	}
	decodeBody(t, res, &body)
	if body.Claimed != 0 {
		t.Errorf("claimed = %d, want 0 for empty backlog", body.Claimed)
	}

	// Payment sources merge directly and have no staging backlog.
	res = doRequest(t, http.MethodPost, srv.URL+"/api/staging/stripe_charges/reprocess", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("payment source status = %d, want 404", res.StatusCode)
	}
}

func TestAdminTokenGuardsAPI(t *testing.T) {
	fx := newFixture()
	srv := newTestServer(t, fx, []string{"secret-token"})

	res := doRequest(t, http.MethodGet, srv.URL+"/api/status", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", res.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authed request: %v", err)
	}
	defer authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Errorf("authed status = %d, want 200", authed.StatusCode)
	}

	// Health stays open for load balancer probes.
	res = doRequest(t, http.MethodGet, srv.URL+"/health/live", nil)
	if res.StatusCode != http.StatusOK {
		t.Errorf("liveness status = %d, want 200", res.StatusCode)
	}
}
