package httpx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"log/slog"

	"github.com/driftlab/conduit/internal/catalog"
	"github.com/driftlab/conduit/internal/domain"
	"github.com/driftlab/conduit/internal/manifest"
	"github.com/driftlab/conduit/internal/provider"
	"github.com/driftlab/conduit/internal/repository"
	"github.com/driftlab/conduit/internal/service/credits"
	"github.com/driftlab/conduit/internal/service/deploy"
	"github.com/driftlab/conduit/internal/service/stats"
	"github.com/driftlab/conduit/internal/ws"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, depRepo *stubDeploymentRepo, creditRepo *stubCreditRepo, statsRepo *stubStatsRepo, client *stubProviderClient) *Router {
	t.Helper()
	logger := testLogger()
	if creditRepo == nil {
		creditRepo = &stubCreditRepo{}
	}
	if statsRepo == nil {
		statsRepo = &stubStatsRepo{}
	}
	if client == nil {
		client = &stubProviderClient{}
	}
	hub := ws.NewHub()
	creditsSvc := credits.New(creditRepo, logger)
	deploySvc := deploy.New(depRepo, creditsSvc, provider.NewRegistry(client, client), catalog.NewRegistry(), manifest.Renderer{}, logger, 2)
	statsSvc := stats.New(depRepo, statsRepo, hub, logger)
	router := NewRouter(logger, deploySvc, creditsSvc, statsSvc, hub, NewMemoryRateLimiter(), "test-secret", "admin-token", "http://api.test", nil)
	t.Cleanup(router.Close)
	return router
}

func proxyRecord(appURL string) *domain.Deployment {
	return &domain.Deployment{
		ID:       1,
		UserID:   "user-1",
		LeaseID:  "123",
		Provider: domain.ProviderAkash,
		AppURL:   appURL,
		APIKey:   "ak-secret-1",
		Status:   domain.StatusCreating,
	}
}

func TestProxyRequiresCredential(t *testing.T) {
	router := newTestRouter(t, &stubDeploymentRepo{record: proxyRecord("http://h:80")}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/proxy-infer/1/v1/models", nil)
	rr := httptest.NewRecorder()
	router.handleProxy(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestProxyUnknownRecord(t *testing.T) {
	router := newTestRouter(t, &stubDeploymentRepo{}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/proxy-infer/99/v1/models", nil)
	req.Header.Set("Authorization", "Bearer ak-secret-1")
	rr := httptest.NewRecorder()
	router.handleProxy(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestProxyNotReadyEndpoint(t *testing.T) {
	for _, appURL := range []string{"", "http://pending-url.com/123"} {
		router := newTestRouter(t, &stubDeploymentRepo{record: proxyRecord(appURL)}, nil, nil, nil)

		req := httptest.NewRequest(http.MethodGet, "/proxy-infer/1/v1/models", nil)
		req.Header.Set("Authorization", "Bearer ak-secret-1")
		rr := httptest.NewRecorder()
		router.handleProxy(rr, req)

		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("app url %q: expected 503, got %d", appURL, rr.Code)
		}
	}
}

func TestProxyClosedDeploymentUnavailable(t *testing.T) {
	record := proxyRecord("http://h:80")
	record.Status = domain.StatusClosed
	router := newTestRouter(t, &stubDeploymentRepo{record: record}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/proxy-infer/1/v1/models", nil)
	req.Header.Set("Authorization", "Bearer ak-secret-1")
	rr := httptest.NewRecorder()
	router.handleProxy(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestProxyMissingSecretIsServerError(t *testing.T) {
	record := proxyRecord("http://h:80")
	record.APIKey = ""
	router := newTestRouter(t, &stubDeploymentRepo{record: record}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/proxy-infer/1/v1/models", nil)
	req.Header.Set("Authorization", "Bearer ak-secret-1")
	rr := httptest.NewRecorder()
	router.handleProxy(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestProxyRejectsMismatchWithoutUpstreamContact(t *testing.T) {
	var upstreamCalls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
	}))
	defer upstream.Close()

	router := newTestRouter(t, &stubDeploymentRepo{record: proxyRecord(upstream.URL)}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/proxy-infer/1/v1/models", nil)
	req.Header.Set("Authorization", "Bearer wrong-secret")
	rr := httptest.NewRecorder()
	router.handleProxy(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if upstreamCalls.Load() != 0 {
		t.Fatalf("expected rejected request to never reach upstream, got %d calls", upstreamCalls.Load())
	}
}

func TestProxyForwardsVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST at upstream, got %s", r.Method)
		}
		if r.URL.Path != "/v1/completions" {
			t.Errorf("unexpected upstream path %q", r.URL.Path)
		}
		if r.URL.RawQuery != "stream=true" {
			t.Errorf("unexpected upstream query %q", r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("expected Authorization stripped, got %q", got)
		}
		if got := r.Header.Get("X-Custom"); got != "kept" {
			t.Errorf("expected custom header relayed, got %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"prompt":"hi"}` {
			t.Errorf("unexpected upstream body %q", body)
		}
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("brewing"))
	}))
	defer upstream.Close()

	router := newTestRouter(t, &stubDeploymentRepo{record: proxyRecord(upstream.URL)}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/proxy-infer/1/v1/completions?stream=true", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set("Authorization", "Bearer ak-secret-1")
	req.Header.Set("X-Custom", "kept")
	rr := httptest.NewRecorder()
	router.handleProxy(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected upstream status relayed, got %d", rr.Code)
	}
	if rr.Body.String() != "brewing" {
		t.Fatalf("expected upstream body relayed, got %q", rr.Body.String())
	}
	if rr.Header().Get("X-Upstream") != "yes" {
		t.Fatalf("expected upstream header relayed")
	}
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := upstream.URL
	upstream.Close()

	router := newTestRouter(t, &stubDeploymentRepo{record: proxyRecord(target)}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/proxy-infer/1/v1/models", nil)
	req.Header.Set("Authorization", "Bearer ak-secret-1")
	rr := httptest.NewRecorder()
	router.handleProxy(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
}

type stubDeploymentRepo struct {
	record      *domain.Deployment
	createCalls int
	lastCreated *domain.Deployment
	lastUpdate  domain.DeploymentUpdate
	activeCount int
}

func (s *stubDeploymentRepo) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	s.createCalls++
	d.ID = int64(s.createCalls)
	s.lastCreated = d
	s.record = d
	return nil
}

func (s *stubDeploymentRepo) GetDeploymentByID(_ context.Context, id int64) (*domain.Deployment, error) {
	if s.record == nil || s.record.ID != id {
		return nil, repository.ErrNotFound
	}
	return s.record, nil
}

func (s *stubDeploymentRepo) GetDeploymentByLeaseID(context.Context, string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (s *stubDeploymentRepo) GetDeploymentByMonitoringID(_ context.Context, monitoringID string) (*domain.Deployment, error) {
	if s.record == nil || s.record.MonitoringID != monitoringID {
		return nil, repository.ErrNotFound
	}
	return s.record, nil
}

func (s *stubDeploymentRepo) UpdateDeployment(_ context.Context, id int64, update domain.DeploymentUpdate) (*domain.Deployment, error) {
	s.lastUpdate = update
	return s.record, nil
}

func (s *stubDeploymentRepo) ListDeploymentsByUser(context.Context, string, domain.DeploymentFilter) ([]domain.Deployment, error) {
	if s.record == nil {
		return nil, nil
	}
	return []domain.Deployment{*s.record}, nil
}

func (s *stubDeploymentRepo) CountActiveDeployments(context.Context, string) (int, error) {
	return s.activeCount, nil
}

type stubCreditRepo struct {
	balance     int
	hasLedger   bool
	deductOK    bool
	initCalls   int
	addCalls    int
	lastAdded   int
	deductCalls int
}

func (s *stubCreditRepo) InitializeCredits(_ context.Context, _ string, amount int) error {
	s.initCalls++
	if !s.hasLedger {
		s.hasLedger = true
		s.balance = amount
	}
	return nil
}

func (s *stubCreditRepo) AddCredits(_ context.Context, _ string, amount int) error {
	s.addCalls++
	s.lastAdded = amount
	s.balance += amount
	return nil
}

func (s *stubCreditRepo) DeductCredits(context.Context, string, int) (bool, error) {
	s.deductCalls++
	return s.deductOK, nil
}

func (s *stubCreditRepo) GetCredits(context.Context, string) (int, error) {
	if !s.hasLedger {
		return 0, repository.ErrNotFound
	}
	return s.balance, nil
}

type stubStatsRepo struct {
	inserted []domain.DeploymentStat
}

func (s *stubStatsRepo) InsertDeploymentStat(_ context.Context, stat *domain.DeploymentStat) error {
	stat.ID = int64(len(s.inserted) + 1)
	s.inserted = append(s.inserted, *stat)
	return nil
}

func (s *stubStatsRepo) ListDeploymentStats(_ context.Context, deploymentID int64, _ int) ([]domain.DeploymentStat, error) {
	var out []domain.DeploymentStat
	for _, stat := range s.inserted {
		if stat.DeploymentID == deploymentID {
			out = append(out, stat)
		}
	}
	return out, nil
}

type stubProviderClient struct {
	commitment   provider.Commitment
	negotiateErr error
	teardownErr  error
}

func (s *stubProviderClient) Negotiate(context.Context, string) (provider.Commitment, error) {
	if s.negotiateErr != nil {
		return provider.Commitment{}, s.negotiateErr
	}
	return s.commitment, nil
}

func (s *stubProviderClient) Teardown(context.Context, string) error { return s.teardownErr }
