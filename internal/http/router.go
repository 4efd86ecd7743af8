// Package httpx wires the orchestrator services to their HTTP surface.
package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftlab/conduit/internal/catalog"
	"github.com/driftlab/conduit/internal/domain"
	"github.com/driftlab/conduit/internal/provider"
	"github.com/driftlab/conduit/internal/repository"
	"github.com/driftlab/conduit/internal/service/credits"
	"github.com/driftlab/conduit/internal/service/deploy"
	"github.com/driftlab/conduit/internal/service/stats"
	"github.com/driftlab/conduit/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	deploy        deploy.Service
	credits       credits.Service
	stats         stats.Service
	hub           *ws.Hub
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	proxyClient   *http.Client
	jwtSecret     []byte
	adminToken    string
	publicBaseURL string
	dbHealth      func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	rateLimitProxy     = 600
	rateLimitAgent     = 600
	rateLimitAdmin     = 60
	healthCheckTimeout = 2 * time.Second
	proxyTimeout       = 60 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deploySvc deploy.Service, creditsSvc credits.Service, statsSvc stats.Service, hub *ws.Hub, limiter RateLimiter, jwtSecret, adminToken, publicBaseURL string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		deploy:  deploySvc,
		credits: creditsSvc,
		stats:   statsSvc,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       limiter,
		proxyClient:   &http.Client{Timeout: proxyTimeout},
		jwtSecret:     []byte(jwtSecret),
		adminToken:    strings.TrimSpace(adminToken),
		publicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
		dbHealth:      dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/deployments", r.audit("/deployments", r.handlerAuthRate("/deployments", rateLimitUserWrite, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments/{id}", r.handlerAuthRate("/deployments/{id}", rateLimitUserRead, rateWindowDefault, r.handleDeploymentByID)))
	r.mux.HandleFunc("/proxy-infer/", r.audit("/proxy-infer", r.withRateLimit("/proxy-infer", rateLimitProxy, rateWindowDefault, rateLimitKeyIP, r.handleProxy)))
	r.mux.HandleFunc("/monitoring/mem", r.audit("/monitoring/mem", r.withRateLimit("/monitoring/mem", rateLimitAgent, rateWindowDefault, rateLimitKeyIP, r.handleMonitoringMem)))
	r.mux.HandleFunc("/monitoring/stats/", r.audit("/monitoring/stats/{id}", r.handlerAuthRate("/monitoring/stats/{id}", rateLimitUserRead, rateWindowDefault, r.handleMonitoringStats)))
	r.mux.HandleFunc("/credits", r.audit("/credits", r.handlerAuthRate("/credits", rateLimitUserRead, rateWindowDefault, r.handleCredits)))
	r.mux.HandleFunc("/credits/add", r.audit("/credits/add", r.withRateLimit("/credits/add", rateLimitAdmin, rateWindowDefault, rateLimitKeyIP, r.handleCreditsAdd)))
	r.mux.HandleFunc("/ws/stats", r.audit("/ws/stats", r.handlerAuthRate("/ws/stats", rateLimitWebsocket, rateWindowRealtime, r.handleStatsWS)))
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for deployments route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodPost:
		r.handleCreateDeployment(w, req, info.UserID)
	case http.MethodGet:
		r.handleListDeployments(w, req, info.UserID)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleCreateDeployment(w http.ResponseWriter, req *http.Request, userID string) {
	var payload struct {
		Provider string `json:"provider"`
		Manifest string `json:"manifest"`
		domain.DeploymentConfig
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	input := deploy.CreateInput{
		Provider:    domain.ProviderType(strings.ToLower(strings.TrimSpace(payload.Provider))),
		ServiceType: payload.ServiceType,
		Config:      payload.DeploymentConfig,
		RawManifest: payload.Manifest,
	}
	record, err := r.deploy.Create(req.Context(), userID, input)
	if err != nil {
		r.writeDeployError(w, err)
		return
	}
	view := deploymentView(record)
	// The secret is disclosed exactly once, in this response.
	view["apiKey"] = record.APIKey
	view["proxyUrl"] = r.publicBaseURL + "/proxy-infer/" + strconv.FormatInt(record.ID, 10)
	writeJSON(w, http.StatusAccepted, view)
}

func (r *Router) writeDeployError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, deploy.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, deploy.ErrDeploymentLimit):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, catalog.ErrUnknownServiceType):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, provider.ErrTimeout), errors.Is(err, provider.ErrTransactionRejected):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "deployment not found")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request, userID string) {
	query := req.URL.Query()
	filter := domain.DeploymentFilter{
		DeploymentType: strings.ToLower(strings.TrimSpace(query.Get("type"))),
		Provider:       domain.ProviderType(strings.ToLower(strings.TrimSpace(query.Get("provider")))),
		SortByRecency:  query.Get("sort") == "recent",
	}
	records, err := r.deploy.ListForUser(req.Context(), userID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]map[string]any, 0, len(records))
	for i := range records {
		views = append(views, deploymentView(&records[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Router) handleDeploymentByID(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for deployment route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	record, ok := r.ownedDeployment(w, req, strings.TrimPrefix(req.URL.Path, "/deployments/"), info.UserID)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, deploymentView(record))
	case http.MethodDelete:
		if err := r.deploy.Close(req.Context(), record.ID); err != nil {
			r.writeDeployError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": record.ID, "status": "closing"})
	default:
		r.methodNotAllowed(w)
	}
}

// ownedDeployment resolves a record and enforces ownership. Foreign records
// read as absent rather than forbidden.
func (r *Router) ownedDeployment(w http.ResponseWriter, req *http.Request, rawID, userID string) (*domain.Deployment, bool) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		r.notFound(w)
		return nil, false
	}
	record, err := r.deploy.Get(req.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	if record.UserID != userID {
		r.notFound(w)
		return nil, false
	}
	return record, true
}

func (r *Router) handleMonitoringMem(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var sample stats.Sample
	if err := json.NewDecoder(req.Body).Decode(&sample); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(sample.MonitoringID) == "" {
		writeError(w, http.StatusBadRequest, "deploymentId is required")
		return
	}
	if err := r.stats.Ingest(req.Context(), sample); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown monitoring id")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (r *Router) handleMonitoringStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for stats route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	record, ok := r.ownedDeployment(w, req, strings.TrimPrefix(req.URL.Path, "/monitoring/stats/"), info.UserID)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	series, err := r.stats.List(req.Context(), record.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]map[string]any, 0, len(series))
	for _, stat := range series {
		views = append(views, map[string]any{
			"memoryCurrent": stat.MemoryCurrentBytes,
			"memoryMax":     stat.MemoryMaxBytes,
			"cpuUsageUsec":  stat.CPUUsageUsec,
			"cpuUserUsec":   stat.CPUUserUsec,
			"cpuSystemUsec": stat.CPUSystemUsec,
			"createdAt":     stat.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"deploymentId": record.ID, "stats": views})
}

func (r *Router) handleCredits(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for credits route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	balance, err := r.credits.Balance(req.Context(), info.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// First sighting of this user: seed the starting balance.
			if initErr := r.credits.InitializeUser(req.Context(), info.UserID); initErr != nil {
				writeError(w, http.StatusInternalServerError, initErr.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"credits": credits.InitialCredits})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credits": balance})
}

func (r *Router) handleCreditsAdd(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyAdminToken(w, req) {
		return
	}
	var payload struct {
		UserID string `json:"userId"`
		Amount int    `json:"amount"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	payload.UserID = strings.TrimSpace(payload.UserID)
	if payload.UserID == "" || payload.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "userId and positive amount are required")
		return
	}
	if err := r.credits.Add(req.Context(), payload.UserID, payload.Amount); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "credited"})
}

func (r *Router) handleStatsWS(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for stats websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	record, ok := r.ownedDeployment(w, req, req.URL.Query().Get("deployment_id"), info.UserID)
	if !ok {
		return
	}
	channel := strconv.FormatInt(record.ID, 10)
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(channel, client)
	go func() {
		defer func() {
			r.hub.Unregister(channel, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func deploymentView(d *domain.Deployment) map[string]any {
	return map[string]any{
		"id":           d.ID,
		"leaseId":      d.LeaseID,
		"monitoringId": d.MonitoringID,
		"provider":     d.Provider,
		"appUrl":       d.AppURL,
		"type":         d.DeploymentType,
		"name":         d.Name,
		"image":        d.Image,
		"cpuUnits":     d.CPUUnits,
		"memory":       d.Memory,
		"storage":      d.Storage,
		"duration":     d.Duration,
		"status":       d.Status,
		"createdAt":    d.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		} else if strings.HasPrefix(req.URL.Path, "/monitoring/mem") {
			actor = "agent"
		} else if strings.HasPrefix(req.URL.Path, "/proxy-infer/") {
			actor = "consumer"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// verifyAdminToken guards endpoints reserved for the payment backoffice.
func (r *Router) verifyAdminToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.adminToken
	if expected == "" {
		r.logger.Error("admin token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "admin authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Admin-Token"))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("admin token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid admin token")
		return false
	}
	return true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
