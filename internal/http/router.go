package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chudopalovba/diplom/internal/domain"
	"github.com/chudopalovba/diplom/internal/driver"
	"github.com/chudopalovba/diplom/internal/service/pipeline"
	"github.com/chudopalovba/diplom/internal/service/project"
	"github.com/chudopalovba/diplom/internal/ws"
)

// ProjectService is the registry surface exposed over HTTP.
type ProjectService interface {
	Create(ctx context.Context, actor domain.Actor, input project.CreateInput) (*domain.Project, error)
	Get(ctx context.Context, projectID string) (*domain.Project, error)
	List(ctx context.Context, ownerID string) iter.Seq2[domain.Project, error]
	Summary(ctx context.Context, ownerID string) (project.Summary, error)
	Delete(ctx context.Context, projectID string) error
}

// PipelineService is the orchestrator surface exposed over HTTP.
type PipelineService interface {
	TriggerBuild(ctx context.Context, actor domain.Actor, projectID string) (*domain.PipelineRun, error)
	TriggerDeploy(ctx context.Context, actor domain.Actor, projectID string) (*domain.PipelineRun, error)
	TriggerQualityScan(ctx context.Context, actor domain.Actor, projectID string) (*domain.PipelineRun, error)
	Cancel(ctx context.Context, projectID string) (*domain.PipelineRun, error)
	Status(ctx context.Context, projectID string) (*domain.PipelineRun, error)
	History(ctx context.Context, projectID string) iter.Seq2[domain.PipelineRun, error]
}

// ProgressIngester accepts runner progress pushed to the callback endpoint.
type ProgressIngester interface {
	Ingest(ctx context.Context, event driver.ProgressEvent) (pipeline.Outcome, error)
}

// Services groups the collaborators served by the router.
type Services struct {
	Projects  ProjectService
	Pipelines PipelineService
	Progress  ProgressIngester
	Streams   *ws.Hub
}

// Options configures authentication, health and metrics.
type Options struct {
	JWTSecret   string
	RunnerToken string
	DBHealth    func(context.Context) error
	// Registry receives the API collectors and backs /metrics. Nil disables both.
	Registry *prometheus.Registry
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	projects    ProjectService
	pipelines   PipelineService
	progress    ProgressIngester
	streams     *ws.Hub
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	jwtSecret   string
	runnerToken string
	dbHealth    func(context.Context) error
	registry    *prometheus.Registry
	metrics     *httpMetrics
}

const (
	healthCheckTimeout   = 2 * time.Second
	sseHeartbeatInterval = 25 * time.Second
	maxBodyBytes         = 1 << 20

	defaultListLimit    = 100
	maxListLimit        = 500
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, services Services, limiter RateLimiter, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "http"),
		projects:  services.Projects,
		pipelines: services.Pipelines,
		progress:  services.Progress,
		streams:   services.Streams,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     limiter,
		jwtSecret:   opts.JWTSecret,
		runnerToken: strings.TrimSpace(opts.RunnerToken),
		dbHealth:    opts.DBHealth,
		registry:    opts.Registry,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.registry != nil {
		var subscribers func() int
		if r.streams != nil {
			subscribers = r.streams.Subscribers
		}
		r.metrics = newHTTPMetrics(r.registry, subscribers)
	}
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
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	if r.registry != nil {
		r.mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry}))
	}
	r.mux.HandleFunc("/projects", r.audit("projects", r.actorRoute(r.handleProjects)))
	r.mux.HandleFunc("/projects/summary", r.audit("projects_summary", r.actorRoute(r.handleProjectSummary)))
	r.mux.HandleFunc("/projects/", r.audit("project", r.actorRoute(r.handleProjectSubroutes)))
	r.mux.HandleFunc("/runner/callback", r.audit("runner_callback", r.limited(policyRunner, r.handleRunnerCallback)))
	r.mux.HandleFunc("/ws/pipelines", r.audit("ws_pipelines", r.streamRoute(r.handlePipelinesWS)))
	r.mux.HandleFunc("/pipelines/stream", r.audit("sse_pipelines", r.streamRoute(r.handlePipelinesSSE)))
}

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Stack       struct {
		Backend             string `json:"backend"`
		Frontend            string `json:"frontend"`
		Database            string `json:"database"`
		UseContainerization *bool  `json:"use_containerization"`
	} `json:"stack"`
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	actor, ok := actorFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for projects route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodPost:
		var payload createProjectRequest
		if !r.decodeJSON(w, req, &payload) {
			return
		}
		proj, err := r.projects.Create(req.Context(), actor, project.CreateInput{
			Name:                payload.Name,
			Description:         payload.Description,
			Backend:             payload.Stack.Backend,
			Frontend:            payload.Stack.Frontend,
			Database:            payload.Stack.Database,
			UseContainerization: payload.Stack.UseContainerization,
		})
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, proj)
	case http.MethodGet:
		limit := queryLimit(req, defaultListLimit, maxListLimit)
		projects := make([]domain.Project, 0)
		for p, err := range r.projects.List(req.Context(), ownerFilter(req, actor)) {
			if err != nil {
				r.writeServiceError(w, req, err)
				return
			}
			projects = append(projects, p)
			if len(projects) == limit {
				break
			}
		}
		writeJSON(w, http.StatusOK, projects)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectSummary(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	actor, _ := actorFromContext(req.Context())
	summary, err := r.projects.Summary(req.Context(), ownerFilter(req, actor))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/projects/"), "/")
	parts := strings.Split(trimmed, "/")
	projectID := parts[0]
	if projectID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleProject(w, req, projectID)
	case len(parts) == 2 && parts[1] == "pipeline":
		r.handlePipelineStatus(w, req, projectID)
	case len(parts) == 3 && parts[1] == "pipeline" && parts[2] == "history":
		r.handlePipelineHistory(w, req, projectID)
	case len(parts) == 2:
		r.handlePipelineAction(w, req, projectID, parts[1])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodGet:
		proj, err := r.projects.Get(req.Context(), projectID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, proj)
	case http.MethodDelete:
		if err := r.projects.Delete(req.Context(), projectID); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handlePipelineAction(w http.ResponseWriter, req *http.Request, projectID, action string) {
	var trigger func(context.Context, domain.Actor, string) (*domain.PipelineRun, error)
	switch action {
	case "build":
		trigger = r.pipelines.TriggerBuild
	case "deploy":
		trigger = r.pipelines.TriggerDeploy
	case "scan":
		trigger = r.pipelines.TriggerQualityScan
	case "cancel":
	default:
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if trigger == nil {
		run, err := r.pipelines.Cancel(req.Context(), projectID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"canceled": run != nil, "run": run})
		return
	}
	actor, ok := actorFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for pipeline trigger", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	run, err := trigger(req.Context(), actor, projectID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (r *Router) handlePipelineStatus(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	run, err := r.pipelines.Status(req.Context(), projectID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (r *Router) handlePipelineHistory(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit := queryLimit(req, defaultHistoryLimit, maxHistoryLimit)
	runs := make([]domain.PipelineRun, 0, limit)
	for run, err := range r.pipelines.History(req.Context(), projectID) {
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		runs = append(runs, run)
		if len(runs) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (r *Router) handleRunnerCallback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyRunnerToken(w, req) {
		return
	}
	var event driver.ProgressEvent
	if !r.decodeJSON(w, req, &event) {
		return
	}
	outcome, err := r.progress.Ingest(req.Context(), event)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received", "outcome": string(outcome)})
}

// streamProject validates the project_id query parameter shared by the stream routes.
func (r *Router) streamProject(w http.ResponseWriter, req *http.Request) (string, bool) {
	if r.streams == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming disabled")
		return "", false
	}
	projectID := strings.TrimSpace(req.URL.Query().Get("project_id"))
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return "", false
	}
	if _, err := r.projects.Get(req.Context(), projectID); err != nil {
		r.writeServiceError(w, req, err)
		return "", false
	}
	return projectID, true
}

// currentSnapshot returns the frame for the project's latest run, or nil when it has none.
func (r *Router) currentSnapshot(ctx context.Context, projectID string) []byte {
	run, err := r.pipelines.Status(ctx, projectID)
	if err != nil {
		return nil
	}
	payload, err := ws.EncodeRun(*run)
	if err != nil {
		return nil
	}
	return payload
}

func (r *Router) handlePipelinesWS(w http.ResponseWriter, req *http.Request) {
	projectID, ok := r.streamProject(w, req)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	if snapshot := r.currentSnapshot(req.Context(), projectID); snapshot != nil {
		if err := client.Send(snapshot); err != nil {
			return
		}
	}
	r.streams.Register(projectID, client)
	go func() {
		defer func() {
			r.streams.Unregister(projectID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handlePipelinesSSE(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	projectID, ok := r.streamProject(w, req)
	if !ok {
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger)
	if err := client.Open(); err != nil {
		return
	}
	if snapshot := r.currentSnapshot(req.Context(), projectID); snapshot != nil {
		if err := client.Send(snapshot); err != nil {
			return
		}
	}
	r.streams.Register(projectID, client)
	defer func() {
		r.streams.Unregister(projectID, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
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
		r.metrics.recordRequest(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"route", route,
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
		if a, ok := actorFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "actor_id", a.ID)
		} else if strings.HasPrefix(req.URL.Path, "/runner/") {
			actor = "runner"
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
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

// verifyRunnerToken ensures runner callbacks include the configured secret.
func (r *Router) verifyRunnerToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.runnerToken
	if expected == "" {
		r.logger.Error("runner callback token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "runner authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Runner-Token"))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("runner token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid runner token")
		return false
	}
	return true
}

func (r *Router) decodeJSON(w http.ResponseWriter, req *http.Request, dst any) bool {
	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// ownerFilter scopes listings to the caller unless ?owner= names someone else or "*"
// asks for every owner.
func ownerFilter(req *http.Request, actor domain.Actor) string {
	owner := strings.TrimSpace(req.URL.Query().Get("owner"))
	switch owner {
	case "":
		return actor.ID
	case "*":
		return ""
	default:
		return owner
	}
}

func queryLimit(req *http.Request, fallback, ceiling int) int {
	limit, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return fallback
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
