package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/aol-core/control-plane/infrastructure/httputil"
	"github.com/aol-core/control-plane/infrastructure/logging"
	"github.com/aol-core/control-plane/infrastructure/metrics"
	"github.com/aol-core/control-plane/infrastructure/middleware"
	"github.com/aol-core/control-plane/infrastructure/service"
	"github.com/aol-core/control-plane/internal/credit"
	"github.com/aol-core/control-plane/internal/eventstore"
	"github.com/aol-core/control-plane/internal/registry"
	"github.com/aol-core/control-plane/internal/router"
	"github.com/aol-core/control-plane/internal/workflow"
)

// controlPlane bundles every component the HTTP surface queries or submits
// work to (§6 "Inbound control-plane HTTP").
type controlPlane struct {
	reg      *registry.Registry
	es       *eventstore.EventStore
	credit   *credit.Engine
	router   *router.Router
	workflow *workflow.Engine
	logger   *logging.Logger
	metrics  *metrics.Metrics
	probes   *service.ProbeManager
	deep     *service.DeepHealthChecker
	started  time.Time
}

// newServer builds the §6 query/submit surface behind the ambient
// middleware stack: recovery, request logging, Prometheus metrics, rate
// limiting, CORS, body-limit, security headers, and a request timeout.
// Service-to-service JWT auth is not mounted.
func newServer(cp *controlPlane, m *metrics.Metrics, cfg bootConfig) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/v1/services", cp.listServices).Methods(http.MethodGet)
	r.HandleFunc("/v1/services/register", cp.registerService).Methods(http.MethodPost)
	r.HandleFunc("/v1/services/{name}", cp.getService).Methods(http.MethodGet)
	r.HandleFunc("/v1/services/{name}/{id}", cp.deregisterService).Methods(http.MethodDelete)

	r.HandleFunc("/v1/events", cp.listEvents).Methods(http.MethodGet)
	r.HandleFunc("/v1/events/stream", cp.streamEvents).Methods(http.MethodGet)

	r.HandleFunc("/v1/routes", cp.listRoutes).Methods(http.MethodGet)
	r.HandleFunc("/v1/routes", cp.submitRoute).Methods(http.MethodPost)

	r.HandleFunc("/v1/workflows", cp.submitWorkflow).Methods(http.MethodPost)
	r.HandleFunc("/v1/workflows/{id}", cp.getWorkflowTimeline).Methods(http.MethodGet)

	r.HandleFunc("/healthz", cp.probes.LivenessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", cp.probes.ReadinessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/startupz", cp.probes.StartupHandler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz/deep", deepHealthzHandler(cp.deep, cp.started)).Methods(http.MethodGet)

	recovery := middleware.NewRecoveryMiddleware(cp.logger)
	rateLimiter := middleware.NewRateLimiter(cfg.rateLimitRPS, cfg.rateLimitBurst, cp.logger)
	cors := middleware.NewCORSMiddleware(nil)
	bodyLimit := middleware.NewBodyLimitMiddleware(cfg.maxBodyBytes)
	securityHeaders := middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders())
	timeoutMW := middleware.NewTimeoutMiddleware(30 * time.Second)

	var h http.Handler = r
	h = timeoutMW.Handler(h)
	h = bodyLimit.Handler(h)
	h = securityHeaders.Handler(h)
	h = cors.Handler(h)
	h = rateLimiter.Handler(h)
	h = middleware.MetricsMiddleware(serviceName, m)(h)
	h = middleware.LoggingMiddleware(cp.logger)(h)
	h = recovery.Handler(h)
	return h
}

// --- Registry surface -------------------------------------------------

func (cp *controlPlane) listServices(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, cp.reg.Snapshot())
}

func (cp *controlPlane) getService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	instances := cp.reg.Snapshot()[name]
	httputil.WriteJSON(w, http.StatusOK, instances)
}

type registerServiceRequest struct {
	ServiceID   string                 `json:"service_id"`
	Name        string                 `json:"name"`
	Version     string                 `json:"version"`
	Host        string                 `json:"host"`
	GRPCPort    int                    `json:"grpc_port"`
	HealthPort  int                    `json:"health_port"`
	MetricsPort int                    `json:"metrics_port"`
	Manifest    map[string]interface{} `json:"manifest"`
	Tags        []string               `json:"tags"`
	Meta        map[string]string      `json:"meta"`
}

func (cp *controlPlane) registerService(w http.ResponseWriter, r *http.Request) {
	var req registerServiceRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	// Unset ports take the default port policy: 50051 gRPC, 50200 health,
	// 9090 metrics.
	if req.GRPCPort == 0 {
		req.GRPCPort = 50051
	}
	if req.HealthPort == 0 {
		req.HealthPort = 50200
	}
	if req.MetricsPort == 0 {
		req.MetricsPort = 9090
	}

	tags := make(map[string]struct{}, len(req.Tags))
	for _, t := range req.Tags {
		tags[t] = struct{}{}
	}

	inst := &registry.Instance{
		ServiceID:   req.ServiceID,
		Name:        req.Name,
		Version:     req.Version,
		Host:        req.Host,
		GRPCPort:    req.GRPCPort,
		HealthPort:  req.HealthPort,
		MetricsPort: req.MetricsPort,
		Manifest:    req.Manifest,
		Tags:        tags,
		Meta:        req.Meta,
	}

	result, err := cp.reg.Register(inst)
	if err != nil {
		status := http.StatusConflict
		if result == registry.RegisterInvalidManifest {
			status = http.StatusBadRequest
		}
		httputil.WriteErrorResponse(w, r, status, string(result), err.Error(), nil)
		return
	}

	cp.es.Append(eventstore.Event{
		Kind:        eventstore.KindServiceRegistered,
		ServiceName: req.Name,
		ServiceID:   req.ServiceID,
	})
	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{"result": result})
}

func (cp *controlPlane) deregisterService(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cp.reg.Deregister(vars["name"], vars["id"])
	cp.es.Append(eventstore.Event{
		Kind:        eventstore.KindServiceDeregistered,
		ServiceName: vars["name"],
		ServiceID:   vars["id"],
	})
	httputil.RespondNoContent(w)
}

// --- Event store surface -----------------------------------------------

func (cp *controlPlane) listEvents(w http.ResponseWriter, r *http.Request) {
	q := eventstore.Query{
		Kind:       eventstore.Kind(httputil.QueryString(r, "kind", "")),
		Service:    httputil.QueryString(r, "service", ""),
		WorkflowID: httputil.QueryString(r, "workflow_id", ""),
		Limit:      httputil.QueryInt(r, "limit", 100),
	}
	httputil.WriteJSON(w, http.StatusOK, cp.es.GetEvents(q))
}

// streamEvents subscribes the caller to a topic (global / service:<name> /
// workflow:<id>, selected by the "channel" query parameter) and streams
// newline-delimited JSON events until the client disconnects.
func (cp *controlPlane) streamEvents(w http.ResponseWriter, r *http.Request) {
	channel := httputil.QueryString(r, "channel", "global")
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalError(w, "streaming unsupported")
		return
	}

	subscriberID := httputil.ClientIP(r) + ":" + strconv.FormatInt(time.Now().UnixNano(), 10)
	events := cp.es.Bus().Subscribe(channel, subscriberID)
	defer cp.es.Bus().Unsubscribe(channel, subscriberID)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			httputil.WriteJSON(w, http.StatusOK, e)
			flusher.Flush()
		}
	}
}

// --- Router surface ------------------------------------------------------

// routeSummary is the best-effort "list routes" view (§6): for every known
// target service, how many of its registered instances are currently
// routable. The spec leaves this response shape unspecified beyond naming
// the operation.
type routeSummary struct {
	TargetService    string `json:"target_service"`
	TotalInstances   int    `json:"total_instances"`
	HealthyInstances int    `json:"healthy_instances"`
}

func (cp *controlPlane) listRoutes(w http.ResponseWriter, r *http.Request) {
	snapshot := cp.reg.Snapshot()
	summaries := make([]routeSummary, 0, len(snapshot))
	for name, instances := range snapshot {
		healthy := 0
		for _, inst := range instances {
			if inst.Status == registry.StatusHealthy {
				healthy++
			}
		}
		summaries = append(summaries, routeSummary{
			TargetService:    name,
			TotalInstances:   len(instances),
			HealthyInstances: healthy,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, summaries)
}

type submitRouteRequest struct {
	Source              string                 `json:"source"`
	Target              string                 `json:"target"`
	Method              string                 `json:"method"`
	Payload             interface{}            `json:"payload"`
	Metadata            map[string]interface{} `json:"metadata"`
	DeadlineMs          int64                  `json:"deadline_ms"`
	Strategy            string                 `json:"strategy"`
	PreSelectedInstance string                 `json:"pre_selected_instance"`
}

func (cp *controlPlane) submitRoute(w http.ResponseWriter, r *http.Request) {
	var req submitRouteRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	deadline := time.Now().Add(30 * time.Second)
	if req.DeadlineMs > 0 {
		deadline = time.Now().Add(time.Duration(req.DeadlineMs) * time.Millisecond)
	}
	strategy := router.Strategy(req.Strategy)
	if strategy == "" {
		strategy = router.StrategyHealthAware
	}

	start := time.Now()
	resp, err := cp.router.Route(r.Context(), router.Request{
		Source:              req.Source,
		Target:              req.Target,
		Method:              req.Method,
		Payload:             req.Payload,
		Metadata:            req.Metadata,
		Deadline:            deadline,
		Strategy:            strategy,
		PreSelectedInstance: req.PreSelectedInstance,
	})
	if err != nil {
		cp.metrics.RecordRouteCall(serviceName, req.Target, "error", time.Since(start))
		httputil.WriteErrorResponse(w, r, http.StatusServiceUnavailable, "route_submit_failed", err.Error(), nil)
		return
	}
	status := "error"
	if resp.Success {
		status = "ok"
	}
	cp.metrics.RecordRouteCall(serviceName, req.Target, status, time.Since(start))
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// --- Workflow surface ----------------------------------------------------

type workflowNodeDTO struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	ServiceName string                 `json:"service_name"`
	Config      map[string]interface{} `json:"config"`
	TimeoutS    float64                `json:"timeout_s"`
}

type workflowEdgeDTO struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Type     string `json:"type"`
	Priority int    `json:"priority"`
}

type submitWorkflowRequest struct {
	WorkflowID   string            `json:"workflow_id"`
	Name         string            `json:"name"`
	Nodes        []workflowNodeDTO `json:"nodes"`
	Edges        []workflowEdgeDTO `json:"edges"`
	EntryPoint   string            `json:"entry_point"`
	ExitPoint    string            `json:"exit_point"`
	InitialInput interface{}       `json:"initial_input"`
}

func buildGraph(req submitWorkflowRequest) *workflow.Graph {
	g := workflow.NewGraph(req.WorkflowID, req.Name)
	for _, n := range req.Nodes {
		g.AddNode(&workflow.Node{
			ID:          n.ID,
			Type:        workflow.NodeType(n.Type),
			ServiceName: n.ServiceName,
			Config:      n.Config,
			Timeout:     n.TimeoutS,
		})
	}
	if req.EntryPoint != "" {
		g.SetEntryPoint(req.EntryPoint)
	}
	for _, e := range req.Edges {
		g.AddEdge(e.Source, e.Target, workflow.EdgeType(e.Type), e.Priority, nil)
	}
	if req.ExitPoint != "" {
		g.SetExitPoint(req.ExitPoint)
	}
	return g
}

func (cp *controlPlane) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req submitWorkflowRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.WorkflowID == "" {
		httputil.BadRequest(w, "workflow_id is required")
		return
	}

	g := buildGraph(req)
	result := cp.workflow.Execute(r.Context(), g, req.InitialInput)

	nodeStatus := "completed"
	if !result.Success {
		nodeStatus = "failed"
	}
	for _, nodeID := range result.CompletedNodes {
		cp.metrics.RecordWorkflowNode(serviceName, nodeID, nodeStatus, time.Duration(result.DurationS*float64(time.Second)))
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	httputil.WriteJSON(w, status, result)
}

func (cp *controlPlane) getWorkflowTimeline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	wf := cp.es.GetWorkflow(id)
	if wf == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"workflow_id": id, "events": []eventstore.Event{}})
		return
	}
	events := cp.es.GetEvents(eventstore.Query{WorkflowID: id, Limit: 1000})
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"workflow": wf,
		"events":   events,
	})
}
