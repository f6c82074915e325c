// Package router implements the control plane's request router: an
// async queue, a worker pool, per-instance circuit breakers, retry with
// exponential backoff, and a pooled gRPC transport.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aol-core/control-plane/infrastructure/resilience"
	"github.com/aol-core/control-plane/internal/eventstore"
	"github.com/aol-core/control-plane/internal/registry"
)

// Defaults per spec §4.5.
const (
	DefaultQueueCapacity   = 10000
	DefaultWorkers         = 4
	DefaultMaxRetries      = 3
	DefaultInitialDelay    = 1 * time.Second
	DefaultRetryMultiplier = 2.0
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 3
	DefaultCircuitTimeout   = 60 * time.Second
)

// ErrQueueFull is returned by Submit when the async queue is at capacity.
var ErrQueueFull = errors.New("router: queue-full")

// ErrDeadlineExceeded is returned once a request's absolute deadline has
// passed, whether before dispatch or during retry backoff.
var ErrDeadlineExceeded = errors.New("router: deadline exceeded")

// Strategy selects which instance of a target service handles a request.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyHealthAware      Strategy = "health_aware"
	StrategyLatencyBased     Strategy = "latency_based"
	StrategyLeastConnections Strategy = "least_connections"
	StrategyConditional      Strategy = "conditional"
)

// Request is a single routed call.
type Request struct {
	RequestID   string
	Source      string
	Target      string
	Method      string
	Payload     interface{}
	Metadata    map[string]interface{}
	Deadline    time.Time
	RetriesUsed int
	MaxRetries  int
	Strategy    Strategy

	// PreSelectedInstance is required for StrategyConditional: the caller has
	// already chosen an instance and no scoring is performed.
	PreSelectedInstance string
}

// Response is a completed route's outcome.
type Response struct {
	Success   bool
	Result    interface{}
	Error     string
	LatencyMs float64
	Instance  string
}

// InstanceHealthSource supplies the rolling health signal the health_aware
// and latency_based strategies score against (backed by internal/credit).
type InstanceHealthSource interface {
	InstanceHealth(instanceID string) (healthScore, avgLatencyMs float64, ok bool)
}

type pendingRequest struct {
	req    Request
	result chan Response
}

// Router dispatches requests against Registry-discovered instances.
type Router struct {
	registry *registry.Registry
	es       *eventstore.EventStore
	health   InstanceHealthSource
	invoker  Invoker
	pool     *channelPool

	workers int

	circuitCfg resilience.Config
	retryCfg   resilience.RetryConfig

	mu          sync.Mutex
	breakers    map[string]*resilience.CircuitBreaker
	connections map[string]int // instanceID -> active connection count
	rrCursor    map[string]uint64 // target -> round-robin cursor

	queue  chan *pendingRequest
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config configures a Router.
type Config struct {
	Workers       int
	QueueCapacity int
	CircuitConfig resilience.Config
	RetryConfig   resilience.RetryConfig
}

// DefaultConfig returns the spec's default Router configuration.
func DefaultConfig() Config {
	return Config{
		Workers:       DefaultWorkers,
		QueueCapacity: DefaultQueueCapacity,
		CircuitConfig: resilience.Config{
			MaxFailures: DefaultFailureThreshold,
			Timeout:     DefaultCircuitTimeout,
			HalfOpenMax: DefaultSuccessThreshold,
		},
		RetryConfig: resilience.RetryConfig{
			MaxAttempts:  DefaultMaxRetries + 1,
			InitialDelay: DefaultInitialDelay,
			Multiplier:   DefaultRetryMultiplier,
		},
	}
}

// New constructs a Router. health and invoker may be nil for tests that do
// not exercise health-aware selection or real transport dispatch.
func New(reg *registry.Registry, es *eventstore.EventStore, health InstanceHealthSource, invoker Invoker, cfg Config) *Router {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.CircuitConfig.MaxFailures <= 0 {
		cfg.CircuitConfig = DefaultConfig().CircuitConfig
	}
	if cfg.RetryConfig.MaxAttempts <= 0 {
		cfg.RetryConfig = DefaultConfig().RetryConfig
	}
	if invoker == nil {
		invoker = NewGRPCInvoker()
	}

	return &Router{
		registry:    reg,
		es:          es,
		health:      health,
		invoker:     invoker,
		pool:        newChannelPool(),
		workers:     cfg.Workers,
		circuitCfg:  cfg.CircuitConfig,
		retryCfg:    cfg.RetryConfig,
		breakers:    make(map[string]*resilience.CircuitBreaker),
		connections: make(map[string]int),
		rrCursor:    make(map[string]uint64),
		queue:       make(chan *pendingRequest, cfg.QueueCapacity),
	}
}

// Start launches the worker pool.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
}

// Stop halts the worker pool and closes pooled channels.
func (r *Router) Stop() {
	r.mu.Lock()
	stopCh := r.stopCh
	r.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	r.wg.Wait()
	r.pool.closeAll()
}

func (r *Router) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case p := <-r.queue:
			p.result <- r.dispatch(ctx, p.req)
		}
	}
}

// Submit enqueues req for asynchronous dispatch and returns a future channel
// resolved exactly once with the route's outcome. Returns ErrQueueFull if the
// queue is at capacity (§5 back-pressure: router rejects above 10,000
// pending rather than blocking the caller).
func (r *Router) Submit(req Request) (<-chan Response, error) {
	if req.MaxRetries <= 0 {
		req.MaxRetries = DefaultMaxRetries
	}
	p := &pendingRequest{req: req, result: make(chan Response, 1)}
	select {
	case r.queue <- p:
		return p.result, nil
	default:
		return nil, ErrQueueFull
	}
}

// Route submits req and blocks until it resolves or ctx is done.
func (r *Router) Route(ctx context.Context, req Request) (Response, error) {
	future, err := r.Submit(req)
	if err != nil {
		return Response{}, err
	}
	select {
	case resp := <-future:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// dispatch runs req to completion (including retries), records route_called,
// and returns the outcome. Invoked only from worker goroutines.
func (r *Router) dispatch(ctx context.Context, req Request) Response {
	start := time.Now()

	callCtx := ctx
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	retryCfg := r.retryCfg
	if req.MaxRetries > 0 {
		retryCfg.MaxAttempts = req.MaxRetries + 1
	}

	var resp Response
	retryErr := resilience.Retry(callCtx, retryCfg, func() error {
		inst, selectErr := r.selectInstance(req)
		if selectErr != nil {
			resp = Response{Success: false, Error: selectErr.Error()}
			return selectErr
		}

		result, callErr := r.callInstance(callCtx, req, inst)
		if callErr != nil {
			resp = Response{Success: false, Error: callErr.Error(), Instance: inst.ServiceID}
			return callErr
		}
		resp = Response{Success: true, Result: result, Instance: inst.ServiceID}
		return nil
	})

	resp.LatencyMs = msSince(start)
	if !resp.Success && retryErr != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			resp.Error = ErrDeadlineExceeded.Error()
		}
	}

	r.emitRouteCalled(req, resp)
	return resp
}

func (r *Router) callInstance(ctx context.Context, req Request, inst *registry.Instance) (interface{}, error) {
	r.trackConnStart(inst.ServiceID)
	defer r.trackConnEnd(inst.ServiceID)

	cb := r.breakerFor(inst.ServiceID)
	var result interface{}
	err := cb.Execute(ctx, func() error {
		conn, dialErr := r.pool.get(fmt.Sprintf("%s:%d", inst.Host, inst.GRPCPort))
		if dialErr != nil {
			return dialErr
		}
		res, invokeErr := r.invoker.Invoke(ctx, conn, req.Target, req.Method, req.Payload)
		if invokeErr != nil {
			return invokeErr
		}
		result = res
		return nil
	})
	return result, err
}

func (r *Router) trackConnStart(instanceID string) {
	r.mu.Lock()
	r.connections[instanceID]++
	r.mu.Unlock()
}

func (r *Router) trackConnEnd(instanceID string) {
	r.mu.Lock()
	r.connections[instanceID]--
	r.mu.Unlock()
}

func (r *Router) breakerFor(instanceID string) *resilience.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[instanceID]
	if !ok {
		cb = resilience.New(r.circuitCfg)
		r.breakers[instanceID] = cb
	}
	return cb
}

func (r *Router) emitRouteCalled(req Request, resp Response) {
	if r.es == nil {
		return
	}
	success := resp.Success
	r.es.Append(eventstore.Event{
		Kind:          eventstore.KindRouteCalled,
		SourceService: req.Source,
		TargetService: req.Target,
		Method:        req.Method,
		Success:       &success,
		Metadata: map[string]interface{}{
			"instance":   resp.Instance,
			"latency_ms": resp.LatencyMs,
			"strategy":   string(req.Strategy),
		},
	})
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
