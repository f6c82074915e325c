package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/aol-core/control-plane/infrastructure/resilience"
	"github.com/aol-core/control-plane/internal/eventstore"
	"github.com/aol-core/control-plane/internal/registry"
)

type fakeInvoker struct {
	mu        sync.Mutex
	failCount map[string]int // addr -> remaining forced failures
	calls     []string
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{failCount: make(map[string]int)}
}

func (f *fakeInvoker) failNext(addr string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCount[addr] = n
}

func (f *fakeInvoker) Invoke(ctx context.Context, conn *grpc.ClientConn, target, method string, payload interface{}) (interface{}, error) {
	addr := conn.Target()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, addr)
	if f.failCount[addr] > 0 {
		f.failCount[addr]--
		return nil, errTestInvoke
	}
	return map[string]interface{}{"ok": true}, nil
}

var errTestInvoke = &invokeError{"forced failure"}

type invokeError struct{ msg string }

func (e *invokeError) Error() string { return e.msg }

type fakeHealthSource struct {
	scores    map[string]float64
	latencies map[string]float64
}

func (f *fakeHealthSource) InstanceHealth(instanceID string) (float64, float64, bool) {
	score, ok := f.scores[instanceID]
	latency := f.latencies[instanceID]
	return score, latency, ok
}

func testInstance(id, name, host string, port int) *registry.Instance {
	return &registry.Instance{
		ServiceID:   id,
		Name:        name,
		Host:        host,
		GRPCPort:    port,
		HealthPort:  port + 1,
		MetricsPort: port + 2,
		Manifest: map[string]interface{}{
			"kind": "Service", "apiVersion": "v1",
			"metadata": map[string]interface{}{"name": name},
			"spec":     map[string]interface{}{},
		},
		Status: registry.StatusHealthy,
	}
}

func newTestRouter(reg *registry.Registry, es *eventstore.EventStore, health InstanceHealthSource, invoker Invoker, cfg Config) *Router {
	return New(reg, es, health, invoker, cfg)
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	reg := registry.New()
	r := newTestRouter(reg, nil, nil, newFakeInvoker(), Config{QueueCapacity: 1})

	if _, err := r.Submit(Request{Target: "svc-a", Strategy: StrategyRoundRobin}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := r.Submit(Request{Target: "svc-a", Strategy: StrategyRoundRobin}); err != ErrQueueFull {
		t.Fatalf("second submit err = %v, want ErrQueueFull", err)
	}
}

func TestConditionalStrategyRequiresPreSelectedInstance(t *testing.T) {
	reg := registry.New()
	r := newTestRouter(reg, nil, nil, newFakeInvoker(), Config{})

	_, err := r.selectInstance(Request{Strategy: StrategyConditional})
	if err != ErrNoInstance {
		t.Fatalf("err = %v, want ErrNoInstance", err)
	}
}

func TestRoundRobinRotatesAcrossInstances(t *testing.T) {
	reg := registry.New()
	reg.Register(testInstance("i1", "svc-a", "127.0.0.1", 9000))
	reg.Register(testInstance("i2", "svc-a", "127.0.0.1", 9100))

	r := newTestRouter(reg, nil, nil, newFakeInvoker(), Config{})
	req := Request{Target: "svc-a", Strategy: StrategyRoundRobin}

	first, err := r.selectInstance(req)
	if err != nil {
		t.Fatalf("selectInstance: %v", err)
	}
	second, err := r.selectInstance(req)
	if err != nil {
		t.Fatalf("selectInstance: %v", err)
	}
	if first.ServiceID == second.ServiceID {
		t.Fatalf("expected round robin to rotate, got %s twice", first.ServiceID)
	}
}

func TestHealthAwarePicksHighestScore(t *testing.T) {
	reg := registry.New()
	reg.Register(testInstance("i1", "svc-a", "127.0.0.1", 9000))
	reg.Register(testInstance("i2", "svc-a", "127.0.0.1", 9100))

	health := &fakeHealthSource{scores: map[string]float64{"i1": 0.2, "i2": 0.9}}
	r := newTestRouter(reg, nil, health, newFakeInvoker(), Config{})

	inst, err := r.selectInstance(Request{Target: "svc-a", Strategy: StrategyHealthAware})
	if err != nil {
		t.Fatalf("selectInstance: %v", err)
	}
	if inst.ServiceID != "i2" {
		t.Fatalf("selected %s, want i2 (higher health score)", inst.ServiceID)
	}
}

func TestLatencyBasedPicksLowest(t *testing.T) {
	reg := registry.New()
	reg.Register(testInstance("i1", "svc-a", "127.0.0.1", 9000))
	reg.Register(testInstance("i2", "svc-a", "127.0.0.1", 9100))

	health := &fakeHealthSource{latencies: map[string]float64{"i1": 300, "i2": 50}}
	health.scores = map[string]float64{"i1": 0, "i2": 0}
	r := newTestRouter(reg, nil, health, newFakeInvoker(), Config{})

	inst, err := r.selectInstance(Request{Target: "svc-a", Strategy: StrategyLatencyBased})
	if err != nil {
		t.Fatalf("selectInstance: %v", err)
	}
	if inst.ServiceID != "i2" {
		t.Fatalf("selected %s, want i2 (lower latency)", inst.ServiceID)
	}
}

func TestLeastConnectionsPicksFewestActive(t *testing.T) {
	reg := registry.New()
	reg.Register(testInstance("i1", "svc-a", "127.0.0.1", 9000))
	reg.Register(testInstance("i2", "svc-a", "127.0.0.1", 9100))

	r := newTestRouter(reg, nil, nil, newFakeInvoker(), Config{})
	r.connections["i1"] = 5
	r.connections["i2"] = 1

	inst, err := r.selectInstance(Request{Target: "svc-a", Strategy: StrategyLeastConnections})
	if err != nil {
		t.Fatalf("selectInstance: %v", err)
	}
	if inst.ServiceID != "i2" {
		t.Fatalf("selected %s, want i2 (fewest active connections)", inst.ServiceID)
	}
}

func TestFallsBackToAllInstancesWhenNoneHealthy(t *testing.T) {
	reg := registry.New()
	inst := testInstance("i1", "svc-a", "127.0.0.1", 9000)
	inst.Status = registry.StatusUnhealthy
	reg.Register(inst)

	r := newTestRouter(reg, nil, nil, newFakeInvoker(), Config{})
	got, err := r.selectInstance(Request{Target: "svc-a", Strategy: StrategyRoundRobin})
	if err != nil {
		t.Fatalf("selectInstance: %v", err)
	}
	if got.ServiceID != "i1" {
		t.Fatalf("expected fallback to the only (unhealthy) instance")
	}
}

// Scenario F — Router circuit trip. Register two healthy instances of
// svc-b. Force the first to fail 5 consecutive route attempts; the sixth
// request must select the second instance on the first try. After timeout
// seconds, next attempt to the first succeeds and its circuit returns to
// closed after 3 consecutive successes.
func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	reg := registry.New()
	i1 := testInstance("i1", "svc-b", "127.0.0.1", 9000)
	i2 := testInstance("i2", "svc-b", "127.0.0.1", 9100)
	reg.Register(i1)
	reg.Register(i2)

	invoker := newFakeInvoker()
	addr1 := "127.0.0.1:9000"
	addr2 := "127.0.0.1:9100"
	invoker.failNext(addr1, 5)

	cfg := Config{
		CircuitConfig: resilience.Config{MaxFailures: 5, Timeout: 30 * time.Millisecond, HalfOpenMax: 3},
		RetryConfig:   resilience.RetryConfig{MaxAttempts: 1},
	}
	r := newTestRouter(reg, nil, nil, invoker, cfg)

	condReq := func(target string) Request {
		return Request{Target: "svc-b", Strategy: StrategyConditional, PreSelectedInstance: target, MaxRetries: 0}
	}

	for i := 0; i < 5; i++ {
		resp := r.dispatch(context.Background(), condReq("i1"))
		if resp.Success {
			t.Fatalf("attempt %d: expected forced failure", i+1)
		}
	}

	if r.breakerFor("i1").State() != resilience.StateOpen {
		t.Fatalf("expected i1 circuit to be open after 5 consecutive failures")
	}

	// Sixth request, round-robin across both: must land on i2 (open circuit
	// excluded from candidates) on the first try.
	resp := r.dispatch(context.Background(), Request{Target: "svc-b", Strategy: StrategyRoundRobin, MaxRetries: 0})
	if !resp.Success || resp.Instance != "i2" {
		t.Fatalf("sixth request = %+v, want success on i2", resp)
	}

	time.Sleep(40 * time.Millisecond) // past circuit timeout -> half-open

	for i := 0; i < 3; i++ {
		resp := r.dispatch(context.Background(), condReq("i1"))
		if !resp.Success {
			t.Fatalf("half-open success %d failed: %+v", i+1, resp)
		}
	}

	if r.breakerFor("i1").State() != resilience.StateClosed {
		t.Fatalf("expected i1 circuit to close after 3 consecutive half-open successes")
	}
}

func TestRetrySelectsDifferentInstanceOnFailure(t *testing.T) {
	reg := registry.New()
	reg.Register(testInstance("i1", "svc-a", "127.0.0.1", 9000))
	reg.Register(testInstance("i2", "svc-a", "127.0.0.1", 9100))

	invoker := newFakeInvoker()
	invoker.failNext("127.0.0.1:9000", 100) // i1 always fails

	cfg := Config{
		RetryConfig: resilience.RetryConfig{MaxAttempts: 4, InitialDelay: time.Millisecond, Multiplier: 2.0},
	}
	r := newTestRouter(reg, nil, nil, invoker, cfg)

	resp := r.dispatch(context.Background(), Request{Target: "svc-a", Strategy: StrategyRoundRobin, MaxRetries: 3})
	if !resp.Success {
		t.Fatalf("expected retry to eventually succeed on i2, got %+v", resp)
	}
}

func TestRouteCalledEventEmittedWithMetadata(t *testing.T) {
	reg := registry.New()
	reg.Register(testInstance("i1", "svc-a", "127.0.0.1", 9000))

	es := eventstore.New(0)
	r := newTestRouter(reg, es, nil, newFakeInvoker(), Config{RetryConfig: resilience.RetryConfig{MaxAttempts: 1}})

	r.dispatch(context.Background(), Request{Source: "caller", Target: "svc-a", Method: "Process", Strategy: StrategyRoundRobin})

	events := es.GetEvents(eventstore.Query{Kind: eventstore.KindRouteCalled})
	if len(events) != 1 {
		t.Fatalf("expected one route_called event, got %d", len(events))
	}
	e := events[0]
	if e.SourceService != "caller" || e.TargetService != "svc-a" || e.Method != "Process" {
		t.Fatalf("unexpected event fields: %+v", e)
	}
	if e.Success == nil || !*e.Success {
		t.Fatalf("expected success=true, got %+v", e.Success)
	}
	if _, ok := e.Metadata["instance"]; !ok {
		t.Fatalf("expected instance in metadata, got %+v", e.Metadata)
	}
	if _, ok := e.Metadata["latency_ms"]; !ok {
		t.Fatalf("expected latency_ms in metadata, got %+v", e.Metadata)
	}
}

func TestStartStopProcessesQueuedRequests(t *testing.T) {
	reg := registry.New()
	reg.Register(testInstance("i1", "svc-a", "127.0.0.1", 9000))

	r := newTestRouter(reg, nil, nil, newFakeInvoker(), Config{RetryConfig: resilience.RetryConfig{MaxAttempts: 1}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	resp, err := r.Route(context.Background(), Request{Target: "svc-a", Strategy: StrategyRoundRobin})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
}
