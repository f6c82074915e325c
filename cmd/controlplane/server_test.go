package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aol-core/control-plane/infrastructure/logging"
	"github.com/aol-core/control-plane/infrastructure/metrics"
	"github.com/aol-core/control-plane/infrastructure/service"
	"github.com/aol-core/control-plane/infrastructure/testutil"
	"github.com/aol-core/control-plane/internal/credit"
	"github.com/aol-core/control-plane/internal/eventstore"
	"github.com/aol-core/control-plane/internal/registry"
	"github.com/aol-core/control-plane/internal/router"
	"github.com/aol-core/control-plane/internal/workflow"
)

func newTestControlPlane(t *testing.T) *controlPlane {
	t.Helper()
	reg := registry.New()
	es := eventstore.New(0)
	creditEngine := credit.New(es)
	rt := router.New(reg, es, creditEngine, nil, router.DefaultConfig())
	wfEngine := workflow.New(newRoutedInvoker(rt), creditEngine, es, workflow.Config{
		WorkflowTimeout: workflow.DefaultWorkflowTimeout,
		NodeTimeout:     workflow.DefaultNodeTimeout,
	})

	cp := &controlPlane{
		reg:      reg,
		es:       es,
		credit:   creditEngine,
		router:   rt,
		workflow: wfEngine,
		logger:   logging.New(serviceName, "error", "json"),
		metrics:  metrics.New(serviceName),
		probes:   service.NewProbeManager(0),
		started:  time.Now(),
	}
	cp.deep = newDeepHealthChecker(cp)
	cp.probes.SetReady(true)
	return cp
}

func TestRegisterAndListServices(t *testing.T) {
	cp := newTestControlPlane(t)
	handler := newServer(cp, cp.metrics, loadBootConfig())
	srv := testutil.NewHTTPTestServer(t, handler)
	defer srv.Close()

	body := strings.NewReader(`{"service_id":"s1","name":"pricing","version":"1.0.0","host":"10.0.0.1","grpc_port":9000,"manifest":{"kind":"Service","apiVersion":"v1","metadata":{"name":"pricing"},"spec":{}}}`)
	resp, err := http.Post(srv.URL+"/v1/services/register", "application/json", body)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", resp.StatusCode)
	}

	listResp, err := http.Get(srv.URL + "/v1/services")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer listResp.Body.Close()

	var snapshot map[string][]registry.Instance
	if err := json.NewDecoder(listResp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snapshot["pricing"]) != 1 {
		t.Fatalf("snapshot[pricing] = %v, want 1 instance", snapshot["pricing"])
	}
}

func TestProbeEndpoints(t *testing.T) {
	cp := newTestControlPlane(t)
	handler := newServer(cp, cp.metrics, loadBootConfig())
	srv := testutil.NewHTTPTestServer(t, handler)
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz", "/startupz", "/healthz/deep"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", path, resp.StatusCode)
		}
	}
}
