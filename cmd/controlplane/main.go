// Command controlplane is the AOL-Core control plane entrypoint: it wires
// the Registry, HealthSupervisor, EventStore+Bus, CreditEngine, Router,
// WorkflowEngine, and a discovery.Provider together, and exposes the §6
// query/submit surface over HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aol-core/control-plane/infrastructure/logging"
	"github.com/aol-core/control-plane/infrastructure/metrics"
	"github.com/aol-core/control-plane/infrastructure/service"
	"github.com/aol-core/control-plane/internal/credit"
	"github.com/aol-core/control-plane/internal/discovery"
	"github.com/aol-core/control-plane/internal/eventstore"
	"github.com/aol-core/control-plane/internal/health"
	"github.com/aol-core/control-plane/internal/registry"
	"github.com/aol-core/control-plane/internal/router"
	"github.com/aol-core/control-plane/internal/workflow"
)

const serviceName = "aol-core-control-plane"

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides CONTROLPLANE_HTTP_ADDR)")
	flag.Parse()

	cfg := loadBootConfig()
	if *addr != "" {
		cfg.httpAddr = *addr
	}

	logger := logging.New(serviceName, cfg.logLevel, cfg.logFormat)
	m := metrics.New(serviceName)

	provider, err := buildDiscoveryProvider(cfg)
	if err != nil {
		log.Fatalf("discovery provider: %v", err)
	}

	reg := registry.New()
	es := eventstore.New(cfg.eventStoreCapacity)
	creditEngine := credit.New(es)
	prober := health.NewHTTPProber()
	supervisor := health.New(reg, prober, es, provider, creditEngine, health.Config{
		Interval: cfg.healthCheckInterval,
		TTL:      cfg.healthTTL,
	})

	rt := router.New(reg, es, creditEngine, nil, router.Config{
		Workers:       cfg.routerWorkers,
		QueueCapacity: cfg.routerQueueCapacity,
		CircuitConfig: cfg.circuitBreaker,
		RetryConfig:   cfg.retry,
	})

	wfEngine := workflow.New(newRoutedInvoker(rt), creditEngine, es, workflow.Config{
		WorkflowTimeout: cfg.workflowTimeout,
		NodeTimeout:     cfg.nodeTimeout,
	})

	startTime := time.Now()
	probes := service.NewProbeManager(15 * time.Second)

	cp := &controlPlane{
		reg:      reg,
		es:       es,
		credit:   creditEngine,
		router:   rt,
		workflow: wfEngine,
		logger:   logger,
		metrics:  m,
		probes:   probes,
		started:  startTime,
	}
	cp.deep = newDeepHealthChecker(cp)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	supervisor.Start(rootCtx)
	rt.Start(rootCtx)
	stopTicker := startCreditTicker(rootCtx, creditEngine)
	stopGaugeTicker := startGaugeTicker(rootCtx, reg, m, startTime)
	probes.SetReady(true)

	srv := &http.Server{
		Addr:    cfg.httpAddr,
		Handler: newServer(cp, m, cfg),
	}

	go func() {
		logger.Infof("control plane listening on %s", cfg.httpAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	probes.SetReady(false)
	cancelRoot()
	stopTicker()
	stopGaugeTicker()
	supervisor.Stop()
	rt.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("http shutdown: %v", err)
	}
}

func buildDiscoveryProvider(cfg bootConfig) (discovery.Provider, error) {
	if cfg.consulAddr == "" {
		return discovery.NewMemoryProvider(), nil
	}
	return discovery.NewConsulProvider(cfg.consulAddr)
}

// startCreditTicker runs the CreditEngine's periodic reclassification and
// restart-arbitration pass (§4.4) on a fixed cadence until ctx is cancelled.
func startCreditTicker(ctx context.Context, e *credit.Engine) (stop func()) {
	ticker := time.NewTicker(10 * time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Tick()
			}
		}
	}()
	return func() {
		ticker.Stop()
		<-done
	}
}

// startGaugeTicker keeps the registered-instance count and process uptime
// gauges current for scraping.
func startGaugeTicker(ctx context.Context, reg *registry.Registry, m *metrics.Metrics, startTime time.Time) (stop func()) {
	ticker := time.NewTicker(15 * time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			m.SetRegisteredInstances(reg.Count())
			m.UpdateUptime(startTime)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		ticker.Stop()
		<-done
	}
}
