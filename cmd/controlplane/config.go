package main

import (
	"time"

	"github.com/aol-core/control-plane/infrastructure/config"
	"github.com/aol-core/control-plane/infrastructure/resilience"
	"github.com/aol-core/control-plane/internal/health"
	"github.com/aol-core/control-plane/internal/router"
	"github.com/aol-core/control-plane/internal/workflow"
)

// bootConfig is the startup configuration block from spec §6:
// health_check_interval, event_store_capacity, router_workers,
// router_queue_capacity, circuit_breaker{...}, retry{...}, lazy_detection{...}.
type bootConfig struct {
	httpAddr string

	healthCheckInterval time.Duration
	healthTTL           time.Duration
	eventStoreCapacity  int

	routerWorkers       int
	routerQueueCapacity int
	circuitBreaker      resilience.Config
	retry               resilience.RetryConfig

	workflowTimeout time.Duration
	nodeTimeout     time.Duration

	consulAddr string

	logLevel  string
	logFormat string

	rateLimitRPS   int
	rateLimitBurst int
	maxBodyBytes   int64
}

// loadBootConfig reads every setting from the environment, falling back to
// the spec's defaults (mirrored by the health/router/workflow packages'
// own DefaultConfig/DefaultInterval constants) when unset.
func loadBootConfig() bootConfig {
	cbFailures := config.GetEnvInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", router.DefaultFailureThreshold)
	cbSuccess := config.GetEnvInt("CIRCUIT_BREAKER_SUCCESS_THRESHOLD", router.DefaultSuccessThreshold)
	cbTimeout := config.ParseDurationOrDefault(config.GetEnv("CIRCUIT_BREAKER_TIMEOUT", ""), router.DefaultCircuitTimeout)

	retryMax := config.GetEnvInt("RETRY_MAX_ATTEMPTS", router.DefaultMaxRetries+1)
	retryDelay := config.ParseDurationOrDefault(config.GetEnv("RETRY_INITIAL_DELAY", ""), router.DefaultInitialDelay)
	retryMultiplier := router.DefaultRetryMultiplier
	if v, ok := config.ParseEnvInt("RETRY_MULTIPLIER_PERCENT"); ok {
		retryMultiplier = float64(v) / 100.0
	}

	return bootConfig{
		httpAddr: config.GetEnv("CONTROLPLANE_HTTP_ADDR", ":8080"),

		healthCheckInterval: config.ParseDurationOrDefault(config.GetEnv("HEALTH_CHECK_INTERVAL", ""), health.DefaultInterval),
		healthTTL:           config.ParseDurationOrDefault(config.GetEnv("HEALTH_TTL", ""), health.DefaultTTL),
		eventStoreCapacity:  config.GetEnvInt("EVENT_STORE_CAPACITY", 0),

		routerWorkers:       config.GetEnvInt("ROUTER_WORKERS", router.DefaultWorkers),
		routerQueueCapacity: config.GetEnvInt("ROUTER_QUEUE_CAPACITY", router.DefaultQueueCapacity),
		circuitBreaker: resilience.Config{
			MaxFailures: cbFailures,
			Timeout:     cbTimeout,
			HalfOpenMax: cbSuccess,
		},
		retry: resilience.RetryConfig{
			MaxAttempts:  retryMax,
			InitialDelay: retryDelay,
			Multiplier:   retryMultiplier,
		},

		workflowTimeout: config.ParseDurationOrDefault(config.GetEnv("WORKFLOW_TIMEOUT", ""), workflow.DefaultWorkflowTimeout),
		nodeTimeout:     config.ParseDurationOrDefault(config.GetEnv("WORKFLOW_NODE_TIMEOUT", ""), workflow.DefaultNodeTimeout),

		consulAddr: config.GetEnv("CONSUL_ADDR", ""),

		logLevel:  config.GetEnv("LOG_LEVEL", "info"),
		logFormat: config.GetEnv("LOG_FORMAT", "json"),

		rateLimitRPS:   config.GetEnvInt("HTTP_RATE_LIMIT_RPS", 50),
		rateLimitBurst: config.GetEnvInt("HTTP_RATE_LIMIT_BURST", 100),
		maxBodyBytes:   int64(config.GetEnvInt("HTTP_MAX_BODY_BYTES", 1<<20)),
	}
}
