package main

import (
	"context"
	"net/http"
	"time"

	"github.com/aol-core/control-plane/infrastructure/httputil"
	"github.com/aol-core/control-plane/infrastructure/service"
)

// newDeepHealthChecker registers a component check per wired subsystem so
// /healthz/deep reports something more useful than "the process is up".
func newDeepHealthChecker(cp *controlPlane) *service.DeepHealthChecker {
	checker := service.NewDeepHealthChecker(0)

	checker.Register("registry", func(ctx context.Context) *service.ComponentHealth {
		return &service.ComponentHealth{Status: "healthy", Details: map[string]any{"instances": cp.reg.Count()}}
	})

	checker.Register("event_store", func(ctx context.Context) *service.ComponentHealth {
		return &service.ComponentHealth{Status: "healthy", Details: map[string]any{"events": cp.es.Len()}}
	})

	checker.Register("router", func(ctx context.Context) *service.ComponentHealth {
		status := "healthy"
		if cp.reg.Count() == 0 {
			status = "degraded"
		}
		return &service.ComponentHealth{Status: status}
	})

	return checker
}

func deepHealthzHandler(deep *service.DeepHealthChecker, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := deep.Check(r.Context(), serviceName, "v1", false, time.Since(startTime))
		status := http.StatusOK
		if resp.Status == "unhealthy" {
			status = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, status, resp)
	}
}
