package main

import (
	"context"
	"errors"
	"time"

	"github.com/aol-core/control-plane/internal/router"
)

// routedInvoker adapts a *router.Router to workflow.ServiceInvoker, so the
// WorkflowEngine's "agent" nodes dispatch through the same queue, circuit
// breakers, and retry policy as any other routed call.
type routedInvoker struct {
	r *router.Router
}

func newRoutedInvoker(r *router.Router) *routedInvoker {
	return &routedInvoker{r: r}
}

func (i *routedInvoker) Invoke(ctx context.Context, serviceName, method string, input interface{}) (interface{}, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(router.DefaultCircuitTimeout)
	}
	resp, err := i.r.Route(ctx, router.Request{
		Source:   "workflow-engine",
		Target:   serviceName,
		Method:   method,
		Payload:  input,
		Deadline: deadline,
		Strategy: router.StrategyHealthAware,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}
	return resp.Result, nil
}
