package router

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"

	"github.com/aol-core/control-plane/infrastructure/logging"
)

// Invoker dispatches a single RPC over an already-pooled channel. Routed
// requests carry arbitrary JSON-shaped payloads rather than generated proto
// messages, so the default implementation invokes generically via a
// registered "json" codec rather than requiring per-service stubs.
type Invoker interface {
	Invoke(ctx context.Context, conn *grpc.ClientConn, target, method string, payload interface{}) (interface{}, error)
}

const jsonCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets the router's generic Invoke calls marshal arbitrary Go
// values instead of requiring generated proto.Message types — the control
// plane is a transport-agnostic mesh router, not a typed client of any one
// downstream service.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                              { return jsonCodecName }

// GRPCInvoker is the default Invoker, calling "/<target>/<method>" against a
// pooled channel with the json codec.
type GRPCInvoker struct{}

// NewGRPCInvoker constructs the default transport invoker.
func NewGRPCInvoker() *GRPCInvoker { return &GRPCInvoker{} }

func (GRPCInvoker) Invoke(ctx context.Context, conn *grpc.ClientConn, target, method string, payload interface{}) (interface{}, error) {
	fullMethod := fmt.Sprintf("/%s/%s", target, method)
	if traceID := logging.GetTraceID(ctx); traceID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-trace-id", traceID)
	}
	var reply map[string]interface{}
	if err := conn.Invoke(ctx, fullMethod, payload, &reply, grpc.CallContentSubtype(jsonCodecName)); err != nil {
		return nil, err
	}
	return reply, nil
}
