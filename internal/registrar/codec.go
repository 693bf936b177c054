// Package registrar implements the optional central-discovery gRPC service
// (C14): a single source-of-truth process other mesh members poll instead
// of (or alongside) a gossip-style UpdateServerInfo callback.
//
// There is no .proto file behind this service: see registrarwire's package
// doc for why the messages are hand-encoded with protowire. The same
// reasoning extends to the gRPC plumbing itself — rather than generate a
// protoc-gen-go-grpc client/server pair, this package builds the
// grpc.ServiceDesc (a plain struct literal) and a matching
// grpc/encoding.Codec by hand, operating directly on the registrarwire
// message structs instead of proto.Message.
package registrar

import (
	"context"
	"fmt"
	"log/slog"

	grpcrecovery "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/playhouse/playhouse/internal/registrar/registrarwire"
)

const codecName = "playhouse-registrar-raw"

func init() {
	encoding.RegisterCodec(rawCodec{})
}

type rawCodec struct{}

func (rawCodec) Name() string { return codecName }

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case registrarwire.ListRequest:
		return m.Marshal(), nil
	case *registrarwire.ListRequest:
		return m.Marshal(), nil
	case registrarwire.ListResponse:
		return m.Marshal(), nil
	case *registrarwire.ListResponse:
		return m.Marshal(), nil
	default:
		return nil, fmt.Errorf("registrar codec: unsupported type %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *registrarwire.ListRequest:
		got, err := registrarwire.UnmarshalListRequest(data)
		if err != nil {
			return err
		}
		*m = got
		return nil
	case *registrarwire.ListResponse:
		got, err := registrarwire.UnmarshalListResponse(data)
		if err != nil {
			return err
		}
		*m = got
		return nil
	default:
		return fmt.Errorf("registrar codec: unsupported type %T", v)
	}
}

const (
	serviceName = "playhouse.Registrar"
	listMethod  = "/" + serviceName + "/List"
)

// Server is implemented by whatever process hosts the mesh's
// source-of-truth server registry.
type Server interface {
	List(ctx context.Context, req registrarwire.ListRequest) (registrarwire.ListResponse, error)
}

// serviceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit for a one-method "Registrar" service.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "List",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				var req registrarwire.ListRequest
				if err := dec(&req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(Server).List(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listMethod}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(Server).List(ctx, req.(registrarwire.ListRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/registrar/codec.go",
}

// RegisterServer wires srv into s using the hand-built ServiceDesc above.
func RegisterServer(s *grpc.Server, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

// NewGRPCServer builds a *grpc.Server with go-grpc-middleware's recovery
// interceptor, so a panicking List implementation fails the one in-flight
// RPC instead of taking the whole registrar process down, plus otelgrpc's
// stats handler so every List call shows up as a span alongside the rest of
// this module's OpenTelemetry traces (internal/dispatch's per-handler spans,
// internal/obs's tracer provider) — matching the teacher's own
// otelgrpc-instrumented gRPC server.
func NewGRPCServer(logger *slog.Logger) *grpc.Server {
	recoveryHandler := func(ctx context.Context, p any) error {
		logger.Error("registrar handler panicked", "panic", p)
		return fmt.Errorf("registrar: internal error")
	}
	return grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			grpcrecovery.UnaryServerInterceptor(grpcrecovery.WithRecoveryHandlerContext(recoveryHandler)),
		),
	)
}
