package registrar

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/playhouse/playhouse/internal/discovery"
	"github.com/playhouse/playhouse/internal/perr"
	"github.com/playhouse/playhouse/internal/registrar/registrarwire"
)

// Backend is a discovery.Backend that queries a remote Registrar over gRPC
// using the raw codec in codec.go, so no generated client stub is needed
// either.
type Backend struct {
	conn *grpc.ClientConn
	self string
}

// DialBackend connects to a Registrar at target. selfNID is sent with every
// List request so the Registrar can log/attribute who is asking.
func DialBackend(target, selfNID string) (*Backend, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, perr.Wrap(perr.SystemError, "registrar dial failed", err)
	}
	return &Backend{conn: conn, self: selfNID}, nil
}

func (b *Backend) Name() string { return "registrar" }

func (b *Backend) Close() error { return b.conn.Close() }

func (b *Backend) Fetch(ctx context.Context) ([]discovery.ServerInfo, error) {
	req := registrarwire.ListRequest{RequesterNID: b.self}
	var resp registrarwire.ListResponse
	if err := b.conn.Invoke(ctx, listMethod, req, &resp); err != nil {
		return nil, perr.Wrap(perr.SystemError, "registrar list rpc failed", err)
	}

	out := make([]discovery.ServerInfo, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		out = append(out, discovery.ServerInfo{
			ServiceType: discovery.ServiceType(e.ServiceType),
			ServiceID:   uint16(e.ServiceID),
			ServerID:    e.ServerID,
			Endpoint:    e.Endpoint,
			State:       discovery.ServerState(e.State),
			Weight:      e.Weight,
		})
	}
	return out, nil
}

var _ discovery.Backend = (*Backend)(nil)
