package discovery

import (
	"context"
	"net"
	"strconv"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/playhouse/playhouse/internal/perr"
)

// ConsulBackend discovers mesh servers from Consul's health-checked service
// catalog, tagging each registration with the serviceType/serviceId/weight
// needed to reconstruct a ServerInfo via service meta fields.
//
// Grounded on the teacher's registry package's external-backend shape
// (cache-then-refresh over a remote source); the remote source here is
// hashicorp/consul/api's catalog instead of a direct DB/gRPC query.
type ConsulBackend struct {
	client      *consulapi.Client
	serviceName string
}

func NewConsulBackend(cfg *consulapi.Config, serviceName string) (*ConsulBackend, error) {
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, perr.Wrap(perr.SystemError, "consul client init failed", err)
	}
	return &ConsulBackend{client: client, serviceName: serviceName}, nil
}

func (b *ConsulBackend) Name() string { return "consul" }

// consul service meta keys this backend expects registrants to set via
// their agent service registration (e.g. in a sidecar or startup script).
const (
	metaServiceType = "playhouse-service-type"
	metaServiceID   = "playhouse-service-id"
	metaServerID    = "playhouse-server-id"
	metaWeight      = "playhouse-weight"
)

func (b *ConsulBackend) Fetch(ctx context.Context) ([]ServerInfo, error) {
	entries, _, err := b.client.Health().Service(b.serviceName, "", true, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, perr.Wrap(perr.SystemError, "consul health service query failed", err)
	}

	out := make([]ServerInfo, 0, len(entries))
	for _, e := range entries {
		meta := e.Service.Meta
		serviceID, _ := strconv.ParseUint(meta[metaServiceID], 10, 16)
		weight, _ := strconv.ParseInt(meta[metaWeight], 10, 32)
		svcType := ServicePlay
		if meta[metaServiceType] == "api" {
			svcType = ServiceAPI
		}
		serverID := meta[metaServerID]
		if serverID == "" {
			serverID = e.Service.ID
		}

		out = append(out, ServerInfo{
			ServiceType: svcType,
			ServiceID:   uint16(serviceID),
			ServerID:    serverID,
			Endpoint:    net.JoinHostPort(e.Service.Address, strconv.Itoa(e.Service.Port)),
			State:       Running,
			Weight:      int32(weight),
		})
	}
	return out, nil
}
