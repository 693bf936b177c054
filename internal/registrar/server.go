package registrar

import (
	"context"

	"github.com/playhouse/playhouse/internal/discovery"
	"github.com/playhouse/playhouse/internal/registrar/registrarwire"
)

// CenterServer adapts a local discovery.Center into a Server, letting one
// process be both a mesh participant and the Registrar of record for
// others.
type CenterServer struct {
	Center *discovery.Center
}

func (s CenterServer) List(ctx context.Context, req registrarwire.ListRequest) (registrarwire.ListResponse, error) {
	snapshot := s.Center.Snapshot()
	entries := make([]registrarwire.ServerEntry, 0, len(snapshot))
	for _, info := range snapshot {
		entries = append(entries, registrarwire.ServerEntry{
			ServiceType: uint32(info.ServiceType),
			ServiceID:   uint32(info.ServiceID),
			ServerID:    info.ServerID,
			Endpoint:    info.Endpoint,
			State:       uint32(info.State),
			Weight:      info.Weight,
		})
	}
	return registrarwire.ListResponse{Entries: entries}, nil
}
