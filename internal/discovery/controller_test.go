package discovery

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type countingBackend struct {
	calls atomic.Int32
	infos []ServerInfo
}

func (b *countingBackend) Name() string { return "counting" }

func (b *countingBackend) Fetch(ctx context.Context) ([]ServerInfo, error) {
	b.calls.Add(1)
	return b.infos, nil
}

func TestControllerRefreshPopulatesCenter(t *testing.T) {
	backend := &countingBackend{infos: []ServerInfo{
		{ServiceType: ServicePlay, ServiceID: 1, ServerID: "a", Endpoint: "e1", State: Running},
	}}
	center := NewCenter(time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl := NewController(backend, center, logger, time.Hour)

	ctrl.RefreshNow(context.Background())

	if _, ok := center.FindByEndpoint("e1"); !ok {
		t.Fatalf("expected server populated after refresh")
	}
	if backend.calls.Load() != 1 {
		t.Fatalf("expected exactly one backend call, got %d", backend.calls.Load())
	}
}

func TestControllerRunEvictsOnTicker(t *testing.T) {
	backend := &countingBackend{} // empty snapshot, nothing re-added
	center := NewCenter(5 * time.Millisecond)
	center.Upsert(time.Now().Add(-time.Hour), []ServerInfo{
		{ServiceType: ServicePlay, ServiceID: 1, ServerID: "a", Endpoint: "stale", State: Running},
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl := NewController(backend, center, logger, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	ctrl.Run(ctx)

	if _, ok := center.FindByEndpoint("stale"); ok {
		t.Fatalf("expected stale entry to be evicted by controller's ticker loop")
	}
}
