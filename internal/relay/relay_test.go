package relay

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/playhouse/playhouse/internal/discovery"
	"github.com/playhouse/playhouse/internal/perr"
	"github.com/playhouse/playhouse/internal/stage"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []*message.Message
}

func (f *fakePublisher) Publish(topic string, messages ...*message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, messages...)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestDisabledRelayIsNoop(t *testing.T) {
	r, err := New(Config{}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	registry := stage.NewRegistry("play-1", stage.NewPool(1, 4), discardLogger())
	r.AttachStages(registry) // must not panic or set a sink
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestAttachStagesPublishesLifecycleEvents(t *testing.T) {
	fp := &fakePublisher{}
	r := &Relay{cfg: Config{AMQPURL: "amqp://x", ExchangeName: "mesh"}, logger: discardLogger(), publisher: fp, now: time.Now}

	registry := stage.NewRegistry("play-1", stage.NewPool(1, 4), discardLogger())
	registry.RegisterFactory("Echo", func() stage.IStage { return echoStage{} })
	r.AttachStages(registry)

	if _, _, err := registry.CreateStage(context.Background(), 1, "Echo"); err != nil {
		t.Fatalf("CreateStage: %v", err)
	}
	if err := registry.CloseStage(1); err != nil {
		t.Fatalf("CloseStage: %v", err)
	}

	if got := fp.count(); got != 2 {
		t.Fatalf("expected 2 published events, got %d", got)
	}
}

func TestWatchServersPublishesAddedAndRemoved(t *testing.T) {
	fp := &fakePublisher{}
	r := &Relay{cfg: Config{AMQPURL: "amqp://x", ExchangeName: "mesh"}, logger: discardLogger(), publisher: fp, now: time.Now}

	center := discovery.NewCenter(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.WatchServers(ctx, center)

	center.Upsert(time.Now(), []discovery.ServerInfo{{ServiceType: discovery.ServicePlay, ServiceID: 1, ServerID: "play-1", Endpoint: "tcp://x"}})

	deadline := time.After(time.Second)
	for fp.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for relayed server event")
		case <-time.After(5 * time.Millisecond):
		}
	}

	center.EvictExpired(time.Now().Add(2 * time.Minute))

	deadline = time.After(time.Second)
	for fp.count() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for relayed Removed event")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type echoStage struct{}

func (echoStage) OnCreate(context.Context, *stage.Stage) perr.Code { return perr.Success }
func (echoStage) OnPostCreate(context.Context, *stage.Stage)       {}
func (echoStage) OnJoinRoom(context.Context, *stage.Actor, []byte) (perr.Code, []byte) {
	return perr.Success, nil
}
func (echoStage) OnLeaveRoom(context.Context, *stage.Actor, stage.LeaveReason)        {}
func (echoStage) OnDispatch(context.Context, *stage.Actor, stage.PacketPayload)       {}
func (echoStage) OnConnectionChanged(context.Context, *stage.Actor, bool, stage.DisconnectReason) {
}
func (echoStage) OnTimer(context.Context, int64)                {}
func (echoStage) OnGameLoopTick(context.Context, time.Duration) {}
