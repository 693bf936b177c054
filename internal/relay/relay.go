// Package relay implements the Mesh Event Relay (C16): an optional,
// off-by-default bridge from the mesh's in-process lifecycle events
// (server Added/Removed, stage Created/Closed) onto an external AMQP
// exchange, for operators who want an out-of-band audit/monitoring feed.
// Never on the hot path of client traffic. Every publish here is
// best-effort (a failure is logged and dropped). Server events are
// republished from a goroutine of their own; stage events are published
// synchronously inside the Registry's CreateStage/CloseStage call.
//
// Grounded on the teacher's internal/adapter/pubsub/publisher.go (a thin
// watermill publisher wrapper consumed by the service layer) and
// internal/handler/amqp/router.go (routing-key-per-event-type publishing).
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/playhouse/playhouse/internal/discovery"
	"github.com/playhouse/playhouse/internal/stage"
)

// Config controls whether the relay runs at all and where it publishes.
// AMQPURL empty means disabled, per SPEC_FULL.md §4.14.
type Config struct {
	AMQPURL      string
	ExchangeName string
}

func (c Config) enabled() bool { return c.AMQPURL != "" }

// serverEvent and stageEvent are the JSON bodies published to the
// exchange; kept separate from discovery.Change/stage.Event so the wire
// shape is stable even if the in-process types change shape.
type serverEvent struct {
	Kind      string    `json:"kind"`
	NID       string    `json:"nid"`
	Endpoint  string    `json:"endpoint"`
	Timestamp time.Time `json:"timestamp"`
}

type stageEvent struct {
	Kind      string    `json:"kind"`
	ServerID  string    `json:"serverId"`
	StageID   int64     `json:"stageId"`
	StageType string    `json:"stageType"`
	Timestamp time.Time `json:"timestamp"`
}

// Relay republishes mesh lifecycle events onto an AMQP exchange.
type Relay struct {
	cfg       Config
	logger    *slog.Logger
	publisher message.Publisher
	now       func() time.Time
}

// New constructs a Relay. When cfg.AMQPURL is empty, the returned Relay's
// WatchServers and AttachStages are no-ops — callers can unconditionally wire it into
// discovery.Center and stage.Registry without an enabled check at every
// call site.
func New(cfg Config, logger *slog.Logger) (*Relay, error) {
	r := &Relay{cfg: cfg, logger: logger, now: time.Now}
	if !cfg.enabled() {
		return r, nil
	}

	amqpConfig := amqp.NewDurablePubSubConfig(cfg.AMQPURL, amqp.GenerateQueueNameTopicName)
	pub, err := amqp.NewPublisher(amqpConfig, watermill.NewSlogLogger(logger))
	if err != nil {
		return nil, err
	}
	r.publisher = pub
	return r, nil
}

// WatchServers subscribes to center's change feed and republishes every
// event until ctx is cancelled. Returns immediately if the relay is
// disabled.
func (r *Relay) WatchServers(ctx context.Context, center *discovery.Center) {
	if !r.cfg.enabled() {
		return
	}
	ch := center.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-ch:
				if !ok {
					return
				}
				r.publishServerEvent(change)
			}
		}
	}()
}

// AttachStages wires the relay into registry's stage lifecycle events.
// Returns immediately if the relay is disabled, leaving the registry's
// event sink unset.
func (r *Relay) AttachStages(registry *stage.Registry) {
	if !r.cfg.enabled() {
		return
	}
	registry.OnEvent(r.publishStageEvent)
}

func (r *Relay) publishServerEvent(change discovery.Change) {
	kind := "updated"
	switch change.Kind {
	case discovery.Added:
		kind = "added"
	case discovery.Removed:
		kind = "removed"
	}
	body, err := json.Marshal(serverEvent{
		Kind:      kind,
		NID:       change.Info.NID(),
		Endpoint:  change.Info.Endpoint,
		Timestamp: r.now(),
	})
	if err != nil {
		r.logger.Warn("relay: marshal server event failed", "err", err)
		return
	}
	r.publish("mesh.server."+kind, body)
}

func (r *Relay) publishStageEvent(ev stage.Event) {
	kind := "created"
	if ev.Kind == stage.StageClosed {
		kind = "closed"
	}
	body, err := json.Marshal(stageEvent{
		Kind:      kind,
		ServerID:  ev.ServerID,
		StageID:   ev.StageID,
		StageType: ev.StageType,
		Timestamp: r.now(),
	})
	if err != nil {
		r.logger.Warn("relay: marshal stage event failed", "err", err)
		return
	}
	r.publish("mesh.stage."+kind, body)
}

func (r *Relay) publish(routingKey string, body []byte) {
	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata.Set("routing_key", routingKey)
	if err := r.publisher.Publish(r.cfg.ExchangeName, msg); err != nil {
		r.logger.Warn("relay: publish failed", "routing_key", routingKey, "err", err)
	}
}

// Close releases the underlying AMQP connection. A no-op when disabled.
func (r *Relay) Close() error {
	if r.publisher == nil {
		return nil
	}
	return r.publisher.Close()
}
