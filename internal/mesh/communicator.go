// Package mesh implements the Communicator (C6): the glue between
// discovery, the router socket transport, and the Play/Api/System
// dispatchers. It keeps router-socket peer connections in sync with the
// Server Info Center's topology, and demultiplexes inbound frames onto an
// in-process pub/sub bus so dispatch logic is expressed as watermill
// handlers rather than a hand-rolled switch.
//
// Grounded on the teacher's internal/handler/amqp/router.go
// (message.Router + gochannel-backed NoPublisherHandlerFunc registration)
// generalized from "consume external AMQP events" to "consume inbound mesh
// frames already demultiplexed onto three in-process topics."
package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"golang.org/x/sync/errgroup"

	"github.com/playhouse/playhouse/internal/discovery"
	"github.com/playhouse/playhouse/internal/perr"
	"github.com/playhouse/playhouse/internal/reqcache"
	"github.com/playhouse/playhouse/internal/routersock"
	"github.com/playhouse/playhouse/internal/wire"
)

// Topic names for the in-process gochannel bus. Inbound frames land on
// exactly one of these based on their RouteHeader.
const (
	TopicPlay   = "play"
	TopicAPI    = "api"
	TopicSystem = "system"
)

// Dispatcher is implemented by whatever consumes demultiplexed inbound
// frames — internal/dispatch's Play and Api dispatchers, and a small
// system handler for mesh-internal control messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, from string, f routersock.Frame) error
}

// dispatcherFunc adapts a plain function to Dispatcher.
type dispatcherFunc func(ctx context.Context, from string, f routersock.Frame) error

func (fn dispatcherFunc) Dispatch(ctx context.Context, from string, f routersock.Frame) error {
	return fn(ctx, from, f)
}

// Communicator owns one router socket, keeps its peer set in sync with a
// discovery.Center, and routes inbound frames to registered Dispatchers.
type Communicator struct {
	selfNID string
	socket  *routersock.Socket
	center  *discovery.Center
	reqs    *reqcache.Cache
	logger  *slog.Logger

	pubsub *gochannel.GoChannel
	router *message.Router

	mu          sync.RWMutex
	dispatchers map[string]Dispatcher
}

func NewCommunicator(selfNID string, socket *routersock.Socket, center *discovery.Center, reqs *reqcache.Cache, logger *slog.Logger) (*Communicator, error) {
	wmLogger := watermill.NewSlogLogger(logger)
	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, perr.Wrap(perr.SystemError, "mesh router init failed", err)
	}

	c := &Communicator{
		selfNID:     selfNID,
		socket:      socket,
		center:      center,
		reqs:        reqs,
		logger:      logger,
		pubsub:      gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 1024}, wmLogger),
		router:      router,
		dispatchers: make(map[string]Dispatcher),
	}
	return c, nil
}

// RegisterDispatcher binds a Dispatcher to one of TopicPlay/TopicAPI/
// TopicSystem. Must be called before Run.
func (c *Communicator) RegisterDispatcher(topic string, d Dispatcher) {
	c.mu.Lock()
	c.dispatchers[topic] = d
	c.mu.Unlock()

	c.router.AddNoPublisherHandler(topic+"_executor", topic, c.pubsub, func(msg *message.Message) error {
		from := msg.Metadata.Get("from")
		f, err := decodeFrameMetadata(msg)
		if err != nil {
			c.logger.Warn("mesh: dropping undecodable inbound message", "topic", topic, "err", err)
			return nil
		}
		return d.Dispatch(msg.Context(), from, f)
	})
}

// Run starts the watermill router and the discovery-change pump. It blocks
// until ctx is cancelled.
func (c *Communicator) Run(ctx context.Context) error {
	changeCh := c.center.Subscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.router.Run(gctx)
	})
	g.Go(func() error {
		c.pumpTopologyChanges(gctx, changeCh)
		return nil
	})
	return g.Wait()
}

// pumpTopologyChanges fans out connect/disconnect work for a burst of
// Added/Removed events concurrently, so one slow peer dial doesn't
// serialize the others.
func (c *Communicator) pumpTopologyChanges(ctx context.Context, changes <-chan discovery.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			batch := []discovery.Change{ch}
			draining := true
			for draining {
				select {
				case more, ok := <-changes:
					if !ok {
						draining = false
						break
					}
					batch = append(batch, more)
				default:
					draining = false
				}
			}
			c.applyChanges(ctx, batch)
		}
	}
}

func (c *Communicator) applyChanges(ctx context.Context, batch []discovery.Change) {
	g, _ := errgroup.WithContext(ctx)
	for _, ch := range batch {
		ch := ch
		g.Go(func() error {
			nid := ch.Info.NID()
			switch ch.Kind {
			case discovery.Added, discovery.Updated:
				if err := c.socket.Connect(nid, ch.Info.Endpoint); err != nil {
					c.logger.Warn("mesh: failed to connect to peer", "nid", nid, "endpoint", ch.Info.Endpoint, "err", err)
				}
			case discovery.Removed:
				c.socket.Disconnect(nid)
				c.reqs.CancelPeer(nid, perr.New(perr.ServerNotFound, fmt.Sprintf("peer %s removed from topology", nid)))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// HandleInbound is the routersock.Handler wired to the Socket: it resolves
// replies directly against the Request Cache, and publishes everything
// else onto the topic matching the frame's destination flags for a
// registered Dispatcher to pick up.
func (c *Communicator) HandleInbound(from string, f routersock.Frame) {
	if f.Header.Flags.IsReply() {
		k := reqcache.Key{PeerNID: from, MsgSeq: f.Header.MsgSeq}
		c.reqs.Complete(k, wire.Packet{
			MsgID:     f.Header.MsgID,
			Payload:   f.Payload,
			MsgSeq:    f.Header.MsgSeq,
			StageID:   f.Header.StageID,
			ErrorCode: perr.Code(f.Header.ErrorCode),
		})
		return
	}

	topic := TopicPlay
	switch {
	case f.Header.Flags.IsSystem():
		topic = TopicSystem
	case f.Header.ServerType == wire.ServerTypeAPI:
		topic = TopicAPI
	}

	c.mu.RLock()
	_, registered := c.dispatchers[topic]
	c.mu.RUnlock()
	if !registered {
		c.logger.Warn("mesh: no dispatcher registered for topic, dropping frame", "topic", topic, "from", from)
		if f.Header.MsgSeq != 0 {
			c.replyServerNotFound(from, f)
		}
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), f.Payload)
	msg.Metadata.Set("from", from)
	encodeFrameMetadata(msg, f)
	if err := c.pubsub.Publish(topic, msg); err != nil {
		c.logger.Warn("mesh: failed to publish inbound frame", "topic", topic, "err", err)
	}
}

// replyServerNotFound synthesizes a ServerNotFound reply back toward the
// frame's source when no dispatcher exists to handle a request, matching
// spec.md's "unknown destination" handling for the Request Cache to resolve.
func (c *Communicator) replyServerNotFound(from string, f routersock.Frame) {
	reply := routersock.Frame{
		TargetServerID: from,
		Header: wire.RouteHeader{
			SourceNID:  c.selfNID,
			DestNID:    from,
			MsgID:      f.Header.MsgID,
			MsgSeq:     f.Header.MsgSeq,
			StageID:    f.Header.StageID,
			ServerType: f.Header.ServerType,
			Flags:      wire.FlagIsReply,
			ErrorCode:  uint16(perr.ServerNotFound),
		},
	}
	if err := c.socket.Send(context.Background(), from, reply); err != nil {
		c.logger.Debug("mesh: failed to send ServerNotFound reply", "to", from, "err", err)
	}
}

// Send forwards a frame to destNID via the router socket.
func (c *Communicator) Send(ctx context.Context, destNID string, f routersock.Frame) error {
	return c.socket.Send(ctx, destNID, f)
}

func (c *Communicator) Close() error {
	return c.router.Close()
}
