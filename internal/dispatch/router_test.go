package dispatch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/playhouse/playhouse/internal/gateway"
	"github.com/playhouse/playhouse/internal/stage"
	"github.com/playhouse/playhouse/internal/wire"
)

func newTestSession(t *testing.T, id int64, router gateway.Router) *gateway.Session {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()
	return gateway.NewSession(id, server, router, time.Second, discardLogger())
}

func TestGatewayRouterJoinThenDispatch(t *testing.T) {
	pool := stage.NewPool(2, 16)
	reg := stage.NewRegistry("play-1", pool, discardLogger())
	reg.RegisterFactory("Echo", func() stage.IStage { return echoStage{} })
	if _, _, err := reg.CreateStage(context.Background(), 42, "Echo"); err != nil {
		t.Fatalf("CreateStage: %v", err)
	}

	router := NewGatewayRouter("1:play-1", reg, discardLogger())
	sess := newTestSession(t, 1, router)

	joinPacket := wire.Packet{
		MsgID:   MsgIDJoin,
		MsgSeq:  1,
		StageID: 42,
		Payload: encodeClientJoin(clientJoinPayload{AccountID: "acct-1"}),
	}
	router.RouteInbound(context.Background(), sess, joinPacket)

	if _, _, _, bound := sess.Binding(); !bound {
		t.Fatal("expected session to be bound after join")
	}

	st, _ := reg.Lookup(42)
	if st.ActorCount() != 1 {
		t.Fatalf("expected 1 actor, got %d", st.ActorCount())
	}

	router.RouteInbound(context.Background(), sess, wire.Packet{MsgID: "Move", MsgSeq: 2, Payload: []byte("x")})
}

func TestGatewayRouterRejectsUnboundNonJoin(t *testing.T) {
	pool := stage.NewPool(2, 16)
	reg := stage.NewRegistry("play-1", pool, discardLogger())
	router := NewGatewayRouter("1:play-1", reg, discardLogger())

	sess := newTestSession(t, 2, router)
	router.RouteInbound(context.Background(), sess, wire.Packet{MsgID: "Move", MsgSeq: 1})

	if _, _, _, bound := sess.Binding(); bound {
		t.Fatal("session must not be bound after a rejected non-join packet")
	}
}

func TestGatewayRouterDisconnectedNotifiesStage(t *testing.T) {
	pool := stage.NewPool(2, 16)
	reg := stage.NewRegistry("play-1", pool, discardLogger())
	reg.RegisterFactory("Echo", func() stage.IStage { return echoStage{} })
	if _, _, err := reg.CreateStage(context.Background(), 7, "Echo"); err != nil {
		t.Fatalf("CreateStage: %v", err)
	}
	router := NewGatewayRouter("1:play-1", reg, discardLogger())

	sess := newTestSession(t, 3, router)
	router.RouteInbound(context.Background(), sess, wire.Packet{
		MsgID: MsgIDJoin, MsgSeq: 1, StageID: 7,
		Payload: encodeClientJoin(clientJoinPayload{AccountID: "acct-2"}),
	})
	router.Disconnected(sess, stage.DisconnectClosed)
}
