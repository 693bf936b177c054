package reqcache

import (
	"testing"
	"time"

	"github.com/playhouse/playhouse/internal/perr"
	"github.com/playhouse/playhouse/internal/wire"
)

func TestCompleteResolvesOnce(t *testing.T) {
	c := New()
	k := Key{PeerNID: "1:play-1", MsgSeq: 7}
	ch, err := c.Register(k, time.Second)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	c.Complete(k, wire.Packet{MsgID: "EchoReply", MsgSeq: 7})
	c.Complete(k, wire.Packet{MsgID: "EchoReply", MsgSeq: 7}) // late/duplicate, must no-op

	res := <-ch
	if res.Err != nil {
		t.Fatalf("unexpected err: %v", res.Err)
	}
	if res.Packet.MsgID != "EchoReply" {
		t.Fatalf("got %q", res.Packet.MsgID)
	}
}

func TestRegisterDuplicateSeqRejected(t *testing.T) {
	c := New()
	k := Key{PeerNID: "1:play-1", MsgSeq: 1}
	if _, err := c.Register(k, time.Second); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := c.Register(k, time.Second); perr.CodeOf(err) != perr.InvalidMessage {
		t.Fatalf("expected InvalidMessage, got %v", err)
	}
}

func TestTimeout(t *testing.T) {
	c := New()
	k := Key{PeerNID: "1:play-1", MsgSeq: 2}
	ch, err := c.Register(k, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	start := time.Now()
	res := <-ch
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("resolved too early")
	}
	if perr.CodeOf(res.Err) != perr.RequestTimeout {
		t.Fatalf("expected RequestTimeout, got %v", res.Err)
	}
}

func TestCancelPeerOnlyAffectsThatPeer(t *testing.T) {
	c := New()
	kA := Key{PeerNID: "1:play-1", MsgSeq: 5}
	kB := Key{PeerNID: "1:play-2", MsgSeq: 5}
	chA, _ := c.Register(kA, time.Second)
	chB, _ := c.Register(kB, time.Second)

	c.CancelPeer("1:play-1", perr.New(perr.ServerNotFound, "peer gone"))

	resA := <-chA
	if perr.CodeOf(resA.Err) != perr.ServerNotFound {
		t.Fatalf("expected ServerNotFound for peer A, got %v", resA.Err)
	}

	select {
	case <-chB:
		t.Fatalf("peer B request should not have resolved")
	case <-time.After(30 * time.Millisecond):
	}

	c.Cancel(kB, perr.New(perr.RequestTimeout, "cleanup"))
	<-chB
}
