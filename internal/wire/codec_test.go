package wire

import (
	"bytes"
	"testing"

	"github.com/playhouse/playhouse/internal/perr"
)

func TestClientFrameRoundTrip(t *testing.T) {
	p := Packet{MsgID: "EchoRequest", Payload: []byte("hi"), MsgSeq: 1, StageID: 42}
	buf, err := EncodeClientFrame(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, n, err := DecodeClientFrame(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if got.MsgID != p.MsgID || !bytes.Equal(got.Payload, p.Payload) || got.MsgSeq != p.MsgSeq || got.StageID != p.StageID {
		t.Fatalf("round trip mismatch: %+v != %+v", got, p)
	}
}

func TestServerFrameRoundTrip(t *testing.T) {
	p := Packet{MsgID: "EchoReply", Payload: []byte("hi"), MsgSeq: 1, StageID: 42, ErrorCode: perr.Success, OriginalSize: 99}
	buf, err := EncodeServerFrame(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(buf) < serverToClientHeaderMin {
		t.Fatalf("frame shorter than minimum header")
	}
	got, n, err := DecodeServerFrame(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if got.MsgID != p.MsgID || !bytes.Equal(got.Payload, p.Payload) || got.MsgSeq != p.MsgSeq || got.StageID != p.StageID ||
		got.ErrorCode != p.ErrorCode || got.OriginalSize != p.OriginalSize {
		t.Fatalf("round trip mismatch: %+v != %+v", got, p)
	}
}

func TestDecodeNeedsMoreBytes(t *testing.T) {
	p := Packet{MsgID: "EchoRequest", Payload: []byte("hello world"), MsgSeq: 5, StageID: 1}
	buf, _ := EncodeClientFrame(p)
	_, n, err := DecodeClientFrame(buf[:len(buf)-1])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 consumed on short buffer, got %d", n)
	}
}

func TestEncodeRejectsOversizeMsgID(t *testing.T) {
	p := Packet{MsgID: string(make([]byte, 257)), MsgSeq: 1}
	if _, err := EncodeClientFrame(p); perr.CodeOf(err) != perr.InvalidMessage {
		t.Fatalf("expected InvalidMessage, got %v", err)
	}
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	p := Packet{MsgID: "X", Payload: make([]byte, MaxPayloadBytes+1), MsgSeq: 1}
	if _, err := EncodeClientFrame(p); perr.CodeOf(err) != perr.InvalidMessage {
		t.Fatalf("expected InvalidMessage, got %v", err)
	}
}

func TestRouteHeaderRoundTrip(t *testing.T) {
	h := RouteHeader{
		SourceNID:  "1:play-1",
		DestNID:    "1:play-2",
		ServiceID:  1,
		ServerType: ServerTypePlay,
		MsgID:      "Dispatch",
		MsgSeq:     7,
		StageID:    -42,
		AccountID:  "acct-1",
		Flags:      FlagIsReply | FlagIsBackend,
		ErrorCode:  uint16(17),
	}
	b := h.Marshal()
	got, err := UnmarshalRouteHeader(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: %+v != %+v", got, h)
	}
	if !got.Flags.IsReply() || !got.Flags.IsBackend() || got.Flags.IsSystem() {
		t.Fatalf("flags decode mismatch: %v", got.Flags)
	}
}

func TestRouteHeaderValidate(t *testing.T) {
	h := RouteHeader{SourceNID: "1:a", DestNID: "1:b"}
	if err := h.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (RouteHeader{DestNID: "1:b"}).Validate(); err == nil {
		t.Fatalf("expected error for missing source nid")
	}
	bad := RouteHeader{SourceNID: "1:a", DestNID: "1:b", Flags: FlagIsReply, MsgSeq: 0}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for isReply with msgSeq 0")
	}
}
