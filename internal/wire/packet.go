// Package wire implements the canonical in-memory Packet value, the
// client-facing frame codec, and the inter-server RouteHeader wire message.
package wire

import "github.com/playhouse/playhouse/internal/perr"

const (
	// MaxMsgIDBytes is the hard limit on msgId length, enforced by the codec.
	MaxMsgIDBytes = 256
	// MaxPayloadBytes is the hard limit on payload size (2 MiB), enforced by
	// the codec.
	MaxPayloadBytes = 2 * 1024 * 1024
)

// Reserved msgIds that never reach a user handler.
const (
	MsgIDHeartbeat = "@Heart@Beat@"
	MsgIDDebug     = "@Debug@"
	MsgIDTimeout   = "@Timeout@"
)

// Packet is the canonical in-memory message. MsgSeq of 0 means a push (no
// reply expected); any other value is a request/response correlation id.
//
// Ownership is move-only on send: once a Packet has been handed to a
// transport's send path, any further use of its Payload by the caller is a
// programmer error. Nothing enforces this: no transport clears Payload after
// a send, and Packet itself cannot be made un-reusable in Go without costly
// copying; callers that hand a Packet to more than one sink are responsible
// for cloning it first.
type Packet struct {
	MsgID        string
	Payload      []byte
	MsgSeq       uint16
	StageID      int64
	ErrorCode    perr.Code
	OriginalSize int32 // pre-compression length; 0 if not compressed
}

// Clone returns a deep copy safe to hand to a second sink.
func (p Packet) Clone() Packet {
	cp := p
	if p.Payload != nil {
		cp.Payload = append([]byte(nil), p.Payload...)
	}
	return cp
}

// Validate checks the size invariants the codec also enforces on the wire
// (in checkFrameLimits). No code in this module calls it; callers that want
// the check before handing a Packet on call it themselves.
func (p Packet) Validate() error {
	if len(p.MsgID) > MaxMsgIDBytes {
		return perr.New(perr.InvalidMessage, "msgId exceeds 256 bytes")
	}
	if len(p.Payload) > MaxPayloadBytes {
		return perr.New(perr.InvalidMessage, "payload exceeds 2 MiB")
	}
	return nil
}

// IsRequest reports whether this packet expects a correlated reply.
func (p Packet) IsRequest() bool { return p.MsgSeq != 0 }
