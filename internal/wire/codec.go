package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/playhouse/playhouse/internal/perr"
)

// Client-to-server frame:
//
//	| bodySize u32 LE | msgIdLen u8 | msgId bytes | msgSeq u16 | stageId i64 | payload[bodySize] |
//
// Server-to-client frames additionally carry errorCode u16 and
// originalSize u32 immediately after stageId.
const (
	clientToServerHeaderMin = 4 + 1 + 2 + 8      // 15 bytes
	serverToClientHeaderMin = 4 + 1 + 2 + 8 + 2 + 4 // 21 bytes
)

// EncodeClientFrame encodes a Packet as a client->server frame (no
// errorCode/originalSize).
func EncodeClientFrame(p Packet) ([]byte, error) {
	if err := checkFrameLimits(p); err != nil {
		return nil, err
	}
	bodySize := uint32(len(p.Payload))
	total := clientToServerHeaderMin + len(p.MsgID) + len(p.Payload)
	buf := make([]byte, total)

	off := 0
	binary.LittleEndian.PutUint32(buf[off:], bodySize)
	off += 4
	buf[off] = byte(len(p.MsgID))
	off++
	off += copy(buf[off:], p.MsgID)
	binary.LittleEndian.PutUint16(buf[off:], p.MsgSeq)
	off += 2
	binary.LittleEndian.PutUint64(buf[off:], uint64(p.StageID))
	off += 8
	copy(buf[off:], p.Payload)

	return buf, nil
}

// DecodeClientFrame decodes a client->server frame.
func DecodeClientFrame(buf []byte) (Packet, int, error) {
	if len(buf) < clientToServerHeaderMin {
		return Packet{}, 0, nil // need more bytes
	}
	bodySize := binary.LittleEndian.Uint32(buf[0:4])
	msgIDLen := int(buf[4])
	if msgIDLen > MaxMsgIDBytes {
		return Packet{}, 0, perr.New(perr.InvalidMessage, "msgIdLen exceeds 256")
	}
	if bodySize > MaxPayloadBytes {
		return Packet{}, 0, perr.New(perr.InvalidMessage, "bodySize exceeds 2 MiB")
	}
	need := clientToServerHeaderMin + msgIDLen + int(bodySize)
	if len(buf) < need {
		return Packet{}, 0, nil // need more bytes
	}

	off := 4
	msgID := string(buf[off : off+msgIDLen])
	off += msgIDLen
	msgSeq := binary.LittleEndian.Uint16(buf[off:])
	off += 2
	stageID := int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	payload := append([]byte(nil), buf[off:off+int(bodySize)]...)

	return Packet{
		MsgID:   msgID,
		Payload: payload,
		MsgSeq:  msgSeq,
		StageID: stageID,
	}, need, nil
}

// EncodeServerFrame encodes a Packet as a server->client frame, including
// errorCode and originalSize.
func EncodeServerFrame(p Packet) ([]byte, error) {
	if err := checkFrameLimits(p); err != nil {
		return nil, err
	}
	bodySize := uint32(len(p.Payload))
	total := serverToClientHeaderMin + len(p.MsgID) + len(p.Payload)
	buf := make([]byte, total)

	off := 0
	binary.LittleEndian.PutUint32(buf[off:], bodySize)
	off += 4
	buf[off] = byte(len(p.MsgID))
	off++
	off += copy(buf[off:], p.MsgID)
	binary.LittleEndian.PutUint16(buf[off:], p.MsgSeq)
	off += 2
	binary.LittleEndian.PutUint64(buf[off:], uint64(p.StageID))
	off += 8
	binary.LittleEndian.PutUint16(buf[off:], uint16(p.ErrorCode))
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], uint32(p.OriginalSize))
	off += 4
	copy(buf[off:], p.Payload)

	return buf, nil
}

// DecodeServerFrame decodes a server->client frame. Returns (packet,
// consumed, err); consumed == 0 and err == nil means "need more bytes".
func DecodeServerFrame(buf []byte) (Packet, int, error) {
	if len(buf) < serverToClientHeaderMin {
		return Packet{}, 0, nil
	}
	bodySize := binary.LittleEndian.Uint32(buf[0:4])
	msgIDLen := int(buf[4])
	if msgIDLen > MaxMsgIDBytes {
		return Packet{}, 0, perr.New(perr.InvalidMessage, "msgIdLen exceeds 256")
	}
	if bodySize > MaxPayloadBytes {
		return Packet{}, 0, perr.New(perr.InvalidMessage, "bodySize exceeds 2 MiB")
	}
	need := serverToClientHeaderMin + msgIDLen + int(bodySize)
	if len(buf) < need {
		return Packet{}, 0, nil
	}

	off := 4
	msgID := string(buf[off : off+msgIDLen])
	off += msgIDLen
	msgSeq := binary.LittleEndian.Uint16(buf[off:])
	off += 2
	stageID := int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	errorCode := perr.Code(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	originalSize := int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	payload := append([]byte(nil), buf[off:off+int(bodySize)]...)

	return Packet{
		MsgID:        msgID,
		Payload:      payload,
		MsgSeq:       msgSeq,
		StageID:      stageID,
		ErrorCode:    errorCode,
		OriginalSize: originalSize,
	}, need, nil
}

func checkFrameLimits(p Packet) error {
	if len(p.MsgID) > MaxMsgIDBytes {
		return perr.New(perr.InvalidMessage, fmt.Sprintf("msgId %q exceeds 256 bytes", p.MsgID))
	}
	if len(p.Payload) > MaxPayloadBytes {
		return perr.New(perr.InvalidMessage, "payload exceeds 2 MiB")
	}
	return nil
}
