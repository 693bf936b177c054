package routersock

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/playhouse/playhouse/internal/wire"
)

// Frame is the inter-server multipart message: [targetServerId | routeHeader
// | payload], per spec.md §4.3/§6.
type Frame struct {
	TargetServerID string
	Header         wire.RouteHeader
	Payload        []byte
}

// writeFrame writes a length-prefixed 3-part multipart frame:
//
//	u32 totalLen
//	u32 targetLen | target bytes
//	u32 headerLen | header bytes
//	u32 payloadLen | payload bytes
func writeFrame(w io.Writer, f Frame) error {
	headerBytes := f.Header.Marshal()
	target := []byte(f.TargetServerID)

	partsLen := 4 + len(target) + 4 + len(headerBytes) + 4 + len(f.Payload)
	buf := make([]byte, 4+partsLen)

	binary.BigEndian.PutUint32(buf[0:4], uint32(partsLen))
	off := 4
	binary.BigEndian.PutUint32(buf[off:], uint32(len(target)))
	off += 4
	off += copy(buf[off:], target)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(headerBytes)))
	off += 4
	off += copy(buf[off:], headerBytes)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(f.Payload)))
	off += 4
	copy(buf[off:], f.Payload)

	_, err := w.Write(buf)
	return err
}

const maxFrameBytes = wire.MaxPayloadBytes + wire.MaxMsgIDBytes + 4096

// readFrame reads one frame previously written by writeFrame.
func readFrame(r *bufio.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total > maxFrameBytes {
		return Frame{}, fmt.Errorf("router frame too large: %d bytes", total)
	}

	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}

	off := 0
	targetLen, err := readU32(body, &off)
	if err != nil {
		return Frame{}, err
	}
	target := string(body[off : off+int(targetLen)])
	off += int(targetLen)

	headerLen, err := readU32(body, &off)
	if err != nil {
		return Frame{}, err
	}
	headerBytes := body[off : off+int(headerLen)]
	off += int(headerLen)

	payloadLen, err := readU32(body, &off)
	if err != nil {
		return Frame{}, err
	}
	payload := append([]byte(nil), body[off:off+int(payloadLen)]...)
	off += int(payloadLen)

	header, err := wire.UnmarshalRouteHeader(headerBytes)
	if err != nil {
		return Frame{}, fmt.Errorf("router frame: %w", err)
	}

	return Frame{TargetServerID: target, Header: header, Payload: payload}, nil
}

func readU32(buf []byte, off *int) (uint32, error) {
	if *off+4 > len(buf) {
		return 0, fmt.Errorf("router frame: truncated length prefix")
	}
	v := binary.BigEndian.Uint32(buf[*off:])
	*off += 4
	return v, nil
}
