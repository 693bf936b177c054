package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ServerType mirrors the mesh's two kinds of federated server.
type ServerType uint32

const (
	ServerTypeUnknown ServerType = 0
	ServerTypePlay    ServerType = 1
	ServerTypeAPI     ServerType = 2
)

// RouteHeader is attached to every inter-server packet. It is encoded as a
// protobuf message on the wire (field numbers below), using
// google.golang.org/protobuf/encoding/protowire directly rather than a
// generated .pb.go: the message is small, stable, and internal to this repo,
// so hand-rolled wire encode/decode avoids depending on a protoc/buf code
// generation step this repo's build does not otherwise need.
//
// Field numbers (stable, do not renumber):
//
//	1 source_nid   string
//	2 dest_nid     string
//	3 service_id   uint32 (varint)
//	4 server_type  uint32 (varint)
//	5 msg_id       string
//	6 msg_seq      uint32 (varint)
//	7 stage_id     sint64 (zigzag varint)
//	8 account_id   string
//	9 flags        uint32 (varint, bitmask)
//	10 error_code  uint32 (varint) — meaningful only when flags.isReply is set
type RouteHeader struct {
	SourceNID  string
	DestNID    string
	ServiceID  uint16
	ServerType ServerType
	MsgID      string
	MsgSeq     uint16
	StageID    int64
	AccountID  string
	Flags      RouteFlags
	ErrorCode  uint16
}

// RouteFlags is a bitmask of the four flags on RouteHeader.
type RouteFlags uint32

const (
	FlagIsSystem RouteFlags = 1 << iota
	FlagIsReply
	FlagIsBase
	FlagIsBackend
)

func (f RouteFlags) IsSystem() bool  { return f&FlagIsSystem != 0 }
func (f RouteFlags) IsReply() bool   { return f&FlagIsReply != 0 }
func (f RouteFlags) IsBase() bool    { return f&FlagIsBase != 0 }
func (f RouteFlags) IsBackend() bool { return f&FlagIsBackend != 0 }

const (
	fieldSourceNID = protowire.Number(iota + 1)
	fieldDestNID
	fieldServiceID
	fieldServerType
	fieldMsgID
	fieldMsgSeq
	fieldStageID
	fieldAccountID
	fieldFlags
	fieldErrorCode
)

// Marshal encodes the header using the protobuf wire format.
func (h RouteHeader) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSourceNID, protowire.BytesType)
	b = protowire.AppendString(b, h.SourceNID)
	b = protowire.AppendTag(b, fieldDestNID, protowire.BytesType)
	b = protowire.AppendString(b, h.DestNID)
	b = protowire.AppendTag(b, fieldServiceID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.ServiceID))
	b = protowire.AppendTag(b, fieldServerType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.ServerType))
	b = protowire.AppendTag(b, fieldMsgID, protowire.BytesType)
	b = protowire.AppendString(b, h.MsgID)
	b = protowire.AppendTag(b, fieldMsgSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.MsgSeq))
	b = protowire.AppendTag(b, fieldStageID, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(h.StageID))
	b = protowire.AppendTag(b, fieldAccountID, protowire.BytesType)
	b = protowire.AppendString(b, h.AccountID)
	b = protowire.AppendTag(b, fieldFlags, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Flags))
	b = protowire.AppendTag(b, fieldErrorCode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.ErrorCode))
	return b
}

// UnmarshalRouteHeader decodes a header previously produced by Marshal.
// Unknown fields are skipped, so adding a new field number later does not
// break older peers.
func UnmarshalRouteHeader(b []byte) (RouteHeader, error) {
	var h RouteHeader
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return h, fmt.Errorf("route header: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldSourceNID:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return h, fmt.Errorf("route header: source_nid: %w", protowire.ParseError(n))
			}
			h.SourceNID = v
			b = b[n:]
		case fieldDestNID:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return h, fmt.Errorf("route header: dest_nid: %w", protowire.ParseError(n))
			}
			h.DestNID = v
			b = b[n:]
		case fieldServiceID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return h, fmt.Errorf("route header: service_id: %w", protowire.ParseError(n))
			}
			h.ServiceID = uint16(v)
			b = b[n:]
		case fieldServerType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return h, fmt.Errorf("route header: server_type: %w", protowire.ParseError(n))
			}
			h.ServerType = ServerType(v)
			b = b[n:]
		case fieldMsgID:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return h, fmt.Errorf("route header: msg_id: %w", protowire.ParseError(n))
			}
			h.MsgID = v
			b = b[n:]
		case fieldMsgSeq:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return h, fmt.Errorf("route header: msg_seq: %w", protowire.ParseError(n))
			}
			h.MsgSeq = uint16(v)
			b = b[n:]
		case fieldStageID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return h, fmt.Errorf("route header: stage_id: %w", protowire.ParseError(n))
			}
			h.StageID = protowire.DecodeZigZag(v)
			b = b[n:]
		case fieldAccountID:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return h, fmt.Errorf("route header: account_id: %w", protowire.ParseError(n))
			}
			h.AccountID = v
			b = b[n:]
		case fieldFlags:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return h, fmt.Errorf("route header: flags: %w", protowire.ParseError(n))
			}
			h.Flags = RouteFlags(v)
			b = b[n:]
		case fieldErrorCode:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return h, fmt.Errorf("route header: error_code: %w", protowire.ParseError(n))
			}
			h.ErrorCode = uint16(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return h, fmt.Errorf("route header: unknown field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return h, nil
}

// Validate checks the required-field invariants for a header about to be
// sent: both NIDs present, and isReply headers carrying a non-zero msgSeq
// (the invariant from spec.md §3: isReply ⇒ msgSeq equals the original
// request's seq, which in particular means it cannot be 0/push).
func (h RouteHeader) Validate() error {
	if h.SourceNID == "" || h.DestNID == "" {
		return fmt.Errorf("route header: source_nid and dest_nid are required")
	}
	if len(h.MsgID) > 256 {
		return fmt.Errorf("route header: msg_id exceeds 256 bytes")
	}
	if h.Flags.IsReply() && h.MsgSeq == 0 {
		return fmt.Errorf("route header: isReply set with msgSeq 0")
	}
	return nil
}

// NID formats the "serviceId:serverId" node identifier.
func NID(serviceID uint16, serverID string) string {
	return fmt.Sprintf("%d:%s", serviceID, serverID)
}
