// Package registrarwire defines the wire messages for the Registrar
// discovery backend's gRPC service, encoded with protowire directly rather
// than protoc-gen-go output — see SPEC_FULL.md §4.1 for why: there is no
// protoc/buf codegen step in this build, so message types that would
// otherwise come from a .proto file are hand-written here the same way
// internal/wire's RouteHeader is.
package registrarwire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// field numbers, stable, do not renumber:
//   ListRequest:  1 requesterNid
//   ListResponse: 1 repeated ServerEntry
//   ServerEntry:  1 serviceType, 2 serviceId, 3 serverId, 4 endpoint,
//                 5 state, 6 weight

type ListRequest struct {
	RequesterNID string
}

func (m ListRequest) Marshal() []byte {
	var b []byte
	if m.RequesterNID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.RequesterNID)
	}
	return b
}

func UnmarshalListRequest(b []byte) (ListRequest, error) {
	var m ListRequest
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.RequesterNID = s
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}

type ServerEntry struct {
	ServiceType uint32
	ServiceID   uint32
	ServerID    string
	Endpoint    string
	State       uint32
	Weight      int32
}

func (e ServerEntry) marshalInto(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.ServiceType))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.ServiceID))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, e.ServerID)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendString(b, e.Endpoint)
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.State))
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(e.Weight)))
	return b
}

func unmarshalServerEntry(b []byte) (ServerEntry, error) {
	var e ServerEntry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.ServiceType = uint32(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.ServiceID = uint32(v)
			b = b[n:]
		case 3:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.ServerID = s
			b = b[n:]
		case 4:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.Endpoint = s
			b = b[n:]
		case 5:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.State = uint32(v)
			b = b[n:]
		case 6:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.Weight = int32(protowire.DecodeZigZag(v))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return e, nil
}

type ListResponse struct {
	Entries []ServerEntry
}

func (m ListResponse) Marshal() []byte {
	var b []byte
	for _, e := range m.Entries {
		entryBytes := e.marshalInto(nil)
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, entryBytes)
	}
	return b
}

func UnmarshalListResponse(b []byte) (ListResponse, error) {
	var m ListResponse
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			eb, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			entry, err := unmarshalServerEntry(eb)
			if err != nil {
				return m, err
			}
			m.Entries = append(m.Entries, entry)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}
