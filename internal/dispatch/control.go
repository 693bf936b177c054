package dispatch

import (
	"encoding/binary"
	"fmt"
)

// Reserved system msgIds an ApiSender uses to command a Play server to
// create or join a stage remotely, per spec.md §4.8's "trigger stage
// create/join" ApiSender capability. These travel on the "system" topic
// (RouteHeader.Flags.IsSystem) so they never reach a user OnDispatch
// handler.
const (
	SysCreateStage = "sys.CreateStage"
	SysJoinStage   = "sys.JoinStage"
	SysCloseStage  = "sys.CloseStage"
)

// createStagePayload is sys.CreateStage's control payload. StageID travels
// on the frame's RouteHeader.StageID field, same as every other frame.
type createStagePayload struct {
	StageType string
}

func encodeCreateStage(p createStagePayload) []byte {
	b := make([]byte, 0, 4+len(p.StageType))
	b = appendLenPrefixed(b, []byte(p.StageType))
	return b
}

func decodeCreateStage(b []byte) (createStagePayload, error) {
	v, _, err := consumeLenPrefixed(b)
	if err != nil {
		return createStagePayload{}, fmt.Errorf("sys.CreateStage: %w", err)
	}
	return createStagePayload{StageType: string(v)}, nil
}

// joinStagePayload is sys.JoinStage's control payload. StageID and
// AccountID travel on the frame's RouteHeader (StageID, AccountID fields).
type joinStagePayload struct {
	SessionEndpoint string
	SessionID       int64
	Resume          bool
	UserInfo        []byte
}

func encodeJoinStage(p joinStagePayload) []byte {
	b := make([]byte, 0, 16+len(p.SessionEndpoint)+len(p.UserInfo))
	b = appendLenPrefixed(b, []byte(p.SessionEndpoint))
	var sid [8]byte
	binary.BigEndian.PutUint64(sid[:], uint64(p.SessionID))
	b = append(b, sid[:]...)
	if p.Resume {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = appendLenPrefixed(b, p.UserInfo)
	return b
}

func decodeJoinStage(b []byte) (joinStagePayload, error) {
	endpoint, rest, err := consumeLenPrefixed(b)
	if err != nil {
		return joinStagePayload{}, fmt.Errorf("sys.JoinStage: session_endpoint: %w", err)
	}
	if len(rest) < 9 {
		return joinStagePayload{}, fmt.Errorf("sys.JoinStage: truncated")
	}
	sessionID := int64(binary.BigEndian.Uint64(rest[:8]))
	resume := rest[8] != 0
	rest = rest[9:]
	userInfo, _, err := consumeLenPrefixed(rest)
	if err != nil {
		return joinStagePayload{}, fmt.Errorf("sys.JoinStage: user_info: %w", err)
	}
	return joinStagePayload{
		SessionEndpoint: string(endpoint),
		SessionID:       sessionID,
		Resume:          resume,
		UserInfo:        userInfo,
	}, nil
}

func appendLenPrefixed(b, v []byte) []byte {
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(v)))
	b = append(b, lb[:]...)
	return append(b, v...)
}

func consumeLenPrefixed(b []byte) (value []byte, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("truncated length prefix")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, fmt.Errorf("truncated value")
	}
	return b[:n], b[n:], nil
}
