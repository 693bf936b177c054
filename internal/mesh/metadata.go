package mesh

import (
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/playhouse/playhouse/internal/routersock"
	"github.com/playhouse/playhouse/internal/wire"
)

// encodeFrameMetadata/decodeFrameMetadata round-trip the fields a
// Dispatcher needs off a watermill message's metadata map, since the
// gochannel pub/sub only carries a byte payload plus string key/value
// metadata — the RouteHeader itself doesn't need to survive this hop
// (it already did its job routing the frame to this process), but msgId,
// msgSeq, and stageId do, since handlers dispatch on them.
const (
	metaMsgID      = "msgId"
	metaMsgSeq     = "msgSeq"
	metaStageID    = "stageId"
	metaAccountID  = "accountId"
	metaSourceNID  = "sourceNid"
	metaServerType = "serverType"
)

func encodeFrameMetadata(msg *message.Message, f routersock.Frame) {
	msg.Metadata.Set(metaMsgID, f.Header.MsgID)
	msg.Metadata.Set(metaMsgSeq, strconv.FormatUint(uint64(f.Header.MsgSeq), 10))
	msg.Metadata.Set(metaStageID, strconv.FormatInt(f.Header.StageID, 10))
	msg.Metadata.Set(metaAccountID, f.Header.AccountID)
	msg.Metadata.Set(metaSourceNID, f.Header.SourceNID)
	msg.Metadata.Set(metaServerType, strconv.FormatUint(uint64(f.Header.ServerType), 10))
}

func decodeFrameMetadata(msg *message.Message) (routersock.Frame, error) {
	msgSeq, err := strconv.ParseUint(msg.Metadata.Get(metaMsgSeq), 10, 16)
	if err != nil {
		return routersock.Frame{}, err
	}
	stageID, err := strconv.ParseInt(msg.Metadata.Get(metaStageID), 10, 64)
	if err != nil {
		return routersock.Frame{}, err
	}
	serverType, err := strconv.ParseUint(msg.Metadata.Get(metaServerType), 10, 32)
	if err != nil {
		return routersock.Frame{}, err
	}

	return routersock.Frame{
		Header: wire.RouteHeader{
			SourceNID:  msg.Metadata.Get(metaSourceNID),
			MsgID:      msg.Metadata.Get(metaMsgID),
			MsgSeq:     uint16(msgSeq),
			StageID:    stageID,
			AccountID:  msg.Metadata.Get(metaAccountID),
			ServerType: wire.ServerType(serverType),
		},
		Payload: msg.Payload,
	}, nil
}
