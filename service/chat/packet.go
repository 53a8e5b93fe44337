package chat

import (
	"encoding/json"

	"IMGateway/tools/errs"
)

// Wire packet types. 1xx are client-to-server, 2xx server-to-client,
// 4xx server-side rejections.
const (
	PacketClientSend    int32 = 100
	PacketClientAckRead int32 = 101
	PacketClientPull    int32 = 102

	PacketServerPush    int32 = 200
	PacketServerAckSent int32 = 201
	PacketServerAckRead int32 = 202
	PacketServerSummary int32 = 203

	PacketInvalidFormat int32 = 400
	PacketNoPermission  int32 = 401
)

// Registration outcome markers sent right after the handshake.
const (
	RegisterSuccessMarker = "REGISTER_SUCCESS"
	RegisterFailedMarker  = "REGISTER_FAILED"
)

// Envelope is the inbound frame shape. Data stays loosely typed here;
// each handler decodes it into its own payload struct.
type Envelope struct {
	PacketType int32          `json:"packetType"`
	Data       map[string]any `json:"data"`
}

// Outbound is the server-to-client frame.
type Outbound struct {
	PacketType int32 `json:"packetType"`
	Data       any   `json:"data,omitempty"`
}

func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.ErrArgs.WrapMsg("bad frame", "err", err)
	}
	if env.PacketType == 0 {
		return nil, errs.ErrArgs.WrapMsg("missing packetType")
	}
	return &env, nil
}

// SendMsgData is the payload of PacketClientSend.
type SendMsgData struct {
	TargetUserID   int64  `json:"targetUserId"`
	ConversationID int64  `json:"conversationId"`
	ClientMsgID    string `json:"clientMsgId"`
	ChatType       int32  `json:"chatType"`
	MessageType    int32  `json:"messageType"`
	Message        string `json:"message"`
	SendTime       int64  `json:"sendTime"`
}

// AckReadData is the payload of PacketClientAckRead.
type AckReadData struct {
	ConversationID int64 `json:"conversationId"`
	ReadSeq        int64 `json:"readSeq"`
}

// AckSentData is the payload of PacketServerAckSent, echoing the
// client msg id with the assigned server identity.
type AckSentData struct {
	ClientMsgID    string `json:"clientMsgId"`
	MessageID      int64  `json:"messageId"`
	ConversationID int64  `json:"conversationId"`
	Seq            int64  `json:"seq"`
	SendTime       int64  `json:"sendTime"`
}

// ErrorData is the payload of the 4xx packets.
type ErrorData struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}
