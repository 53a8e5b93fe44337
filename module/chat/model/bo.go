package model

// SendMessage is the broker payload for a message forwarded to the
// node that owns the receiving device.
type SendMessage struct {
	TargetUserID     int64  `json:"targetUserId"`
	SenderID         int64  `json:"senderId"`
	MessageID        int64  `json:"messageId"`
	ConversationID   int64  `json:"conversationId"`
	ChatType         int32  `json:"chatType"`
	MessageType      int32  `json:"messageType"`
	Message          string `json:"message"`
	Seq              int64  `json:"seq"`
	SendTime         int64  `json:"sendTime"`
	ReceiverDeviceID string `json:"receiverDeviceId,omitempty"`
}

// OfflineNotification asks the node named in TargetNode to tear down a
// stale session for (UserID, DeviceID).
type OfflineNotification struct {
	UserID     int64  `json:"userId"`
	DeviceID   string `json:"deviceId"`
	TargetNode string `json:"targetNode"`
	SessionID  string `json:"sessionId"`
	Reason     string `json:"reason"`
}

// Offline eviction reasons.
const (
	OfflineReasonNewLogin = "new_login"
	OfflineReasonKicked   = "kicked"
)

// Wire chat types, aligned with the conversation types.
const (
	ChatTypeSingle int32 = 1
	ChatTypeGroup  int32 = 2
)
