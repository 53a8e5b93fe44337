package chat

import (
	"context"

	"IMGateway/module/chat/message"
	"IMGateway/module/chat/model"
	"IMGateway/module/chat/summary"
	"IMGateway/tools/decode"
	"IMGateway/tools/errs"
)

// MessageSender runs the send pipeline for a decoded client frame.
type MessageSender interface {
	Send(ctx context.Context, in *message.SendInput) (*model.Message, error)
}

// CursorAdvancer moves a user's read cursor forward.
type CursorAdvancer interface {
	AdvanceRead(ctx context.Context, userID, conversationID, readSeq int64) (int64, error)
}

// SummaryBuilder assembles the per-conversation unread view.
type SummaryBuilder interface {
	Build(ctx context.Context, userID int64) (map[int64]summary.Item, error)
}

// MembershipChecker answers whether a user belongs to a conversation.
type MembershipChecker interface {
	IsActiveMember(ctx context.Context, conversationID, userID int64) (bool, error)
}

// Handlers owns the business entry points behind the dispatcher.
type Handlers struct {
	sender  MessageSender
	cursors CursorAdvancer
	summary SummaryBuilder
	members MembershipChecker
}

func NewHandlers(sender MessageSender, cursors CursorAdvancer, sum SummaryBuilder, members MembershipChecker) *Handlers {
	return &Handlers{sender: sender, cursors: cursors, summary: sum, members: members}
}

// Mount registers every client packet type on d.
func (h *Handlers) Mount(d *Dispatcher) {
	d.Register(PacketClientSend, h.handleSend)
	d.Register(PacketClientAckRead, h.handleAckRead)
	d.Register(PacketClientPull, h.handlePullSummary)
}

func (h *Handlers) handleSend(c *WsContext, env *Envelope) error {
	p, err := decode.Decode[SendMsgData](env.Data)
	if err != nil {
		return err
	}
	msg, err := h.sender.Send(c.Ctx, &message.SendInput{
		SenderID:       c.UserID,
		SenderDeviceID: c.DeviceID,
		TargetUserID:   p.TargetUserID,
		ConversationID: p.ConversationID,
		ClientMsgID:    p.ClientMsgID,
		ChatType:       p.ChatType,
		MessageType:    p.MessageType,
		Content:        p.Message,
		SendTime:       p.SendTime,
	})
	if err != nil {
		return err
	}
	return c.Conn.SendPacket(PacketServerAckSent, AckSentData{
		ClientMsgID:    p.ClientMsgID,
		MessageID:      msg.MessageID,
		ConversationID: msg.ConversationID,
		Seq:            msg.Seq,
		SendTime:       msg.SendTime,
	})
}

func (h *Handlers) handleAckRead(c *WsContext, env *Envelope) error {
	p, err := decode.Decode[AckReadData](env.Data)
	if err != nil {
		return err
	}
	ok, err := h.members.IsActiveMember(c.Ctx, p.ConversationID, c.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrNoPermission.WrapMsg("not a conversation member", "conv", p.ConversationID, "user", c.UserID)
	}
	cur, err := h.cursors.AdvanceRead(c.Ctx, c.UserID, p.ConversationID, p.ReadSeq)
	if err != nil {
		return err
	}
	return c.Conn.SendPacket(PacketServerAckRead, AckReadData{
		ConversationID: p.ConversationID,
		ReadSeq:        cur,
	})
}

func (h *Handlers) handlePullSummary(c *WsContext, env *Envelope) error {
	items, err := h.summary.Build(c.Ctx, c.UserID)
	if err != nil {
		return err
	}
	return c.Conn.SendPacket(PacketServerSummary, items)
}
