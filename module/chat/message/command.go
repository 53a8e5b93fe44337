package message

import (
	"context"
	"time"

	"IMGateway/logger"
	"IMGateway/module/chat/model"
	"IMGateway/tools/errs"
	"IMGateway/tools/ids"
)

// Conversations is the slice of the conversation service the send
// path needs.
type Conversations interface {
	GetOrCreatePrivate(ctx context.Context, a, b int64) (*model.Conversation, error)
	FindGroup(ctx context.Context, conversationID int64) (*model.Conversation, error)
	EnsureMemberActive(ctx context.Context, conversationID, userID int64) error
	IsActiveMember(ctx context.Context, conversationID, userID int64) (bool, error)
	MemberUserIDs(ctx context.Context, conversationID int64) ([]int64, error)
}

// SeqAllocator hands out the next per-conversation sequence number.
type SeqAllocator interface {
	NextSeq(ctx context.Context, conversationID int64) (int64, error)
}

// MessageStore is the durable message table.
type MessageStore interface {
	Insert(ctx context.Context, m *model.Message) error
	FindByClientMsgID(ctx context.Context, clientMsgID string, senderID int64) (*model.Message, error)
}

// Deliverer fans a stored message out to online devices.
type Deliverer interface {
	DeliverToUserDevices(ctx context.Context, userID int64, excludeDeviceID string, m *model.SendMessage)
}

// SendInput is one client send after frame decoding. TargetUserID
// addresses single chats; ConversationID addresses group chats.
type SendInput struct {
	SenderID       int64
	SenderDeviceID string
	TargetUserID   int64
	ConversationID int64
	ClientMsgID    string
	ChatType       int32
	MessageType    int32
	Content        string
	SendTime       int64
}

// Command orchestrates the send pipeline: resolve conversation,
// allocate seq, persist, fan out. Resends of the same client msg id
// return the stored copy and never re-deliver.
type Command struct {
	convs     Conversations
	seqs      SeqAllocator
	store     MessageStore
	deliverer Deliverer
}

func NewCommand(convs Conversations, seqs SeqAllocator, store MessageStore, deliverer Deliverer) *Command {
	return &Command{convs: convs, seqs: seqs, store: store, deliverer: deliverer}
}

// Send runs the full pipeline and returns the stored message.
func (c *Command) Send(ctx context.Context, in *SendInput) (*model.Message, error) {
	if in.SenderID <= 0 || in.ClientMsgID == "" {
		return nil, errs.ErrArgs.WrapMsg("sender and clientMsgId required")
	}

	// resend short-circuit before touching the counter
	if prev, err := c.store.FindByClientMsgID(ctx, in.ClientMsgID, in.SenderID); err == nil {
		logger.Infof("[message] resend detected clientMsgId=%s sender=%d seq=%d", in.ClientMsgID, in.SenderID, prev.Seq)
		return prev, nil
	} else if !errs.ErrNotFound.Is(err) {
		return nil, err
	}

	if in.ChatType == model.ChatTypeGroup {
		return c.sendGroup(ctx, in)
	}
	return c.sendSingle(ctx, in)
}

func (c *Command) sendSingle(ctx context.Context, in *SendInput) (*model.Message, error) {
	if in.TargetUserID <= 0 {
		return nil, errs.ErrArgs.WrapMsg("targetUserId required")
	}
	if in.SenderID == in.TargetUserID {
		return nil, errs.ErrArgs.WrapMsg("cannot message yourself")
	}

	conv, err := c.convs.GetOrCreatePrivate(ctx, in.SenderID, in.TargetUserID)
	if err != nil {
		return nil, err
	}
	if err := c.convs.EnsureMemberActive(ctx, conv.ConversationID, in.TargetUserID); err != nil {
		return nil, err
	}

	msg, err := c.persist(ctx, in, conv.ConversationID, in.TargetUserID)
	if err != nil {
		return nil, err
	}

	// receiver gets it on every device; sender's other devices mirror it
	c.deliverer.DeliverToUserDevices(ctx, in.TargetUserID, "", c.boFor(in, msg, in.TargetUserID))
	c.deliverer.DeliverToUserDevices(ctx, in.SenderID, in.SenderDeviceID, c.boFor(in, msg, in.SenderID))

	return msg, nil
}

func (c *Command) sendGroup(ctx context.Context, in *SendInput) (*model.Message, error) {
	if in.ConversationID <= 0 {
		return nil, errs.ErrArgs.WrapMsg("conversationId required for group chat")
	}

	conv, err := c.convs.FindGroup(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	active, err := c.convs.IsActiveMember(ctx, conv.ConversationID, in.SenderID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, errs.ErrNoPermission.WrapMsg("sender is not a group member", "conv", conv.ConversationID, "user", in.SenderID)
	}

	msg, err := c.persist(ctx, in, conv.ConversationID, 0)
	if err != nil {
		return nil, err
	}

	members, err := c.convs.MemberUserIDs(ctx, conv.ConversationID)
	if err != nil {
		return nil, err
	}
	for _, uid := range members {
		exclude := ""
		if uid == in.SenderID {
			exclude = in.SenderDeviceID
		}
		c.deliverer.DeliverToUserDevices(ctx, uid, exclude, c.boFor(in, msg, uid))
	}

	return msg, nil
}

// persist allocates the seq and writes the message row, falling back to
// the stored copy when a concurrent resend wins the insert.
func (c *Command) persist(ctx context.Context, in *SendInput, conversationID, receiverID int64) (*model.Message, error) {
	seq, err := c.seqs.NextSeq(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	sendTime := in.SendTime
	if sendTime <= 0 {
		sendTime = time.Now().UnixMilli()
	}
	msg := &model.Message{
		MessageID:      ids.Generate(),
		ClientMsgID:    in.ClientMsgID,
		ConversationID: conversationID,
		SenderID:       in.SenderID,
		ReceiverID:     receiverID,
		ChatType:       in.ChatType,
		MessageType:    in.MessageType,
		Content:        in.Content,
		Seq:            seq,
		SendTime:       sendTime,
		CreateTime:     time.Now(),
	}
	if err := c.store.Insert(ctx, msg); err != nil {
		if errs.ErrDuplicate.Is(err) {
			return c.store.FindByClientMsgID(ctx, in.ClientMsgID, in.SenderID)
		}
		return nil, err
	}
	return msg, nil
}

func (c *Command) boFor(in *SendInput, msg *model.Message, targetUserID int64) *model.SendMessage {
	return &model.SendMessage{
		TargetUserID:   targetUserID,
		SenderID:       in.SenderID,
		MessageID:      msg.MessageID,
		ConversationID: msg.ConversationID,
		ChatType:       in.ChatType,
		MessageType:    in.MessageType,
		Message:        in.Content,
		Seq:            msg.Seq,
		SendTime:       msg.SendTime,
	}
}
