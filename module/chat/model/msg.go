package model

import (
	"context"
	"time"

	"IMGateway/service/mgo"
	"IMGateway/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Message is the durable copy of one chat message. ClientMsgID plus
// SenderID is unique, which is what makes resends idempotent.
type Message struct {
	MessageID      int64     `bson:"message_id"`
	ClientMsgID    string    `bson:"client_msg_id"`
	ConversationID int64     `bson:"conversation_id"`
	SenderID       int64     `bson:"sender_id"`
	ReceiverID     int64     `bson:"receiver_id"`
	ChatType       int32     `bson:"chat_type"`
	MessageType    int32     `bson:"message_type"`
	Content        string    `bson:"content"`
	Seq            int64     `bson:"seq"`
	SendTime       int64     `bson:"send_time"`
	CreateTime     time.Time `bson:"create_time"`
}

func (m *Message) GetTableName() string { return "message" }

func (m *Message) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(m.GetTableName())
}

// Insert stores the message; a resend of the same client msg id comes
// back as errs.ErrDuplicate.
func (m *Message) Insert(ctx context.Context) error {
	_, err := m.Collection().InsertOne(ctx, m)
	if mongo.IsDuplicateKeyError(err) {
		return errs.ErrDuplicate.Wrap()
	}
	return errs.Wrap(err)
}

// FindByClientMsgID loads the already-stored copy of a resent message.
func (m *Message) FindByClientMsgID(ctx context.Context, clientMsgID string, senderID int64) (*Message, error) {
	var out Message
	err := m.Collection().FindOne(ctx, bson.M{
		"client_msg_id": clientMsgID,
		"sender_id":     senderID,
	}).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrNotFound.Wrap()
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &out, nil
}

// FindMaxSeq returns the highest stored seq of a conversation, 0 when
// the conversation has no messages yet. This is the durable floor the
// sequence service falls back to when redis loses its counter.
func (m *Message) FindMaxSeq(ctx context.Context, conversationID int64) (int64, error) {
	var out Message
	err := m.Collection().FindOne(ctx,
		bson.M{"conversation_id": conversationID},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}),
	).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Wrap(err)
	}
	return out.Seq, nil
}
