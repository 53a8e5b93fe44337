package model

import (
	"context"
	"time"

	"IMGateway/service/mgo"
	"IMGateway/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	ConversationTypePrivate int32 = 1
	ConversationTypeGroup   int32 = 2
)

// Conversation is the durable record of a chat channel. For private
// chats PeerA/PeerB hold the two user ids in ascending order, which
// makes the (type, peer_a, peer_b) unique index a natural dedupe.
type Conversation struct {
	ConversationID int64     `bson:"conversation_id"`
	Type           int32     `bson:"type"`
	PeerA          int64     `bson:"peer_a"`
	PeerB          int64     `bson:"peer_b"`
	CreateTime     time.Time `bson:"create_time"`
}

func (c *Conversation) GetTableName() string { return "conversation" }

func (c *Conversation) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(c.GetTableName())
}

// FindPrivate looks up the private conversation between a and b. The
// caller passes ids in any order.
func (c *Conversation) FindPrivate(ctx context.Context, a, b int64) (*Conversation, error) {
	lo, hi := CanonicalPair(a, b)
	var out Conversation
	err := c.Collection().FindOne(ctx, bson.M{
		"type":   ConversationTypePrivate,
		"peer_a": lo,
		"peer_b": hi,
	}).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrNotFound.Wrap()
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &out, nil
}

func (c *Conversation) FindByID(ctx context.Context, conversationID int64) (*Conversation, error) {
	var out Conversation
	err := c.Collection().FindOne(ctx, bson.M{"conversation_id": conversationID}).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrNotFound.Wrap()
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &out, nil
}

// Insert writes the conversation. Losing the unique-index race comes
// back as errs.ErrDuplicate so the caller can re-read the winner.
func (c *Conversation) Insert(ctx context.Context) error {
	_, err := c.Collection().InsertOne(ctx, c)
	if mongo.IsDuplicateKeyError(err) {
		return errs.ErrDuplicate.Wrap()
	}
	return errs.Wrap(err)
}

// CanonicalPair orders two user ids so every caller derives the same
// (peer_a, peer_b) for one private conversation.
func CanonicalPair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}
