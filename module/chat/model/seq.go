package model

import (
	"context"

	"IMGateway/service/mgo"
	"IMGateway/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SeqConversation is the durable high-water mark of a conversation's
// sequence counter. Redis owns the hot path; this row is what the
// counter is rebuilt from after a cache loss.
type SeqConversation struct {
	ConversationID int64 `bson:"conversation_id"`
	MaxSeq         int64 `bson:"max_seq"`
}

func (s *SeqConversation) GetTableName() string { return "seq_conversation" }

func (s *SeqConversation) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(s.GetTableName())
}

// GetMaxSeq returns the durable max seq, 0 when no row exists.
func (s *SeqConversation) GetMaxSeq(ctx context.Context, conversationID int64) (int64, error) {
	var out SeqConversation
	err := s.Collection().FindOne(ctx, bson.M{"conversation_id": conversationID}).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Wrap(err)
	}
	return out.MaxSeq, nil
}

// SetMaxSeq raises the durable mark to seq, never lowering it.
func (s *SeqConversation) SetMaxSeq(ctx context.Context, conversationID, seq int64) error {
	_, err := s.Collection().UpdateOne(ctx,
		bson.M{"conversation_id": conversationID},
		bson.M{"$max": bson.M{"max_seq": seq}},
		options.Update().SetUpsert(true),
	)
	return errs.Wrap(err)
}
