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
	MemberStatusActive  int32 = 1
	MemberStatusDeleted int32 = 2
)

// ConversationMember is one user's membership row, carrying the read
// cursor mirror that survives cache loss.
type ConversationMember struct {
	ConversationID int64     `bson:"conversation_id"`
	UserID         int64     `bson:"user_id"`
	Status         int32     `bson:"status"`
	ReadSeq        int64     `bson:"read_seq"`
	JoinTime       time.Time `bson:"join_time"`
}

func (m *ConversationMember) GetTableName() string { return "conversation_member" }

func (m *ConversationMember) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(m.GetTableName())
}

// FindAny returns the membership row regardless of status.
func (m *ConversationMember) FindAny(ctx context.Context, conversationID, userID int64) (*ConversationMember, error) {
	var out ConversationMember
	err := m.Collection().FindOne(ctx, bson.M{
		"conversation_id": conversationID,
		"user_id":         userID,
	}).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrNotFound.Wrap()
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &out, nil
}

// ListActive returns the active members of a conversation.
func (m *ConversationMember) ListActive(ctx context.Context, conversationID int64) ([]*ConversationMember, error) {
	cur, err := m.Collection().Find(ctx, bson.M{
		"conversation_id": conversationID,
		"status":          MemberStatusActive,
	})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	var out []*ConversationMember
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.Wrap(err)
	}
	return out, nil
}

// ListConversationIDs returns the conversation ids the user is an
// active member of, which drives the pull-summary path.
func (m *ConversationMember) ListConversationIDs(ctx context.Context, userID int64) ([]int64, error) {
	cur, err := m.Collection().Find(ctx, bson.M{
		"user_id": userID,
		"status":  MemberStatusActive,
	})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	var rows []*ConversationMember
	if err := cur.All(ctx, &rows); err != nil {
		return nil, errs.Wrap(err)
	}
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ConversationID)
	}
	return ids, nil
}

func (m *ConversationMember) Insert(ctx context.Context) error {
	_, err := m.Collection().InsertOne(ctx, m)
	if mongo.IsDuplicateKeyError(err) {
		return errs.ErrDuplicate.Wrap()
	}
	return errs.Wrap(err)
}

// Restore flips a deleted membership back to active, e.g. when the
// peer messages a user who had removed the conversation.
func (m *ConversationMember) Restore(ctx context.Context, conversationID, userID int64) error {
	_, err := m.Collection().UpdateOne(ctx, bson.M{
		"conversation_id": conversationID,
		"user_id":         userID,
	}, bson.M{"$set": bson.M{"status": MemberStatusActive}})
	return errs.Wrap(err)
}

// GetReadSeq returns the durable read cursor, 0 for non-members.
func (m *ConversationMember) GetReadSeq(ctx context.Context, conversationID, userID int64) (int64, error) {
	row, err := m.FindAny(ctx, conversationID, userID)
	if errs.ErrNotFound.Is(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.ReadSeq, nil
}

// AdvanceReadSeq moves the durable read cursor forward, never back.
func (m *ConversationMember) AdvanceReadSeq(ctx context.Context, conversationID, userID, readSeq int64) error {
	if readSeq < 0 {
		readSeq = 0
	}
	_, err := m.Collection().UpdateOne(ctx, bson.M{
		"conversation_id": conversationID,
		"user_id":         userID,
	}, bson.M{"$max": bson.M{"read_seq": readSeq}})
	return errs.Wrap(err)
}
