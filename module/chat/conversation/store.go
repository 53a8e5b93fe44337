package conversation

import (
	"context"

	"IMGateway/module/chat/model"
)

// MongoConvStore backs ConvStore with the conversation collection.
type MongoConvStore struct{}

func NewMongoConvStore() *MongoConvStore { return &MongoConvStore{} }

func (s *MongoConvStore) FindPrivate(ctx context.Context, a, b int64) (*model.Conversation, error) {
	return (&model.Conversation{}).FindPrivate(ctx, a, b)
}

func (s *MongoConvStore) FindByID(ctx context.Context, conversationID int64) (*model.Conversation, error) {
	return (&model.Conversation{}).FindByID(ctx, conversationID)
}

func (s *MongoConvStore) Insert(ctx context.Context, c *model.Conversation) error {
	return c.Insert(ctx)
}

// MongoMemberStore backs MemberStore with the membership collection.
type MongoMemberStore struct{}

func NewMongoMemberStore() *MongoMemberStore { return &MongoMemberStore{} }

func (s *MongoMemberStore) FindAny(ctx context.Context, conversationID, userID int64) (*model.ConversationMember, error) {
	return (&model.ConversationMember{}).FindAny(ctx, conversationID, userID)
}

func (s *MongoMemberStore) Insert(ctx context.Context, m *model.ConversationMember) error {
	return m.Insert(ctx)
}

func (s *MongoMemberStore) Restore(ctx context.Context, conversationID, userID int64) error {
	return (&model.ConversationMember{}).Restore(ctx, conversationID, userID)
}

func (s *MongoMemberStore) ListActive(ctx context.Context, conversationID int64) ([]*model.ConversationMember, error) {
	return (&model.ConversationMember{}).ListActive(ctx, conversationID)
}

func (s *MongoMemberStore) ListConversationIDs(ctx context.Context, userID int64) ([]int64, error) {
	return (&model.ConversationMember{}).ListConversationIDs(ctx, userID)
}
