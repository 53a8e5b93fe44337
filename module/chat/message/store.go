package message

import (
	"context"

	"IMGateway/module/chat/model"
)

// MongoStore backs MessageStore with the message collection.
type MongoStore struct{}

func NewMongoStore() *MongoStore { return &MongoStore{} }

func (s *MongoStore) Insert(ctx context.Context, m *model.Message) error {
	return m.Insert(ctx)
}

func (s *MongoStore) FindByClientMsgID(ctx context.Context, clientMsgID string, senderID int64) (*model.Message, error) {
	return (&model.Message{}).FindByClientMsgID(ctx, clientMsgID, senderID)
}
