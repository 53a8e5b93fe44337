package mgo

import (
	"context"
	"time"

	"IMGateway/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Config struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

var (
	client *mongo.Client
	db     *mongo.Database
)

// Init connects the shared mongo client and selects the database.
func Init(cfg Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return err
	}
	if err := c.Ping(ctx, nil); err != nil {
		return err
	}
	client = c
	db = c.Database(cfg.Database)
	logger.Infof("mongo connected db=%s", cfg.Database)
	return nil
}

func GetDB() *mongo.Database { return db }

func Close(ctx context.Context) error {
	if client == nil {
		return nil
	}
	return client.Disconnect(ctx)
}

// EnsureIndexes creates the indexes message flow depends on. Safe to
// call on every boot, mongo treats existing definitions as a no-op.
func EnsureIndexes(ctx context.Context) error {
	idx := []struct {
		coll   string
		models []mongo.IndexModel
	}{
		{
			coll: "conversation",
			models: []mongo.IndexModel{
				{
					Keys:    bson.D{{Key: "type", Value: 1}, {Key: "peer_a", Value: 1}, {Key: "peer_b", Value: 1}},
					Options: options.Index().SetUnique(true),
				},
			},
		},
		{
			coll: "conversation_member",
			models: []mongo.IndexModel{
				{
					Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "user_id", Value: 1}},
					Options: options.Index().SetUnique(true),
				},
			},
		},
		{
			coll: "message",
			models: []mongo.IndexModel{
				{
					Keys:    bson.D{{Key: "client_msg_id", Value: 1}, {Key: "sender_id", Value: 1}},
					Options: options.Index().SetUnique(true),
				},
				{
					Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: -1}},
				},
			},
		},
	}
	for _, i := range idx {
		if _, err := db.Collection(i.coll).Indexes().CreateMany(ctx, i.models); err != nil {
			return err
		}
	}
	return nil
}
