package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"IMGateway/global/config"
	"IMGateway/logger"
	"IMGateway/module/chat/conversation"
	"IMGateway/module/chat/cursor"
	"IMGateway/module/chat/message"
	"IMGateway/module/chat/model"
	"IMGateway/module/chat/summary"
	"IMGateway/service/cache"
	"IMGateway/service/chat"
	"IMGateway/service/delivery"
	"IMGateway/service/mgo"
	"IMGateway/service/natsx"
	"IMGateway/service/storage"
	"IMGateway/tools/ids"
	"IMGateway/tools/safe"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := flag.String("config", "", "path to yaml config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Errorf("config load failed: %v", err)
		os.Exit(1)
	}
	ids.SetNodeID(cfg.NodeID)

	if err := storage.InitRedis(cfg.Redis); err != nil {
		logger.Errorf("redis init failed: %v", err)
		os.Exit(1)
	}
	if err := mgo.Init(cfg.Mongo); err != nil {
		logger.Errorf("mongo init failed: %v", err)
		os.Exit(1)
	}
	if err := mgo.EnsureIndexes(context.Background()); err != nil {
		logger.Errorf("index setup failed: %v", err)
		os.Exit(1)
	}

	broker, err := natsx.Dial(cfg.Nats.URL)
	if err != nil {
		logger.Errorf("nats dial failed: %v", err)
		os.Exit(1)
	}
	defer broker.Close()

	rdb := storage.GetRedis()
	locker := storage.NewRedLocker(rdb)
	presence := storage.NewPresenceStore(rdb, cfg.Presence.RouteTTL)
	devices := storage.NewDeviceDirectory(rdb, cfg.Presence.DeviceTTL)
	cacheClient := cache.New(rdb, locker, cfg.Cache.TTL)

	registry := chat.NewRegistry(cfg.Node, presence, devices, locker, broker)
	router := delivery.NewRouter(presence, devices, registry, broker)

	cursors := cursor.NewService(rdb, locker, &model.SeqConversation{}, &model.ConversationMember{})
	convs := conversation.NewService(cacheClient, conversation.NewMongoConvStore(), conversation.NewMongoMemberStore())
	sums := summary.NewService(convs, cursors)
	sender := message.NewCommand(convs, cursors, message.NewMongoStore(), router)

	disp := chat.NewDispatcher()
	chat.NewHandlers(sender, cursors, sums, convs).Mount(disp)
	server := chat.NewServer(registry, disp)

	// broker fan-in: forwarded pushes and cross-node evictions
	if _, err := broker.SubscribeMessages(cfg.Node, func(m *model.SendMessage) {
		safe.Go(func() { router.DeliverForwarded(context.Background(), m) })
	}); err != nil {
		logger.Errorf("subscribe messages failed: %v", err)
		os.Exit(1)
	}
	if _, err := broker.SubscribeOffline(cfg.Node, func(n *model.OfflineNotification) {
		safe.Go(func() { registry.HandleOffline(context.Background(), n) })
	}); err != nil {
		logger.Errorf("subscribe offline failed: %v", err)
		os.Exit(1)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	server.Mount(engine)

	safe.Go(func() {
		if err := engine.Run(cfg.HTTP.Addr); err != nil {
			logger.Errorf("http server stopped: %v", err)
			os.Exit(1)
		}
	})
	logger.Infof("gateway up node=%s addr=%s", cfg.Node, cfg.HTTP.Addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Infof("gateway shutting down node=%s", cfg.Node)
	_ = mgo.Close(context.Background())
}
