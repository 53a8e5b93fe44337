package storage

import (
	"context"
	"time"

	"IMGateway/logger"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

var rdb *redis.Client

// InitRedis connects the shared client and pings it once.
func InitRedis(cfg RedisConfig) error {
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return err
	}
	rdb = c
	logger.Infof("redis connected addr=%s db=%d", cfg.Addr, cfg.DB)
	return nil
}

// GetRedis returns the shared client; InitRedis must have run.
func GetRedis() *redis.Client { return rdb }

// SetRedis swaps the shared client, used by tests with miniredis.
func SetRedis(c *redis.Client) { rdb = c }
