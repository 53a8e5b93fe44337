package config

import (
	"os"
	"time"

	"IMGateway/service/mgo"
	"IMGateway/service/storage"
	"IMGateway/tools/errs"

	"gopkg.in/yaml.v3"
)

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type NatsConfig struct {
	URL string `yaml:"url"`
}

type PresenceConfig struct {
	RouteTTL  time.Duration `yaml:"routeTTL"`
	DeviceTTL time.Duration `yaml:"deviceTTL"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type AppConfig struct {
	Node     string              `yaml:"node"`
	NodeID   int64               `yaml:"nodeId"`
	HTTP     HTTPConfig          `yaml:"http"`
	Redis    storage.RedisConfig `yaml:"redis"`
	Mongo    mgo.Config          `yaml:"mongo"`
	Nats     NatsConfig          `yaml:"nats"`
	Presence PresenceConfig      `yaml:"presence"`
	Cache    CacheConfig         `yaml:"cache"`
}

func (c *AppConfig) norm() {
	if c.Node == "" {
		host, _ := os.Hostname()
		c.Node = host
	}
	if c.NodeID <= 0 {
		c.NodeID = 1
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = 64
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = "mongodb://127.0.0.1:27017"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "im_gateway"
	}
	if c.Nats.URL == "" {
		c.Nats.URL = "nats://127.0.0.1:4222"
	}
	if c.Presence.RouteTTL <= 0 {
		c.Presence.RouteTTL = 5 * time.Minute
	}
	if c.Presence.DeviceTTL <= 0 {
		c.Presence.DeviceTTL = 7 * 24 * time.Hour
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 10 * time.Minute
	}
}

// Load reads the yaml config at path; a missing path yields defaults.
func Load(path string) (*AppConfig, error) {
	var cfg AppConfig
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.WrapMsg(err, "read config", "path", path)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, errs.WrapMsg(err, "parse config", "path", path)
		}
	}
	cfg.norm()
	return &cfg, nil
}
