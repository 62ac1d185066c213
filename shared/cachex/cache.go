package cachex

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"content-sharing-platform/shared/config"
)

var ErrBackend = errors.New("cache backend error")

const (
	RecordPrefix     = "record:"
	CollectionPrefix = "collection:"
	indexPrefix      = "cacheindex:"
)

func RecordKey(id string) string {
	return RecordPrefix + id
}

func CollectionKey(page int, pageSize int) string {
	return fmt.Sprintf("%s%d:%d", CollectionPrefix, page, pageSize)
}

// IndexKey is the set holding every live key populated under prefix.
func IndexKey(prefix string) string {
	return indexPrefix + prefix
}

type Client struct {
	redis *redis.Client
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Client{redis: rdb}, nil
}

func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{redis: rdb}
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.redis == nil {
		return errors.New("redis client not initialized")
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

func (c *Client) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.redis
}

func backendErr(err error) error {
	return fmt.Errorf("%w: %v", ErrBackend, err)
}
