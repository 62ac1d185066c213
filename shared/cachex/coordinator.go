package cachex

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"content-sharing-platform/shared/logx"
	"content-sharing-platform/shared/metricsx"
)

// Coordinator is the read-side cache of the authoritative store. Keys under a
// tracked prefix are recorded in an index set when populated so Invalidate can
// remove them without scanning the keyspace.
type Coordinator struct {
	client   *Client
	log      logx.Logger
	prefixes []string
}

func NewCoordinator(client *Client, logger logx.Logger, trackedPrefixes ...string) *Coordinator {
	if len(trackedPrefixes) == 0 {
		trackedPrefixes = []string{CollectionPrefix}
	}
	return &Coordinator{client: client, log: logger, prefixes: trackedPrefixes}
}

// Get decodes the cached value into dest. A backend failure is logged and
// reported as a miss together with an error wrapping ErrBackend.
func (c *Coordinator) Get(ctx context.Context, key string, dest any) (bool, error) {
	rdb := c.client.Client()
	if rdb == nil {
		return false, c.backendFailure(ctx, "get", key, errors.New("redis client not initialized"))
	}
	raw, err := rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metricsx.IncCacheLookup("miss")
			return false, nil
		}
		return false, c.backendFailure(ctx, "get", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		// Unreadable entries are dropped and served from the store.
		_ = rdb.Del(ctx, key).Err()
		return false, c.backendFailure(ctx, "decode", key, err)
	}
	metricsx.IncCacheLookup("hit")
	return true, nil
}

// Populate stores value under key for ttl.
func (c *Coordinator) Populate(ctx context.Context, key string, value any, ttl time.Duration) error {
	rdb := c.client.Client()
	if rdb == nil {
		return c.backendFailure(ctx, "populate", key, errors.New("redis client not initialized"))
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	prefix, tracked := c.trackedPrefix(key)
	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, b, ttl)
		if tracked {
			// Entries under one prefix share a TTL, so the index outliving the
			// newest entry is enough.
			pipe.SAdd(ctx, IndexKey(prefix), key)
			pipe.Expire(ctx, IndexKey(prefix), ttl)
		}
		return nil
	})
	if err != nil {
		return c.backendFailure(ctx, "populate", key, err)
	}
	return nil
}

// Invalidate deletes pointKey and every live key populated under
// collectionPrefix. It returns the number of keys removed.
func (c *Coordinator) Invalidate(ctx context.Context, pointKey string, collectionPrefix string) (int, error) {
	rdb := c.client.Client()
	if rdb == nil {
		return 0, c.backendFailure(ctx, "invalidate", pointKey, errors.New("redis client not initialized"))
	}

	var members []string
	if collectionPrefix != "" {
		var err error
		members, err = rdb.SMembers(ctx, IndexKey(collectionPrefix)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return 0, c.backendFailure(ctx, "invalidate", pointKey, err)
		}
	}

	keys := make([]string, 0, len(members)+1)
	if pointKey != "" {
		keys = append(keys, pointKey)
	}
	for _, m := range members {
		if strings.HasPrefix(m, collectionPrefix) {
			keys = append(keys, m)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}

	var del *redis.IntCmd
	_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, keys...)
		if len(members) > 0 {
			// Only the members read above; keys populated since then stay indexed.
			args := make([]any, len(members))
			for i, m := range members {
				args[i] = m
			}
			pipe.SRem(ctx, IndexKey(collectionPrefix), args...)
		}
		return nil
	})
	if err != nil {
		return 0, c.backendFailure(ctx, "invalidate", pointKey, err)
	}
	n := int(del.Val())
	metricsx.AddCacheInvalidated(n)
	c.log.Debug(ctx, "cache_invalidated", "cache keys invalidated",
		slog.String("point_key", pointKey),
		slog.String("collection_prefix", collectionPrefix),
		slog.Int("keys", n),
	)
	return n, nil
}

func (c *Coordinator) trackedPrefix(key string) (string, bool) {
	for _, p := range c.prefixes {
		if strings.HasPrefix(key, p) {
			return p, true
		}
	}
	return "", false
}

func (c *Coordinator) backendFailure(ctx context.Context, op string, key string, err error) error {
	metricsx.IncCacheLookup("error")
	c.log.Warn(ctx, "cache_backend_error", "cache backend error",
		slog.String("error_code", "INTERNAL_ERROR"),
		slog.String("error", err.Error()),
		slog.String("op", op),
		slog.String("key", key),
	)
	return backendErr(err)
}
