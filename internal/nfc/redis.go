package nfc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/any-hub/any-repo/internal/model"
)

const defaultRedisPrefix = "anyrepo:nfc"

// RedisCache 将每个仓库的缺失记录保存为一个 hash：
//
//	<prefix>:<storeKey>  ->  { path: recordedAtUnixNano }
//
// 单条记录的读写天然是原子的，多个节点可以共享同一份 NFC。
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisCache 根据地址创建 RedisCache。
func NewRedisCache(addr, password string, db int) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisCacheWithClient(client, defaultRedisPrefix)
}

// NewRedisCacheWithClient 复用已有客户端。
func NewRedisCacheWithClient(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisCache{client: client, prefix: prefix, now: time.Now}
}

// Ping 检查连接可用性。
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close 关闭底层连接。
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) hashKey(key model.StoreKey) string {
	return c.prefix + ":" + key.String()
}

func (c *RedisCache) Record(ctx context.Context, key model.StoreKey, path string) error {
	stamp := strconv.FormatInt(c.now().UnixNano(), 10)
	if err := c.client.HSet(ctx, c.hashKey(key), path, stamp).Err(); err != nil {
		return fmt.Errorf("nfc record %s %s: %w", key, path, err)
	}
	return nil
}

func (c *RedisCache) IsKnownMissing(ctx context.Context, key model.StoreKey, path string, ttl time.Duration) (bool, error) {
	raw, err := c.client.HGet(ctx, c.hashKey(key), path).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("nfc lookup %s %s: %w", key, path, err)
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// 无法解析的记录按不存在处理，并顺手清理
		_ = c.client.HDel(ctx, c.hashKey(key), path).Err()
		return false, nil
	}
	return c.now().Sub(time.Unix(0, nanos)) < ttl, nil
}

func (c *RedisCache) Clear(ctx context.Context, key model.StoreKey, path string) error {
	if err := c.client.HDel(ctx, c.hashKey(key), path).Err(); err != nil {
		return fmt.Errorf("nfc clear %s %s: %w", key, path, err)
	}
	return nil
}

func (c *RedisCache) ClearStore(ctx context.Context, key model.StoreKey) error {
	if err := c.client.Del(ctx, c.hashKey(key)).Err(); err != nil {
		return fmt.Errorf("nfc clear store %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Export(ctx context.Context, filter []model.StoreKey) ([]Section, error) {
	keys := filter
	if len(keys) == 0 {
		scanned, err := c.scanStoreKeys(ctx)
		if err != nil {
			return nil, err
		}
		keys = scanned
	}

	grouped := make(map[model.StoreKey][]string, len(keys))
	for _, key := range keys {
		paths, err := c.client.HKeys(ctx, c.hashKey(key)).Result()
		if err != nil {
			return nil, fmt.Errorf("nfc export %s: %w", key, err)
		}
		if len(paths) == 0 {
			continue
		}
		grouped[key] = paths
	}
	return buildSections(grouped), nil
}

func (c *RedisCache) scanStoreKeys(ctx context.Context) ([]model.StoreKey, error) {
	var (
		cursor uint64
		keys   []model.StoreKey
	)
	match := c.prefix + ":*"
	for {
		batch, next, err := c.client.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("nfc scan: %w", err)
		}
		for _, raw := range batch {
			parsed, err := model.ParseStoreKey(strings.TrimPrefix(raw, c.prefix+":"))
			if err != nil {
				continue
			}
			keys = append(keys, parsed)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
