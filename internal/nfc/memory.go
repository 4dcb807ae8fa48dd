package nfc

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/logging"
	"github.com/any-hub/any-repo/internal/model"
)

const shardCount = 64

type entryKey struct {
	store model.StoreKey
	path  string
}

type shard struct {
	mu      sync.RWMutex
	entries map[entryKey]time.Time
}

// MemoryCache 使用分片 map 保存记录，不同 key 大概率落在不同分片上，
// 避免全局锁成为热点。
type MemoryCache struct {
	shards [shardCount]*shard
	now    func() time.Time
	logger *logrus.Logger
}

// MemoryOption 定制 MemoryCache。
type MemoryOption func(*MemoryCache)

// WithClock 注入时钟，测试用。
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(logger *logrus.Logger) MemoryOption {
	return func(c *MemoryCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewMemoryCache 创建进程内 NFC。
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{now: time.Now}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[entryKey]time.Time)}
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	return c
}

func (c *MemoryCache) shardFor(k entryKey) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.store.String()))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.path))
	return c.shards[h.Sum32()%shardCount]
}

func (c *MemoryCache) Record(_ context.Context, key model.StoreKey, path string) error {
	k := entryKey{store: key, path: path}
	s := c.shardFor(k)
	s.mu.Lock()
	s.entries[k] = c.now()
	s.mu.Unlock()
	return nil
}

func (c *MemoryCache) IsKnownMissing(_ context.Context, key model.StoreKey, path string, ttl time.Duration) (bool, error) {
	k := entryKey{store: key, path: path}
	s := c.shardFor(k)
	s.mu.RLock()
	recordedAt, ok := s.entries[k]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return c.now().Sub(recordedAt) < ttl, nil
}

func (c *MemoryCache) Clear(_ context.Context, key model.StoreKey, path string) error {
	k := entryKey{store: key, path: path}
	s := c.shardFor(k)
	s.mu.Lock()
	delete(s.entries, k)
	s.mu.Unlock()
	return nil
}

func (c *MemoryCache) ClearStore(_ context.Context, key model.StoreKey) error {
	for _, s := range c.shards {
		s.mu.Lock()
		for k := range s.entries {
			if k.store == key {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
	return nil
}

func (c *MemoryCache) Export(_ context.Context, filter []model.StoreKey) ([]Section, error) {
	allowed := filterSet(filter)
	grouped := make(map[model.StoreKey][]string)
	for _, s := range c.shards {
		s.mu.RLock()
		for k := range s.entries {
			if allowed != nil {
				if _, ok := allowed[k.store]; !ok {
					continue
				}
			}
			grouped[k.store] = append(grouped[k.store], k.path)
		}
		s.mu.RUnlock()
	}
	return buildSections(grouped), nil
}

// Sweep 删除早于 maxAge 的记录，返回删除数量。
func (c *MemoryCache) Sweep(maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, recordedAt := range s.entries {
			if recordedAt.Before(cutoff) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// StartSweeper 在后台周期性执行 Sweep，ctx 结束时退出。
func (c *MemoryCache) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := c.Sweep(maxAge); removed > 0 {
					c.logger.WithFields(logrus.Fields{
						"action":  "nfc_sweep",
						"removed": removed,
					}).Debug("nfc_sweep_completed")
				}
			}
		}
	}()
}

// Len 返回当前记录数。
func (c *MemoryCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}
