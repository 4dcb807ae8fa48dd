// Package nfc implements the not-found cache: negative lookup results for
// (store, path) pairs, remembered for a TTL so that repeated requests for
// missing content do not hammer remote upstreams. Entries are grouped per
// store for administrative export.
package nfc

import (
	"context"
	"sort"
	"time"

	"github.com/any-hub/any-repo/internal/model"
)

// Cache 是 NFC 的存储抽象。实现必须支持高并发的 Record/Clear/IsKnownMissing，
// 并且只在 key 粒度上同步。
type Cache interface {
	// Record 以当前时间写入（或刷新）一条缺失记录。
	Record(ctx context.Context, key model.StoreKey, path string) error

	// IsKnownMissing 当记录存在且未超过 ttl 时返回 true，过期记录视为不存在。
	IsKnownMissing(ctx context.Context, key model.StoreKey, path string, ttl time.Duration) (bool, error)

	// Clear 删除单条记录，通常在确认内容已存在时调用。
	Clear(ctx context.Context, key model.StoreKey, path string) error

	// ClearStore 删除某个仓库的所有记录。
	ClearStore(ctx context.Context, key model.StoreKey) error

	// Export 按仓库分组导出记录，filter 为空时导出全部。
	Export(ctx context.Context, filter []model.StoreKey) ([]Section, error)
}

// Section 是 Export 的单个分组。
type Section struct {
	Key   model.StoreKey `json:"key"`
	Paths []string       `json:"paths"`
}

func filterSet(filter []model.StoreKey) map[model.StoreKey]struct{} {
	if len(filter) == 0 {
		return nil
	}
	set := make(map[model.StoreKey]struct{}, len(filter))
	for _, key := range filter {
		set[key] = struct{}{}
	}
	return set
}

func buildSections(grouped map[model.StoreKey][]string) []Section {
	keys := make([]model.StoreKey, 0, len(grouped))
	for key := range grouped {
		keys = append(keys, key)
	}
	model.SortKeys(keys)

	sections := make([]Section, 0, len(keys))
	for _, key := range keys {
		paths := grouped[key]
		sort.Strings(paths)
		sections = append(sections, Section{Key: key, Paths: paths})
	}
	return sections
}
