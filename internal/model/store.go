package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// StoreType 区分三类仓库：本地托管、远端代理与虚拟分组。
type StoreType string

const (
	StoreTypeHosted StoreType = "hosted"
	StoreTypeRemote StoreType = "remote"
	StoreTypeGroup  StoreType = "group"
)

// 常用 metadata 键。
const (
	MetadataOrigin              = "origin"
	MetadataImpliedReposEnabled = "implied_repos_enabled"
	MetadataDisabledReason      = "disabled_reason"

	// OriginImpliedRepos 标记由其它仓库声明推导出来的自动创建仓库。
	OriginImpliedRepos = "implied-repos"
)

// ParseStoreType 将输入字符串标准化为 StoreType。
func ParseStoreType(raw string) (StoreType, error) {
	switch StoreType(strings.ToLower(strings.TrimSpace(raw))) {
	case StoreTypeHosted:
		return StoreTypeHosted, nil
	case StoreTypeRemote:
		return StoreTypeRemote, nil
	case StoreTypeGroup:
		return StoreTypeGroup, nil
	default:
		return "", fmt.Errorf("unknown store type %q", raw)
	}
}

func (t StoreType) rank() int {
	switch t {
	case StoreTypeHosted:
		return 0
	case StoreTypeRemote:
		return 1
	case StoreTypeGroup:
		return 2
	default:
		return 3
	}
}

// StoreKey 全局唯一地标识一个仓库，字符串形式为 packageType:storeType:name。
type StoreKey struct {
	PackageType string    `json:"packageType"`
	Type        StoreType `json:"type"`
	Name        string    `json:"name"`
}

// NewStoreKey 构造 StoreKey 并统一大小写。
func NewStoreKey(packageType string, storeType StoreType, name string) StoreKey {
	return StoreKey{
		PackageType: strings.ToLower(strings.TrimSpace(packageType)),
		Type:        storeType,
		Name:        strings.TrimSpace(name),
	}
}

// ParseStoreKey 解析 packageType:storeType:name 形式的字符串。
func ParseStoreKey(raw string) (StoreKey, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 3)
	if len(parts) != 3 {
		return StoreKey{}, fmt.Errorf("invalid store key %q", raw)
	}
	storeType, err := ParseStoreType(parts[1])
	if err != nil {
		return StoreKey{}, fmt.Errorf("invalid store key %q: %w", raw, err)
	}
	key := NewStoreKey(parts[0], storeType, parts[2])
	if key.PackageType == "" || key.Name == "" {
		return StoreKey{}, fmt.Errorf("invalid store key %q", raw)
	}
	return key, nil
}

func (k StoreKey) String() string {
	return k.PackageType + ":" + string(k.Type) + ":" + k.Name
}

// IsZero 判断是否为空 key。
func (k StoreKey) IsZero() bool {
	return k.PackageType == "" && k.Type == "" && k.Name == ""
}

// Compare 按 (packageType, storeType, name) 排序，返回 -1/0/1。
func (k StoreKey) Compare(other StoreKey) int {
	if c := strings.Compare(k.PackageType, other.PackageType); c != 0 {
		return c
	}
	if a, b := k.Type.rank(), other.Type.rank(); a != b {
		if a < b {
			return -1
		}
		return 1
	}
	return strings.Compare(k.Name, other.Name)
}

// MarshalText 让 StoreKey 在 JSON 中以字符串形式出现。
func (k StoreKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText 对应 MarshalText。
func (k *StoreKey) UnmarshalText(text []byte) error {
	parsed, err := ParseStoreKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// SortKeys 原地排序。
func SortKeys(keys []StoreKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Compare(keys[j]) < 0
	})
}

// ArtifactStore 描述单个仓库。分组、远端、托管三种变体共用一个结构体，
// 仅与自身类型相关的字段才有意义。
type ArtifactStore struct {
	Key         StoreKey          `json:"key"`
	Description string            `json:"description,omitempty"`
	Disabled    bool              `json:"disabled,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// Group
	Constituents []StoreKey `json:"constituents,omitempty"`

	// Remote
	URL        string        `json:"url,omitempty"`
	CacheOnly  bool          `json:"cacheOnly,omitempty"`
	NFCTimeout time.Duration `json:"nfcTimeout,omitempty"`

	// Hosted
	Readonly bool `json:"readonly,omitempty"`
}

func (s *ArtifactStore) IsGroup() bool  { return s.Key.Type == StoreTypeGroup }
func (s *ArtifactStore) IsRemote() bool { return s.Key.Type == StoreTypeRemote }
func (s *ArtifactStore) IsHosted() bool { return s.Key.Type == StoreTypeHosted }

// MetadataValue 安全读取 metadata。
func (s *ArtifactStore) MetadataValue(key string) string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	return s.Metadata[key]
}

// SetMetadata 写入 metadata，必要时初始化 map。
func (s *ArtifactStore) SetMetadata(key, value string) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata[key] = value
}

// HasConstituent 判断分组是否直接包含 key。
func (s *ArtifactStore) HasConstituent(key StoreKey) bool {
	for _, member := range s.Constituents {
		if member == key {
			return true
		}
	}
	return false
}

// Clone 深拷贝，调用方可以放心修改返回值。
func (s *ArtifactStore) Clone() *ArtifactStore {
	if s == nil {
		return nil
	}
	out := *s
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.Constituents != nil {
		out.Constituents = append([]StoreKey(nil), s.Constituents...)
	}
	return &out
}

// ChangeSummary 由调用方提供，描述一次变更的发起人与原因。
type ChangeSummary struct {
	User    string    `json:"user"`
	Summary string    `json:"summary"`
	Time    time.Time `json:"time"`
}

// NewChangeSummary 使用当前时间构造 ChangeSummary。
func NewChangeSummary(user, summary string) ChangeSummary {
	return ChangeSummary{User: user, Summary: summary, Time: time.Now().UTC()}
}

// EncodeStore 序列化仓库定义，用于持久化。
func EncodeStore(store *ArtifactStore) ([]byte, error) {
	return json.Marshal(store)
}

// DecodeStore 与 EncodeStore 对应。
func DecodeStore(data []byte) (*ArtifactStore, error) {
	var store ArtifactStore
	if err := json.Unmarshal(data, &store); err != nil {
		return nil, err
	}
	return &store, nil
}
