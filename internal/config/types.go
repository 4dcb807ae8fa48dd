package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/any-repo/internal/model"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// NFC 后端。
const (
	NFCBackendMemory = "memory"
	NFCBackendRedis  = "redis"
)

// GlobalConfig 描述全局运行时行为，所有仓库共享同一份参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
	StoragePath   string `mapstructure:"StoragePath"`
	// RegistryDB 为空时仓库定义只保存在内存中。
	RegistryDB string `mapstructure:"RegistryDB"`

	NFCBackend       string   `mapstructure:"NFCBackend"`
	RedisAddr        string   `mapstructure:"RedisAddr"`
	RedisPassword    string   `mapstructure:"RedisPassword"`
	RedisDB          int      `mapstructure:"RedisDB"`
	NFCTimeout       Duration `mapstructure:"NFCTimeout"`
	NFCSweepInterval Duration `mapstructure:"NFCSweepInterval"`

	MergeTimeout       Duration `mapstructure:"MergeTimeout"`
	MergeFetchWorkers  int      `mapstructure:"MergeFetchWorkers"`
	PromoteWorkers     int      `mapstructure:"PromoteWorkers"`
	PromoteLockTimeout Duration `mapstructure:"PromoteLockTimeout"`

	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	UpstreamRPS     float64  `mapstructure:"UpstreamRPS"`

	// MemberFilter 是可选的 CEL 表达式，用于过滤分组成员。
	MemberFilter string `mapstructure:"MemberFilter"`
	// ProbeRemotes 为 true 时，写入 remote 仓库前先探测上游是否可达。
	ProbeRemotes bool `mapstructure:"ProbeRemotes"`
}

// StoreConfig 是配置文件中预置的单个仓库。
type StoreConfig struct {
	PackageType  string            `mapstructure:"PackageType"`
	Type         string            `mapstructure:"Type"`
	Name         string            `mapstructure:"Name"`
	Description  string            `mapstructure:"Description"`
	Disabled     bool              `mapstructure:"Disabled"`
	URL          string            `mapstructure:"URL"`
	CacheOnly    bool              `mapstructure:"CacheOnly"`
	NFCTimeout   Duration          `mapstructure:"NFCTimeout"`
	Readonly     bool              `mapstructure:"Readonly"`
	Constituents []string          `mapstructure:"Constituents"`
	Metadata     map[string]string `mapstructure:"Metadata"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	Stores []StoreConfig `mapstructure:"Store"`
}

// Key 返回仓库 key，假定 Validate 已经通过。
func (s StoreConfig) Key() model.StoreKey {
	return model.NewStoreKey(s.PackageType, model.StoreType(strings.ToLower(s.Type)), s.Name)
}

// ConstituentKeys 解析成员列表。成员可写成 "type:name"（沿用分组的包类型）
// 或完整的 "packageType:type:name"。
func (s StoreConfig) ConstituentKeys() ([]model.StoreKey, error) {
	keys := make([]model.StoreKey, 0, len(s.Constituents))
	for _, raw := range s.Constituents {
		trimmed := strings.TrimSpace(raw)
		if strings.Count(trimmed, ":") == 1 {
			trimmed = s.PackageType + ":" + trimmed
		}
		key, err := model.ParseStoreKey(trimmed)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// ToStore 转换为注册表使用的仓库定义。
func (s StoreConfig) ToStore() (*model.ArtifactStore, error) {
	store := &model.ArtifactStore{
		Key:         s.Key(),
		Description: s.Description,
		Disabled:    s.Disabled,
	}
	for k, v := range s.Metadata {
		store.SetMetadata(k, v)
	}
	switch store.Key.Type {
	case model.StoreTypeRemote:
		store.URL = s.URL
		store.CacheOnly = s.CacheOnly
		store.NFCTimeout = s.NFCTimeout.DurationValue()
	case model.StoreTypeHosted:
		store.Readonly = s.Readonly
	case model.StoreTypeGroup:
		keys, err := s.ConstituentKeys()
		if err != nil {
			return nil, err
		}
		store.Constituents = keys
	}
	return store, nil
}

// SeedStores 返回配置文件中全部仓库的定义。
func (c *Config) SeedStores() ([]*model.ArtifactStore, error) {
	stores := make([]*model.ArtifactStore, 0, len(c.Stores))
	for _, sc := range c.Stores {
		store, err := sc.ToStore()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", storeField(sc.Name, "Constituents"), err)
		}
		stores = append(stores, store)
	}
	return stores, nil
}

// StoreSummaries 返回形如 maven:remote:central 的仓库列表，供启动日志使用。
func StoreSummaries(stores []StoreConfig) []string {
	if len(stores) == 0 {
		return nil
	}
	result := make([]string, len(stores))
	for i, store := range stores {
		result[i] = store.Key().String()
	}
	return result
}
