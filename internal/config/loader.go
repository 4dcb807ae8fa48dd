package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Stores {
		applyStoreDefaults(&cfg.Stores[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析存储目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	if cfg.Global.RegistryDB != "" {
		absDB, err := filepath.Abs(cfg.Global.RegistryDB)
		if err != nil {
			return nil, fmt.Errorf("无法解析注册表数据库路径: %w", err)
		}
		cfg.Global.RegistryDB = absDB
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("RegistryDB", "")
	v.SetDefault("NFCBackend", NFCBackendMemory)
	v.SetDefault("NFCTimeout", "5m")
	v.SetDefault("NFCSweepInterval", "8h")
	v.SetDefault("MergeTimeout", "60s")
	v.SetDefault("MergeFetchWorkers", 8)
	v.SetDefault("PromoteWorkers", 4)
	v.SetDefault("PromoteLockTimeout", "30s")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("UpstreamRPS", 0)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.NFCBackend = strings.ToLower(strings.TrimSpace(g.NFCBackend))
	if g.NFCBackend == "" {
		g.NFCBackend = NFCBackendMemory
	}
	if g.NFCTimeout.DurationValue() == 0 {
		g.NFCTimeout = Duration(5 * time.Minute)
	}
	if g.MergeFetchWorkers == 0 {
		g.MergeFetchWorkers = 8
	}
	if g.PromoteWorkers == 0 {
		g.PromoteWorkers = 4
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyStoreDefaults(s *StoreConfig) {
	s.PackageType = strings.ToLower(strings.TrimSpace(s.PackageType))
	s.Type = strings.ToLower(strings.TrimSpace(s.Type))
	s.Name = strings.TrimSpace(s.Name)
	if s.NFCTimeout.DurationValue() < 0 {
		s.NFCTimeout = Duration(0)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
