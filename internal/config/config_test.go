package config

import (
	"strings"
	"testing"
	"time"

	"github.com/any-hub/any-repo/internal/model"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 5100 {
		t.Fatalf("ListenPort 应当被解析, got %d", cfg.Global.ListenPort)
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.NFCTimeout.DurationValue() != 5*time.Minute {
		t.Fatalf("整数秒 NFCTimeout 解析错误: %s", cfg.Global.NFCTimeout.DurationValue())
	}
	if cfg.Global.MergeTimeout.DurationValue() != 45*time.Second {
		t.Fatalf("MergeTimeout 解析错误")
	}
	if cfg.Global.NFCBackend != NFCBackendMemory {
		t.Fatalf("NFCBackend 默认应为 memory")
	}
	if cfg.Global.PromoteWorkers != 4 || cfg.Global.NFCSweepInterval.DurationValue() != 8*time.Hour {
		t.Fatalf("默认值未生效: %+v", cfg.Global)
	}
	if len(cfg.Stores) != 3 {
		t.Fatalf("应解析 3 个仓库, got %d", len(cfg.Stores))
	}
}

func TestSeedStoresConvertsDefinitions(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	stores, err := cfg.SeedStores()
	if err != nil {
		t.Fatalf("SeedStores 返回错误: %v", err)
	}

	byName := map[string]*model.ArtifactStore{}
	for _, s := range stores {
		byName[s.Key.Name] = s
	}
	central := byName["central"]
	if central == nil || !central.IsRemote() || central.NFCTimeout != 10*time.Minute {
		t.Fatalf("remote 仓库转换错误: %+v", central)
	}
	if central.MetadataValue(model.MetadataOrigin) != model.OriginImpliedRepos {
		t.Fatalf("metadata 未保留: %+v", central.Metadata)
	}
	public := byName["public"]
	if public == nil || public.Key.PackageType != "maven" {
		t.Fatalf("包类型应被规范化为小写: %+v", public)
	}
	want := []model.StoreKey{
		model.NewStoreKey("maven", model.StoreTypeHosted, "local"),
		model.NewStoreKey("maven", model.StoreTypeRemote, "central"),
	}
	if len(public.Constituents) != 2 || public.Constituents[0] != want[0] || public.Constituents[1] != want[1] {
		t.Fatalf("成员解析错误: %v", public.Constituents)
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestStoreValidation(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(cfg *Config)
		shouldErr bool
	}{
		{"valid", func(cfg *Config) {}, false},
		{"missing name", func(cfg *Config) { cfg.Stores[0].Name = "" }, true},
		{"bad name", func(cfg *Config) { cfg.Stores[0].Name = "a:b" }, true},
		{"unknown package type", func(cfg *Config) { cfg.Stores[0].PackageType = "rubygems" }, true},
		{"unknown store type", func(cfg *Config) { cfg.Stores[0].Type = "proxy" }, true},
		{"duplicate key", func(cfg *Config) { cfg.Stores = append(cfg.Stores, cfg.Stores[0]) }, true},
		{"remote without url", func(cfg *Config) { cfg.Stores[1].URL = "" }, true},
		{"remote ftp url", func(cfg *Config) { cfg.Stores[1].URL = "ftp://example.org" }, true},
		{"group contains itself", func(cfg *Config) { cfg.Stores[2].Constituents = []string{"group:public"} }, true},
		{"group mixes package types", func(cfg *Config) { cfg.Stores[2].Constituents = []string{"npm:hosted:local"} }, true},
		{"hosted with members", func(cfg *Config) { cfg.Stores[0].Constituents = []string{"hosted:x"} }, true},
		{"redis without address", func(cfg *Config) { cfg.Global.NFCBackend = NFCBackendRedis }, true},
		{"unknown nfc backend", func(cfg *Config) { cfg.Global.NFCBackend = "memcached" }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for %s: %v", tc.name, err)
			}
		})
	}
}

func TestValidateReportsFieldPath(t *testing.T) {
	cfg := validConfig()
	cfg.Stores[1].URL = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("缺少 URL 应报错")
	}
	if got := err.Error(); !strings.HasPrefix(got, "Store[central].URL") {
		t.Fatalf("错误信息应包含字段路径, got %s", got)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StoragePath:     "./data",
			NFCBackend:      NFCBackendMemory,
			NFCTimeout:      Duration(time.Minute),
			PromoteWorkers:  2,
			MaxRetries:      1,
			InitialBackoff:  Duration(time.Second),
			UpstreamTimeout: Duration(time.Second),
		},
		Stores: []StoreConfig{
			{PackageType: "maven", Type: "hosted", Name: "local"},
			{PackageType: "maven", Type: "remote", Name: "central", URL: "https://repo.maven.apache.org/maven2"},
			{PackageType: "maven", Type: "group", Name: "public", Constituents: []string{"hosted:local", "remote:central"}},
		},
	}
}
