package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/any-hub/any-repo/internal/model"
	"github.com/any-hub/any-repo/internal/pkgtype"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	switch g.NFCBackend {
	case NFCBackendMemory:
	case NFCBackendRedis:
		if strings.TrimSpace(g.RedisAddr) == "" {
			return newFieldError("Global.RedisAddr", "NFCBackend 为 redis 时不能为空")
		}
	default:
		return newFieldError("Global.NFCBackend", "仅支持 memory/redis")
	}
	if g.NFCTimeout.DurationValue() <= 0 {
		return newFieldError("Global.NFCTimeout", "必须大于 0")
	}
	if g.NFCSweepInterval.DurationValue() < 0 {
		return newFieldError("Global.NFCSweepInterval", "不能为负数")
	}
	if g.MergeTimeout.DurationValue() < 0 {
		return newFieldError("Global.MergeTimeout", "不能为负数")
	}
	if g.MergeFetchWorkers < 0 {
		return newFieldError("Global.MergeFetchWorkers", "不能为负数")
	}
	if g.PromoteWorkers <= 0 {
		return newFieldError("Global.PromoteWorkers", "必须大于 0")
	}
	if g.PromoteLockTimeout.DurationValue() < 0 {
		return newFieldError("Global.PromoteLockTimeout", "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.UpstreamRPS < 0 {
		return newFieldError("Global.UpstreamRPS", "不能为负数")
	}

	seen := map[model.StoreKey]struct{}{}
	for i := range c.Stores {
		store := &c.Stores[i]
		if store.Name == "" {
			return newFieldError("Store[].Name", "不能为空")
		}
		if strings.ContainsAny(store.Name, ":/ ") {
			return newFieldError(storeField(store.Name, "Name"), "不允许包含 ':'、'/' 或空格")
		}
		if store.PackageType == "" {
			return newFieldError(storeField(store.Name, "PackageType"), "不能为空")
		}
		if _, ok := pkgtype.Resolve(store.PackageType); !ok {
			return newFieldError(storeField(store.Name, "PackageType"), "仅支持 "+strings.Join(pkgtype.Keys(), "|"))
		}
		storeType, err := model.ParseStoreType(store.Type)
		if err != nil {
			return newFieldError(storeField(store.Name, "Type"), "仅支持 hosted/remote/group")
		}

		key := store.Key()
		if _, exists := seen[key]; exists {
			return newFieldError(storeField(store.Name, "Name"), "重复: "+key.String())
		}
		seen[key] = struct{}{}

		switch storeType {
		case model.StoreTypeRemote:
			if err := validateUpstream(store.URL); err != nil {
				return fmt.Errorf("%s: %w", storeField(store.Name, "URL"), err)
			}
		case model.StoreTypeGroup:
			keys, err := store.ConstituentKeys()
			if err != nil {
				return fmt.Errorf("%s: %w", storeField(store.Name, "Constituents"), err)
			}
			for _, member := range keys {
				if member == key {
					return newFieldError(storeField(store.Name, "Constituents"), "分组不能包含自身")
				}
				if member.PackageType != key.PackageType {
					return newFieldError(storeField(store.Name, "Constituents"),
						fmt.Sprintf("成员 %s 的包类型与分组不一致", member))
				}
			}
		default:
			if len(store.Constituents) > 0 {
				return newFieldError(storeField(store.Name, "Constituents"), "仅分组可以配置成员")
			}
		}
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// PackageTypes 返回配置中出现过的包类型，按字母序排列。
func (c *Config) PackageTypes() []string {
	set := map[string]struct{}{}
	for _, store := range c.Stores {
		set[store.PackageType] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
