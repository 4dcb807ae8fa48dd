package pkgtype

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var globalRegistry = newRegistry()

type registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

func newRegistry() *registry {
	return &registry{modules: make(map[string]Module)}
}

// Register 将模块加入全局注册表，重复键会返回错误。
func Register(module Module) error {
	return globalRegistry.register(module)
}

// MustRegister 在注册失败时 panic，适合模块 init() 中调用。
func MustRegister(module Module) {
	if err := Register(module); err != nil {
		panic(err)
	}
}

// Resolve 返回指定包类型的模块。
func Resolve(key string) (Module, bool) {
	return globalRegistry.resolve(key)
}

// List 返回按键排序的模块列表。
func List() []Module {
	return globalRegistry.list()
}

// Keys 返回所有已注册包类型，供配置校验与诊断使用。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, module := range items {
		result[i] = module.Key
	}
	return result
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(module Module) error {
	key := normalizeKey(module.Key)
	if key == "" {
		return fmt.Errorf("module key is required")
	}
	module.Key = key
	for i, rule := range module.MergeRules {
		if rule.Match == nil || rule.Merge == nil {
			return fmt.Errorf("module %s: merge rule #%d is incomplete", key, i)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[key]; exists {
		return fmt.Errorf("module %s already registered", key)
	}
	r.modules[key] = module
	return nil
}

func (r *registry) resolve(key string) (Module, bool) {
	if key == "" {
		return Module{}, false
	}
	normalized := normalizeKey(key)

	r.mu.RLock()
	defer r.mu.RUnlock()

	module, ok := r.modules[normalized]
	return module, ok
}

func (r *registry) list() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.modules) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.modules))
	for key := range r.modules {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Module, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.modules[key])
	}
	return result
}
