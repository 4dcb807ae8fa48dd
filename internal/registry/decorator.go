package registry

import (
	"context"
	"fmt"

	"github.com/any-hub/any-repo/internal/model"
)

// Filter 是注册表装饰链中的一环，可以裁剪分组解析结果，也可以在写入前改写或否决仓库。
type Filter interface {
	FilterMembers(ctx context.Context, group *model.ArtifactStore, members []*model.ArtifactStore) ([]*model.ArtifactStore, error)
	FilterPut(ctx context.Context, store *model.ArtifactStore) (*model.ArtifactStore, error)
}

// ContainmentFilter 是可选扩展，用于裁剪 GroupsContaining 的结果。
type ContainmentFilter interface {
	FilterContaining(ctx context.Context, key model.StoreKey, groups []*model.ArtifactStore) ([]*model.ArtifactStore, error)
}

// NopFilter 便于只实现部分钩子的过滤器嵌入。
type NopFilter struct{}

func (NopFilter) FilterMembers(_ context.Context, _ *model.ArtifactStore, members []*model.ArtifactStore) ([]*model.ArtifactStore, error) {
	return members, nil
}

func (NopFilter) FilterPut(_ context.Context, store *model.ArtifactStore) (*model.ArtifactStore, error) {
	return store, nil
}

// VetoError 表示过滤器拒绝了写入。
type VetoError struct {
	Key    model.StoreKey
	Reason string
}

func (e *VetoError) Error() string {
	return fmt.Sprintf("store %s rejected: %s", e.Key, e.Reason)
}

// GroupResolver 由能在一致快照上同时给出分组与成员的注册表实现。
type GroupResolver interface {
	ResolveGroup(ctx context.Context, group model.StoreKey, includeGroups bool) (*model.ArtifactStore, []*model.ArtifactStore, error)
}

type decorated struct {
	Registry
	filters []Filter
}

// Decorate 按顺序把 filters 包装在 base 外层，base 本身不受影响。
func Decorate(base Registry, filters ...Filter) Registry {
	if len(filters) == 0 {
		return base
	}
	return &decorated{Registry: base, filters: append([]Filter(nil), filters...)}
}

func (d *decorated) Put(ctx context.Context, store *model.ArtifactStore, summary model.ChangeSummary, skipIfExists bool) (bool, error) {
	current := store
	for _, f := range d.filters {
		next, err := f.FilterPut(ctx, current)
		if err != nil {
			return false, err
		}
		if next == nil {
			return false, &VetoError{Key: store.Key, Reason: "dropped by filter"}
		}
		current = next
	}
	return d.Registry.Put(ctx, current, summary, skipIfExists)
}

func (d *decorated) OrderedMembers(ctx context.Context, group model.StoreKey, includeGroups bool) ([]*model.ArtifactStore, error) {
	_, members, err := d.ResolveGroup(ctx, group, includeGroups)
	return members, err
}

// ResolveGroup 让过滤器看到的分组定义与成员来自同一版本的注册表。
func (d *decorated) ResolveGroup(ctx context.Context, group model.StoreKey, includeGroups bool) (*model.ArtifactStore, []*model.ArtifactStore, error) {
	groupStore, members, err := resolveGroup(ctx, d.Registry, group, includeGroups)
	if err != nil {
		return nil, nil, err
	}
	for _, f := range d.filters {
		members, err = f.FilterMembers(ctx, groupStore, members)
		if err != nil {
			return nil, nil, err
		}
	}
	return groupStore, members, nil
}

func resolveGroup(ctx context.Context, reg Registry, group model.StoreKey, includeGroups bool) (*model.ArtifactStore, []*model.ArtifactStore, error) {
	if resolver, ok := reg.(GroupResolver); ok {
		return resolver.ResolveGroup(ctx, group, includeGroups)
	}
	groupStore, err := reg.Get(ctx, group)
	if err != nil {
		return nil, nil, err
	}
	members, err := reg.OrderedMembers(ctx, group, includeGroups)
	if err != nil {
		return nil, nil, err
	}
	return groupStore, members, nil
}

func (d *decorated) GroupsContaining(ctx context.Context, key model.StoreKey) ([]*model.ArtifactStore, error) {
	groups, err := d.Registry.GroupsContaining(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, f := range d.filters {
		cf, ok := f.(ContainmentFilter)
		if !ok {
			continue
		}
		groups, err = cf.FilterContaining(ctx, key, groups)
		if err != nil {
			return nil, err
		}
	}
	return groups, nil
}
