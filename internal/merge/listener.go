package merge

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/model"
	"github.com/any-hub/any-repo/internal/registry"
)

// Listener 返回一个注册表监听器：分组成员变化、成员被禁用或删除时，
// 清除受影响分组中的全部合并缓存。
func (e *Engine) Listener() registry.Listener {
	return registry.ListenerFuncs{
		OnPostUpdate: func(ctx context.Context, event registry.UpdateEvent) error {
			if event.Original == nil || !membershipChanged(event.Original, event.Store) {
				return nil
			}
			return e.invalidateAffected(ctx, event.Store)
		},
		OnPostDelete: func(ctx context.Context, event registry.DeleteEvent) error {
			return e.invalidateAffected(ctx, event.Store)
		},
	}
}

// membershipChanged 判断一次更新是否会改变某个分组的合并来源。
func membershipChanged(before, after *model.ArtifactStore) bool {
	if before.Disabled != after.Disabled {
		return true
	}
	if after.IsRemote() && (before.URL != after.URL || before.CacheOnly != after.CacheOnly) {
		return true
	}
	if !after.IsGroup() {
		return false
	}
	if len(before.Constituents) != len(after.Constituents) {
		return true
	}
	for i := range before.Constituents {
		if before.Constituents[i] != after.Constituents[i] {
			return true
		}
	}
	return false
}

func (e *Engine) invalidateAffected(ctx context.Context, store *model.ArtifactStore) error {
	var targets []model.StoreKey
	if store.IsGroup() {
		targets = append(targets, store.Key)
	}
	groups, err := e.members.GroupsContaining(ctx, store.Key)
	if err != nil {
		return err
	}
	for _, group := range groups {
		targets = append(targets, group.Key)
	}

	var errs []error
	for _, key := range targets {
		if err := e.InvalidateGroup(ctx, key); err != nil {
			e.logger.WithFields(logrus.Fields{
				"action": "merge_invalidate",
				"group":  key.String(),
				"store":  store.Key.String(),
			}).WithError(err).Warn("merge_group_invalidate_failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
