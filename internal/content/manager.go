// Package content resolves, stores and deletes artifact content for any store
// key. Concrete stores are served straight from the transfer gateway; groups
// either merge metadata documents or return the first member that holds the
// path. Writes keep the not-found cache and ancestor merges consistent.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/logging"
	"github.com/any-hub/any-repo/internal/merge"
	"github.com/any-hub/any-repo/internal/metrics"
	"github.com/any-hub/any-repo/internal/model"
	"github.com/any-hub/any-repo/internal/nfc"
	"github.com/any-hub/any-repo/internal/transfer"
)

var (
	// ErrNotFound 表示所有候选仓库都没有该内容，与临时性错误区分。
	ErrNotFound = errors.New("content not found")
	// ErrNotWritable 表示目标仓库不接受写入。
	ErrNotWritable = errors.New("store is not writable")
)

// Stores 是 Manager 需要的注册表能力。
type Stores interface {
	Get(ctx context.Context, key model.StoreKey) (*model.ArtifactStore, error)
	OrderedMembers(ctx context.Context, group model.StoreKey, includeGroups bool) ([]*model.ArtifactStore, error)
}

// Merger 是合并引擎对外的最小接口。
type Merger interface {
	IsMergeable(packageType, path string) bool
	Resolve(ctx context.Context, group model.StoreKey, path string) ([]byte, error)
	OnStoreContentChanged(ctx context.Context, key model.StoreKey, path string) error
}

// Options 描述 Manager 的依赖。
type Options struct {
	Stores  Stores
	Gateway transfer.Gateway
	Merger  Merger
	NFC     nfc.Cache
	Logger  *logrus.Logger
	Metrics metrics.Recorder
}

// Manager 是内容读写的统一入口。
type Manager struct {
	stores  Stores
	gateway transfer.Gateway
	merger  Merger
	nfc     nfc.Cache
	logger  *logrus.Logger
	metrics metrics.Recorder
}

// NewManager 创建 Manager。
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		stores:  opts.Stores,
		gateway: opts.Gateway,
		merger:  opts.Merger,
		nfc:     opts.NFC,
		logger:  logger,
		metrics: metrics.OrNoop(opts.Metrics),
	}
}

// Retrieve 返回 key 视角下 path 的内容，以及实际提供内容的仓库。
func (m *Manager) Retrieve(ctx context.Context, key model.StoreKey, path string) ([]byte, model.StoreKey, error) {
	p := transfer.CleanPath(path)
	store, err := m.stores.Get(ctx, key)
	if err != nil {
		return nil, model.StoreKey{}, err
	}
	if store.Disabled {
		m.metrics.RecordResolve("direct", false)
		return nil, model.StoreKey{}, fmt.Errorf("%w: store %s is disabled", ErrNotFound, key)
	}
	if !store.IsGroup() {
		data, err := m.read(ctx, key, p)
		m.metrics.RecordResolve("direct", err == nil)
		return data, key, err
	}

	if m.merger != nil && m.merger.IsMergeable(key.PackageType, p) {
		data, err := m.merger.Resolve(ctx, key, p)
		if errors.Is(err, merge.ErrAbsent) {
			err = fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		m.metrics.RecordResolve("merge", err == nil)
		if err != nil {
			return nil, model.StoreKey{}, err
		}
		return data, key, nil
	}

	data, source, err := m.firstFound(ctx, key, p)
	m.metrics.RecordResolve("first-found", err == nil)
	return data, source, err
}

// Exists 与 Retrieve 的解析规则一致，但具体仓库与 first-found 只检查存在性，不读取内容。
// 可合并的分组元数据仍需生成后才能判断。
func (m *Manager) Exists(ctx context.Context, key model.StoreKey, path string) (bool, model.StoreKey, error) {
	p := transfer.CleanPath(path)
	store, err := m.stores.Get(ctx, key)
	if err != nil {
		return false, model.StoreKey{}, err
	}
	var source model.StoreKey
	switch {
	case store.Disabled:
		return false, model.StoreKey{}, nil
	case !store.IsGroup():
		ok, err := m.gateway.Exists(ctx, key, p)
		if err != nil || !ok {
			return false, model.StoreKey{}, model.WrapContextErr(err)
		}
		return true, key, nil
	case m.merger != nil && m.merger.IsMergeable(key.PackageType, p):
		_, source, err = m.Retrieve(ctx, key, p)
	default:
		source, err = m.locate(ctx, key, p)
	}
	if errors.Is(err, ErrNotFound) {
		return false, model.StoreKey{}, nil
	}
	if err != nil {
		return false, model.StoreKey{}, err
	}
	return true, source, nil
}

func (m *Manager) read(ctx context.Context, key model.StoreKey, p string) ([]byte, error) {
	data, err := transfer.ReadAll(ctx, m.gateway, key, p)
	if transfer.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return data, model.WrapContextErr(err)
}

// firstFound 按解析顺序逐个检查成员，命中即停止，不访问后面的成员。
func (m *Manager) firstFound(ctx context.Context, group model.StoreKey, p string) ([]byte, model.StoreKey, error) {
	source, err := m.locate(ctx, group, p)
	if err != nil {
		return nil, model.StoreKey{}, err
	}
	data, err := transfer.ReadAll(ctx, m.gateway, source, p)
	if err != nil {
		return nil, model.StoreKey{}, model.WrapContextErr(err)
	}
	return data, source, nil
}

// locate 返回第一个包含 p 的成员。
func (m *Manager) locate(ctx context.Context, group model.StoreKey, p string) (model.StoreKey, error) {
	members, err := m.stores.OrderedMembers(ctx, group, false)
	if err != nil {
		return model.StoreKey{}, err
	}
	var transient error
	for _, member := range members {
		if err := ctx.Err(); err != nil {
			return model.StoreKey{}, model.WrapContextErr(err)
		}
		ok, err := m.gateway.Exists(ctx, member.Key, p)
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"action": "first_found",
				"group":  group.String(),
				"member": member.Key.String(),
				"path":   p,
			}).WithError(err).Warn("member_lookup_failed")
			if transient == nil {
				transient = err
			}
			continue
		}
		if ok {
			return member.Key, nil
		}
	}
	if transient != nil {
		return model.StoreKey{}, model.WrapContextErr(transient)
	}
	return model.StoreKey{}, fmt.Errorf("%w: %s", ErrNotFound, p)
}

// Store 写入内容并返回实际写入的仓库。分组的写入落到第一个可写的 hosted 成员。
func (m *Manager) Store(ctx context.Context, key model.StoreKey, path string, body io.Reader) (model.StoreKey, error) {
	p := transfer.CleanPath(path)
	if p == "" {
		return model.StoreKey{}, fmt.Errorf("%w: empty path", ErrNotWritable)
	}
	target, err := m.writeTarget(ctx, key)
	if err != nil {
		return model.StoreKey{}, err
	}
	written, err := transfer.Write(ctx, m.gateway, target, p, body)
	if err != nil {
		return model.StoreKey{}, model.WrapContextErr(err)
	}
	m.afterChange(ctx, target, p)
	m.logger.WithFields(logrus.Fields{
		"action": "content_store",
		"store":  target.String(),
		"path":   p,
		"bytes":  written,
	}).Info("content_stored")
	return target, nil
}

// Delete 删除内容。分组会删除所有可写 hosted 成员中的该路径；remote 只删除本地缓存。
func (m *Manager) Delete(ctx context.Context, key model.StoreKey, path string) (bool, error) {
	p := transfer.CleanPath(path)
	store, err := m.stores.Get(ctx, key)
	if err != nil {
		return false, err
	}

	var targets []model.StoreKey
	switch {
	case store.IsGroup():
		members, err := m.stores.OrderedMembers(ctx, key, false)
		if err != nil {
			return false, err
		}
		for _, member := range members {
			if writable(member) {
				targets = append(targets, member.Key)
			}
		}
	case store.IsHosted() && !writable(store):
		return false, fmt.Errorf("%w: %s", ErrNotWritable, key)
	default:
		targets = append(targets, key)
	}

	deletedAny := false
	for _, target := range targets {
		deleted, err := m.gateway.Delete(ctx, target, p)
		if err != nil {
			return deletedAny, err
		}
		if deleted {
			deletedAny = true
			m.afterChange(ctx, target, p)
		}
	}
	return deletedAny, nil
}

func (m *Manager) afterChange(ctx context.Context, key model.StoreKey, p string) {
	if m.nfc != nil {
		if err := m.nfc.Clear(ctx, key, p); err != nil {
			m.logger.WithFields(logrus.Fields{
				"action": "content_change",
				"store":  key.String(),
				"path":   p,
			}).WithError(err).Warn("nfc_clear_failed")
		}
	}
	if m.merger != nil {
		if err := m.merger.OnStoreContentChanged(ctx, key, p); err != nil {
			m.logger.WithFields(logrus.Fields{
				"action": "content_change",
				"store":  key.String(),
				"path":   p,
			}).WithError(err).Warn("merge_invalidate_failed")
		}
	}
}

// OnStoreContentChanged 供其它组件（例如 promotion）在直接写网关后通知。
func (m *Manager) OnStoreContentChanged(ctx context.Context, key model.StoreKey, path string) error {
	m.afterChange(ctx, key, transfer.CleanPath(path))
	return nil
}

func (m *Manager) writeTarget(ctx context.Context, key model.StoreKey) (model.StoreKey, error) {
	store, err := m.stores.Get(ctx, key)
	if err != nil {
		return model.StoreKey{}, err
	}
	switch {
	case store.IsHosted():
		if !writable(store) {
			return model.StoreKey{}, fmt.Errorf("%w: %s", ErrNotWritable, key)
		}
		return key, nil
	case store.IsGroup():
		members, err := m.stores.OrderedMembers(ctx, key, false)
		if err != nil {
			return model.StoreKey{}, err
		}
		for _, member := range members {
			if writable(member) {
				return member.Key, nil
			}
		}
		return model.StoreKey{}, fmt.Errorf("%w: group %s has no writable hosted member", ErrNotWritable, key)
	default:
		return model.StoreKey{}, fmt.Errorf("%w: %s", ErrNotWritable, key)
	}
}

func writable(store *model.ArtifactStore) bool {
	return store.IsHosted() && !store.Readonly && !store.Disabled
}
