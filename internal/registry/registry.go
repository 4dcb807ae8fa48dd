// Package registry keeps the set of artifact stores and answers membership
// questions about groups: ordered concrete members (depth-first, cycle-safe)
// and the reverse lookup of every group that contains a store. Reads work on
// an immutable snapshot so they never observe a half-applied mutation;
// writes are serialized and emit pre/post events to subscribed listeners.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/logging"
	"github.com/any-hub/any-repo/internal/model"
)

// ErrReadonly 表示只读的 hosted 仓库不允许删除。
var ErrReadonly = errors.New("store is readonly")

// Registry 是仓库注册表对外暴露的全部能力，装饰器与基础实现共享这一接口。
type Registry interface {
	Get(ctx context.Context, key model.StoreKey) (*model.ArtifactStore, error)
	Put(ctx context.Context, store *model.ArtifactStore, summary model.ChangeSummary, skipIfExists bool) (bool, error)
	Delete(ctx context.Context, key model.StoreKey, summary model.ChangeSummary) error
	ListByType(ctx context.Context, storeType model.StoreType) ([]*model.ArtifactStore, error)
	All(ctx context.Context) ([]*model.ArtifactStore, error)
	OrderedMembers(ctx context.Context, group model.StoreKey, includeGroups bool) ([]*model.ArtifactStore, error)
	GroupsContaining(ctx context.Context, key model.StoreKey) ([]*model.ArtifactStore, error)
	Subscribe(l Listener)
}

// Options 控制 MemoryRegistry 的可选依赖。
type Options struct {
	Logger    *logrus.Logger
	Persister Persister
}

// MemoryRegistry 把全部仓库保存在不可变 radix 树中，通过原子指针发布新快照。
type MemoryRegistry struct {
	current   atomic.Pointer[snapshot]
	writeMu   sync.Mutex
	events    dispatcher
	persister Persister
	logger    *logrus.Logger
}

type snapshot struct {
	tree *iradix.Tree
	// parents 记录每个 key 被哪些分组直接包含，用于反向查询。
	parents map[model.StoreKey][]model.StoreKey
}

// NewMemoryRegistry 创建注册表，若配置了 Persister 则先加载已有仓库。
func NewMemoryRegistry(ctx context.Context, opts Options) (*MemoryRegistry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	r := &MemoryRegistry{persister: opts.Persister, logger: logger}

	tree := iradix.New()
	if opts.Persister != nil {
		stores, err := opts.Persister.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load stores: %w", err)
		}
		txn := tree.Txn()
		for _, store := range stores {
			txn.Insert(treeKey(store.Key), store.Clone())
		}
		tree = txn.Commit()
	}
	r.current.Store(newSnapshot(tree))
	return r, nil
}

func treeKey(key model.StoreKey) []byte {
	return []byte(key.String())
}

func newSnapshot(tree *iradix.Tree) *snapshot {
	parents := make(map[model.StoreKey][]model.StoreKey)
	tree.Root().Walk(func(_ []byte, v interface{}) bool {
		store := v.(*model.ArtifactStore)
		if store.IsGroup() {
			for _, member := range store.Constituents {
				parents[member] = append(parents[member], store.Key)
			}
		}
		return false
	})
	return &snapshot{tree: tree, parents: parents}
}

func (s *snapshot) lookup(key model.StoreKey) (*model.ArtifactStore, bool) {
	v, ok := s.tree.Get(treeKey(key))
	if !ok {
		return nil, false
	}
	return v.(*model.ArtifactStore), true
}

func (s *snapshot) each(fn func(store *model.ArtifactStore)) {
	s.tree.Root().Walk(func(_ []byte, v interface{}) bool {
		fn(v.(*model.ArtifactStore))
		return false
	})
}

// Subscribe 注册事件监听器。
func (r *MemoryRegistry) Subscribe(l Listener) {
	r.events.subscribe(l)
}

func (r *MemoryRegistry) Get(ctx context.Context, key model.StoreKey) (*model.ArtifactStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store, ok := r.current.Load().lookup(key)
	if !ok {
		return nil, &model.StoreNotFoundError{Key: key}
	}
	return store.Clone(), nil
}

func (r *MemoryRegistry) Put(ctx context.Context, store *model.ArtifactStore, summary model.ChangeSummary, skipIfExists bool) (bool, error) {
	if err := validateStore(store); err != nil {
		return false, err
	}
	incoming := store.Clone()

	r.writeMu.Lock()
	snap := r.current.Load()
	original, exists := snap.lookup(incoming.Key)
	if exists && skipIfExists {
		r.writeMu.Unlock()
		return false, nil
	}

	event := UpdateEvent{Store: incoming.Clone(), Summary: summary}
	if exists {
		event.Original = original.Clone()
	}
	if err := r.events.preUpdate(ctx, event); err != nil {
		r.writeMu.Unlock()
		return false, fmt.Errorf("update of %s vetoed: %w", incoming.Key, err)
	}
	if r.persister != nil {
		if err := r.persister.Save(ctx, incoming); err != nil {
			r.writeMu.Unlock()
			return false, fmt.Errorf("persist %s: %w", incoming.Key, err)
		}
	}
	tree, _, _ := snap.tree.Insert(treeKey(incoming.Key), incoming)
	r.current.Store(newSnapshot(tree))
	r.writeMu.Unlock()

	for _, err := range r.events.postUpdate(ctx, event) {
		r.logger.WithFields(logrus.Fields{
			"action": "store_update",
			"store":  incoming.Key.String(),
		}).WithError(err).Warn("post_update_listener_failed")
	}
	return true, nil
}

func (r *MemoryRegistry) Delete(ctx context.Context, key model.StoreKey, summary model.ChangeSummary) error {
	r.writeMu.Lock()
	snap := r.current.Load()
	existing, ok := snap.lookup(key)
	if !ok {
		r.writeMu.Unlock()
		return &model.StoreNotFoundError{Key: key}
	}
	if existing.IsHosted() && existing.Readonly {
		r.writeMu.Unlock()
		return fmt.Errorf("delete %s: %w", key, ErrReadonly)
	}

	event := DeleteEvent{Store: existing.Clone(), Summary: summary}
	if err := r.events.preDelete(ctx, event); err != nil {
		r.writeMu.Unlock()
		return fmt.Errorf("delete of %s vetoed: %w", key, err)
	}
	if r.persister != nil {
		if err := r.persister.Remove(ctx, key); err != nil {
			r.writeMu.Unlock()
			return fmt.Errorf("persist delete %s: %w", key, err)
		}
	}
	tree, _, _ := snap.tree.Delete(treeKey(key))
	r.current.Store(newSnapshot(tree))
	r.writeMu.Unlock()

	for _, err := range r.events.postDelete(ctx, event) {
		r.logger.WithFields(logrus.Fields{
			"action": "store_delete",
			"store":  key.String(),
		}).WithError(err).Warn("post_delete_listener_failed")
	}
	return nil
}

func (r *MemoryRegistry) ListByType(ctx context.Context, storeType model.StoreType) ([]*model.ArtifactStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*model.ArtifactStore
	r.current.Load().each(func(store *model.ArtifactStore) {
		if store.Key.Type == storeType {
			out = append(out, store.Clone())
		}
	})
	sortStores(out)
	return out, nil
}

func (r *MemoryRegistry) All(ctx context.Context) ([]*model.ArtifactStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*model.ArtifactStore
	r.current.Load().each(func(store *model.ArtifactStore) {
		out = append(out, store.Clone())
	})
	sortStores(out)
	return out, nil
}

func (r *MemoryRegistry) OrderedMembers(ctx context.Context, group model.StoreKey, includeGroups bool) ([]*model.ArtifactStore, error) {
	_, members, err := r.ResolveGroup(ctx, group, includeGroups)
	return members, err
}

// ResolveGroup 在同一个快照上返回分组本身及其展开后的成员。
func (r *MemoryRegistry) ResolveGroup(ctx context.Context, group model.StoreKey, includeGroups bool) (*model.ArtifactStore, []*model.ArtifactStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	snap := r.current.Load()
	root, ok := snap.lookup(group)
	if !ok {
		return nil, nil, &model.StoreNotFoundError{Key: group}
	}
	if !root.IsGroup() {
		return nil, nil, &model.InvalidGroupConfigError{Key: group, Reason: "not a group"}
	}
	return root.Clone(), resolveMembers(snap, root, includeGroups, r.logger), nil
}

func (r *MemoryRegistry) GroupsContaining(ctx context.Context, key model.StoreKey) ([]*model.ArtifactStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := r.current.Load()
	keys := containingGroups(snap, key)
	out := make([]*model.ArtifactStore, 0, len(keys))
	for _, groupKey := range keys {
		if group, ok := snap.lookup(groupKey); ok {
			out = append(out, group.Clone())
		}
	}
	return out, nil
}

func validateStore(store *model.ArtifactStore) error {
	if store == nil {
		return errors.New("store required")
	}
	key := store.Key
	if key.PackageType == "" || key.Name == "" {
		return fmt.Errorf("invalid store key %q", key)
	}
	if _, err := model.ParseStoreType(string(key.Type)); err != nil {
		return err
	}
	if !store.IsGroup() {
		return nil
	}
	for _, member := range store.Constituents {
		if member == key {
			return &model.InvalidGroupConfigError{Key: key, Reason: "group cannot contain itself"}
		}
		if member.PackageType != key.PackageType {
			return &model.InvalidGroupConfigError{
				Key:    key,
				Reason: fmt.Sprintf("member %s has a different package type", member),
			}
		}
	}
	return nil
}

var _ Registry = (*MemoryRegistry)(nil)
