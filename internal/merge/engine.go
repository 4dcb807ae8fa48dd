// Package merge builds a group's view of mergeable metadata documents. The
// first request for a (group, path) fetches every concrete member's copy,
// unions them with the package type's merge rule and caches the result in
// the group's own storage together with a provenance sidecar. Later requests
// are served from that cache until a member change invalidates it.
package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/any-repo/internal/logging"
	"github.com/any-hub/any-repo/internal/metrics"
	"github.com/any-hub/any-repo/internal/model"
	"github.com/any-hub/any-repo/internal/pkgtype"
	"github.com/any-hub/any-repo/internal/transfer"
)

// InfoSuffix 是 provenance 文件的后缀。
const InfoSuffix = ".info"

var (
	// ErrAbsent 表示没有任何成员能提供可合并的文档，此时不会写入任何缓存。
	ErrAbsent = errors.New("merge: no member provided a mergeable document")
	// ErrNotMergeable 表示路径不属于当前包类型的任何合并规则。
	ErrNotMergeable = errors.New("merge: path is not mergeable")
)

// ParseError 记录单个成员文档无法解析，合并会跳过该成员继续进行。
type ParseError struct {
	Group  model.StoreKey
	Member string
	Path   string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("merge %s:%s: member %s: %v", e.Group, e.Path, e.Member, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Members 是合并引擎需要的注册表能力。
type Members interface {
	OrderedMembers(ctx context.Context, group model.StoreKey, includeGroups bool) ([]*model.ArtifactStore, error)
	GroupsContaining(ctx context.Context, key model.StoreKey) ([]*model.ArtifactStore, error)
}

// Options 控制合并引擎的行为。
type Options struct {
	// FetchWorkers 限制单次合并时并发拉取成员文档的数量，<=0 表示不限。
	FetchWorkers int
	// Timeout 作用于整次 Resolve，<=0 表示只服从调用方 ctx。
	Timeout time.Duration
	Logger  *logrus.Logger
	Metrics metrics.Recorder
}

// Engine 负责合并、缓存与失效。
type Engine struct {
	members Members
	gateway transfer.Gateway
	opts    Options
	logger  *logrus.Logger
	metrics metrics.Recorder
	locks   *keyedLocks
}

// NewEngine 创建合并引擎。gateway 同时用于读取成员内容与读写分组自身的缓存。
func NewEngine(members Members, gateway transfer.Gateway, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{
		members: members,
		gateway: gateway,
		opts:    opts,
		logger:  logger,
		metrics: metrics.OrNoop(opts.Metrics),
		locks:   newKeyedLocks(),
	}
}

// IsMergeable 判断 path（包括其校验和文件）是否由合并规则处理。
func (e *Engine) IsMergeable(packageType, path string) bool {
	_, ok := pkgtype.Lookup(packageType, transfer.CleanPath(path))
	return ok
}

// Resolve 返回分组视角下 path 的合并结果。缓存命中直接返回；否则在 (group, path)
// 锁内生成，同一时刻的其它请求等待并复用同一结果。
func (e *Engine) Resolve(ctx context.Context, group model.StoreKey, path string) ([]byte, error) {
	p := transfer.CleanPath(path)
	if group.Type != model.StoreTypeGroup {
		return nil, &model.InvalidGroupConfigError{Key: group, Reason: "not a group"}
	}
	target, ok := pkgtype.Lookup(group.PackageType, p)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotMergeable, p)
	}
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}
	start := time.Now()

	data, err := e.cached(ctx, group, p)
	if err != nil {
		return nil, e.fail(group, p, start, err)
	}
	if data != nil {
		e.metrics.RecordMerge(group.PackageType, "hit", time.Since(start))
		return data, nil
	}

	unlock, err := e.locks.lock(ctx, lockKey(group, target.Canonical))
	if err != nil {
		return nil, e.fail(group, p, start, err)
	}
	defer unlock()

	// 等锁期间其它请求可能已经生成
	data, err = e.cached(ctx, group, p)
	if err != nil {
		return nil, e.fail(group, p, start, err)
	}
	if data != nil {
		e.metrics.RecordMerge(group.PackageType, "hit", time.Since(start))
		return data, nil
	}

	data, err = e.canonicalLocked(ctx, group, target)
	if err != nil {
		return nil, e.fail(group, p, start, err)
	}
	if target.DerivedSuffix != "" {
		data, err = e.deriveLocked(ctx, group, target, data)
		if err != nil {
			return nil, e.fail(group, p, start, err)
		}
	}
	e.metrics.RecordMerge(group.PackageType, "generated", time.Since(start))
	return data, nil
}

func (e *Engine) fail(group model.StoreKey, p string, start time.Time, err error) error {
	outcome := "error"
	if errors.Is(err, ErrAbsent) {
		outcome = "absent"
	}
	e.metrics.RecordMerge(group.PackageType, outcome, time.Since(start))
	return model.WrapContextErr(err)
}

func lockKey(group model.StoreKey, canonical string) string {
	return group.String() + "\x00" + canonical
}

// cached 读取分组自身存储中的内容，不存在时返回 (nil, nil)。
func (e *Engine) cached(ctx context.Context, group model.StoreKey, p string) ([]byte, error) {
	data, err := transfer.ReadAll(ctx, e.gateway, group, p)
	if err == nil {
		return data, nil
	}
	if transfer.IsNotFound(err) {
		return nil, nil
	}
	return nil, err
}

// canonicalLocked 返回规范文档，调用方必须持有对应的锁。
func (e *Engine) canonicalLocked(ctx context.Context, group model.StoreKey, target pkgtype.MergeTarget) ([]byte, error) {
	if target.DerivedSuffix != "" {
		data, err := e.cached(ctx, group, target.Canonical)
		if err != nil || data != nil {
			return data, err
		}
	}
	return e.generate(ctx, group, target)
}

func (e *Engine) deriveLocked(ctx context.Context, group model.StoreKey, target pkgtype.MergeTarget, canonical []byte) ([]byte, error) {
	digest, err := pkgtype.Derive(target.DerivedSuffix, canonical)
	if err != nil {
		return nil, err
	}
	if err := transfer.WriteAll(ctx, e.gateway, group, target.Canonical+target.DerivedSuffix, digest); err != nil {
		return nil, err
	}
	return digest, nil
}

type fetched struct {
	key  model.StoreKey
	data []byte
}

func (e *Engine) generate(ctx context.Context, group model.StoreKey, target pkgtype.MergeTarget) ([]byte, error) {
	members, err := e.members.OrderedMembers(ctx, group, false)
	if err != nil {
		return nil, err
	}
	sources, err := e.fetchAll(ctx, group, target.Canonical, members)
	if err != nil {
		return nil, err
	}

	// 输出只取决于来源内容的集合，而不是成员的拉取顺序
	sort.Slice(sources, func(i, j int) bool {
		if c := bytes.Compare(sources[i].data, sources[j].data); c != 0 {
			return c < 0
		}
		return sources[i].key.Compare(sources[j].key) < 0
	})
	inputs := make([]pkgtype.Source, 0, len(sources))
	for _, src := range sources {
		inputs = append(inputs, pkgtype.Source{ID: src.key.String(), Data: src.data})
	}

	result, err := target.Rule.Merge(inputs)
	if result != nil {
		for _, failure := range result.Failures {
			perr := &ParseError{Group: group, Member: failure.ID, Path: target.Canonical, Err: failure.Err}
			e.logger.WithFields(logrus.Fields{
				"action": "merge",
				"group":  group.String(),
				"member": failure.ID,
				"path":   target.Canonical,
			}).WithError(perr).Warn("merge_source_skipped")
		}
	}
	if errors.Is(err, pkgtype.ErrEmptyMerge) {
		e.logger.WithFields(logrus.Fields{
			"action":  "merge",
			"group":   group.String(),
			"path":    target.Canonical,
			"members": len(members),
		}).Debug("merge_absent")
		return nil, ErrAbsent
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	contributors := make([]model.StoreKey, 0, len(result.Contributors))
	for _, id := range result.Contributors {
		key, err := model.ParseStoreKey(id)
		if err != nil {
			return nil, err
		}
		contributors = append(contributors, key)
	}
	if err := e.store(ctx, group, target.Canonical, result.Data, contributors); err != nil {
		return nil, err
	}
	e.logger.WithFields(logrus.Fields{
		"action":       "merge",
		"group":        group.String(),
		"path":         target.Canonical,
		"rule":         target.Rule.Name,
		"contributors": len(contributors),
		"bytes":        len(result.Data),
	}).Info("merge_generated")
	return result.Data, nil
}

// fetchAll 并发读取成员文档。成员缺失或读取失败只会让它不参与合并，ctx 结束则整体放弃。
func (e *Engine) fetchAll(ctx context.Context, group model.StoreKey, p string, members []*model.ArtifactStore) ([]fetched, error) {
	g, gctx := errgroup.WithContext(ctx)
	if e.opts.FetchWorkers > 0 {
		g.SetLimit(e.opts.FetchWorkers)
	}
	var (
		mu  sync.Mutex
		out []fetched
	)
	for _, member := range members {
		g.Go(func() error {
			data, err := transfer.ReadAll(gctx, e.gateway, member.Key, p)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				if !transfer.IsNotFound(err) {
					e.logger.WithFields(logrus.Fields{
						"action": "merge",
						"group":  group.String(),
						"member": member.Key.String(),
						"path":   p,
					}).WithError(err).Warn("merge_fetch_failed")
				}
				return nil
			}
			mu.Lock()
			out = append(out, fetched{key: member.Key, data: data})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// store 先写合并结果再写 provenance，provenance 写失败时撤回结果。
func (e *Engine) store(ctx context.Context, group model.StoreKey, p string, data []byte, contributors []model.StoreKey) error {
	if err := transfer.WriteAll(ctx, e.gateway, group, p, data); err != nil {
		return err
	}
	if err := transfer.WriteAll(ctx, e.gateway, group, p+InfoSuffix, encodeProvenance(contributors)); err != nil {
		_, _ = e.gateway.Delete(context.Background(), group, p)
		return err
	}
	return nil
}

func encodeProvenance(keys []model.StoreKey) []byte {
	sorted := append([]model.StoreKey(nil), keys...)
	model.SortKeys(sorted)
	var b strings.Builder
	for _, key := range sorted {
		b.WriteString(key.String())
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func decodeProvenance(data []byte) ([]model.StoreKey, error) {
	var keys []model.StoreKey
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, err := model.ParseStoreKey(line)
		if err != nil {
			return nil, fmt.Errorf("parse provenance: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Provenance 返回生成当前缓存时实际参与合并的成员。
func (e *Engine) Provenance(ctx context.Context, group model.StoreKey, path string) ([]model.StoreKey, error) {
	canonical, _ := pkgtype.CanonicalPath(transfer.CleanPath(path))
	data, err := transfer.ReadAll(ctx, e.gateway, group, canonical+InfoSuffix)
	if err != nil {
		return nil, err
	}
	return decodeProvenance(data)
}

// Invalidate 删除分组缓存的合并结果、provenance 与所有校验和文件。
func (e *Engine) Invalidate(ctx context.Context, group model.StoreKey, path string) error {
	canonical, _ := pkgtype.CanonicalPath(transfer.CleanPath(path))
	unlock, err := e.locks.lock(ctx, lockKey(group, canonical))
	if err != nil {
		return model.WrapContextErr(err)
	}
	defer unlock()

	targets := []string{canonical, canonical + InfoSuffix}
	for _, suffix := range pkgtype.DerivedSuffixes {
		targets = append(targets, canonical+suffix)
	}
	var errs []error
	removed := 0
	for _, target := range targets {
		deleted, err := e.gateway.Delete(ctx, group, target)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if deleted {
			removed++
		}
	}
	if removed > 0 {
		e.logger.WithFields(logrus.Fields{
			"action": "merge_invalidate",
			"group":  group.String(),
			"path":   canonical,
			"files":  removed,
		}).Debug("merge_invalidated")
	}
	return errors.Join(errs...)
}

// OnStoreContentChanged 在成员内容变化后，让所有直接或间接包含它的分组失效。
// 不可合并的路径没有缓存，直接忽略。
func (e *Engine) OnStoreContentChanged(ctx context.Context, key model.StoreKey, path string) error {
	if !e.IsMergeable(key.PackageType, path) {
		return nil
	}
	groups, err := e.members.GroupsContaining(ctx, key)
	if err != nil {
		return err
	}
	var errs []error
	for _, group := range groups {
		if err := e.Invalidate(ctx, group.Key, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InvalidateGroup 清除分组缓存中所有带 provenance 的合并结果，用于成员列表变化时。
func (e *Engine) InvalidateGroup(ctx context.Context, group model.StoreKey) error {
	var merged []string
	err := transfer.Walk(ctx, e.gateway, group, func(p string) error {
		if strings.HasSuffix(p, InfoSuffix) {
			merged = append(merged, strings.TrimSuffix(p, InfoSuffix))
		}
		return nil
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range merged {
		if err := e.Invalidate(ctx, group, p); err != nil {
			errs = append(errs, err)
		}
	}
	if len(merged) > 0 {
		e.logger.WithFields(logrus.Fields{
			"action": "merge_invalidate",
			"group":  group.String(),
			"paths":  len(merged),
		}).Info("merge_group_invalidated")
	}
	return errors.Join(errs...)
}
