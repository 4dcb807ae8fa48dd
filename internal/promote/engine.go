package promote

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	units "github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/any-repo/internal/logging"
	"github.com/any-hub/any-repo/internal/metrics"
	"github.com/any-hub/any-repo/internal/model"
	"github.com/any-hub/any-repo/internal/transfer"
)

// Stores 是 promotion 需要的注册表能力。
type Stores interface {
	Get(ctx context.Context, key model.StoreKey) (*model.ArtifactStore, error)
	Put(ctx context.Context, store *model.ArtifactStore, summary model.ChangeSummary, skipIfExists bool) (bool, error)
}

// ContentListener 在目标写入或源删除之后收到通知，用于让上层分组的合并缓存失效。
type ContentListener interface {
	OnStoreContentChanged(ctx context.Context, key model.StoreKey, path string) error
}

// Options 控制 promotion 引擎。
type Options struct {
	// Workers 是并发处理路径的上限，<=0 时为 4。
	Workers int
	// LockTimeout 是等待目标仓库 promotion 锁的最长时间，<=0 时只受 ctx 限制。
	LockTimeout time.Duration
	Listener    ContentListener
	Logger      *logrus.Logger
	Metrics     metrics.Recorder
}

// Engine 执行 promotion、resume 与 rollback。
type Engine struct {
	stores  Stores
	gateway transfer.Gateway
	opts    Options
	logger  *logrus.Logger
	metrics metrics.Recorder
	locks   sync.Map
}

// NewEngine 创建 promotion 引擎。
func NewEngine(stores Stores, gateway transfer.Gateway, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{
		stores:  stores,
		gateway: gateway,
		opts:    opts,
		logger:  logger,
		metrics: metrics.OrNoop(opts.Metrics),
	}
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeCompleted
	outcomeSkipped
)

// Promote 把 Source 中的内容复制到 Target。单个路径失败只会让它留在 PendingPaths。
// 目标中已经存在的路径一律归入 SkippedPaths，不覆盖，也不会被之后的 Rollback 删除。
func (e *Engine) Promote(ctx context.Context, req Request) (*Result, error) {
	req.Paths = normalizePaths(req.Paths)
	if err := e.validate(ctx, req); err != nil {
		return nil, err
	}

	paths := req.Paths
	if len(paths) == 0 {
		listed, err := e.listSource(ctx, req.Source)
		if err != nil {
			return nil, &RequestError{Reason: fmt.Sprintf("list source %s", req.Source), Err: err}
		}
		paths = listed
	}

	result := &Result{ID: uuid.NewString(), Request: req}
	if req.DryRun {
		result.CompletedPaths = []string{}
		result.PendingPaths = newPathSet(paths...).sorted()
		e.logFields(result).WithField("paths", len(paths)).Info("promote_dry_run")
		return result, nil
	}
	return e.run(ctx, result, "promote", false, newPathSet(paths...), newPathSet(), newPathSet())
}

// Resume 只重试上一次结果中仍然 pending 的路径，完成集合会累加。
// pending 路径在目标中已存在时说明上一次复制成功而后续步骤失败：内容一致或源已 purge
// 视为完成，内容不同则跳过。
func (e *Engine) Resume(ctx context.Context, prior *Result) (*Result, error) {
	if prior == nil {
		return nil, &RequestError{Reason: "prior result required"}
	}
	req := prior.Request
	if err := e.validate(ctx, req); err != nil {
		return nil, err
	}
	result := &Result{ID: prior.ID, Request: req}
	pending := newPathSet(prior.PendingPaths...)
	completed := newPathSet(prior.CompletedPaths...)
	skipped := newPathSet(prior.SkippedPaths...)
	if req.DryRun || len(pending) == 0 {
		result.PendingPaths = pending.sorted()
		result.CompletedPaths = completed.sorted()
		result.SkippedPaths = skipped.sorted()
		return result, nil
	}
	return e.run(ctx, result, "resume", true, pending, completed, skipped)
}

// Rollback 从目标仓库删除上一次已完成的路径，并把它们移回 PendingPaths。
// 已经 purge 的源内容不会被恢复。
func (e *Engine) Rollback(ctx context.Context, prior *Result) (*Result, error) {
	if prior == nil {
		return nil, &RequestError{Reason: "prior result required"}
	}
	req := prior.Request
	if _, err := e.stores.Get(ctx, req.Target); err != nil {
		return nil, &RequestError{Reason: fmt.Sprintf("target %s", req.Target), Err: err}
	}

	result := &Result{ID: prior.ID, Request: req}
	pending := newPathSet(prior.PendingPaths...)
	completed := newPathSet(prior.CompletedPaths...)
	skipped := newPathSet(prior.SkippedPaths...)
	if len(completed) == 0 {
		result.PendingPaths = pending.sorted()
		result.CompletedPaths = []string{}
		result.SkippedPaths = skipped.sorted()
		return result, nil
	}

	unlock, err := e.lockTarget(ctx, req.Target)
	if err != nil {
		return nil, err
	}
	defer unlock()

	started := time.Now()
	var (
		mu       sync.Mutex
		firstErr error
		failed   int
	)
	g := new(errgroup.Group)
	g.SetLimit(e.opts.Workers)
	for _, p := range completed.sorted() {
		g.Go(func() error {
			err := ctx.Err()
			if err == nil {
				_, err = e.gateway.Delete(ctx, req.Target, p)
			}
			if err == nil {
				e.notify(ctx, req.Target, p)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				if firstErr == nil {
					firstErr = &PathError{Op: "rollback", Path: p, Err: model.WrapContextErr(err)}
				}
				e.logFields(result).WithField("path", p).WithError(err).Warn("rollback_path_failed")
				return nil
			}
			completed.remove(p)
			pending.add(p)
			return nil
		})
	}
	_ = g.Wait()

	result.PendingPaths = pending.sorted()
	result.CompletedPaths = completed.sorted()
	result.SkippedPaths = skipped.sorted()
	if firstErr != nil {
		result.Error = fmt.Sprintf("failed to roll back %d path(s): %v", failed, firstErr)
	}
	e.metrics.RecordPromotion("rollback", len(result.CompletedPaths), len(result.PendingPaths), time.Since(started))
	e.logFields(result).WithFields(logrus.Fields{
		"rolled_back": len(prior.CompletedPaths) - len(result.CompletedPaths),
		"failed":      failed,
	}).Info("rollback_finished")
	return result, nil
}

func (e *Engine) validate(ctx context.Context, req Request) error {
	if req.Source.IsZero() || req.Target.IsZero() {
		return &RequestError{Reason: "source and target are required"}
	}
	if req.Source == req.Target {
		return &RequestError{Reason: "source and target must differ"}
	}
	target, err := e.stores.Get(ctx, req.Target)
	if err != nil {
		return &RequestError{Reason: fmt.Sprintf("target %s", req.Target), Err: err}
	}
	switch {
	case !target.IsHosted():
		return &RequestError{Reason: fmt.Sprintf("target %s is not a hosted store", req.Target)}
	case target.Disabled:
		return &RequestError{Reason: fmt.Sprintf("target %s is disabled", req.Target)}
	case target.Readonly:
		return &RequestError{Reason: fmt.Sprintf("target %s is readonly", req.Target)}
	}
	if _, err := e.stores.Get(ctx, req.Source); err != nil {
		return &RequestError{Reason: fmt.Sprintf("source %s", req.Source), Err: err}
	}
	return nil
}

func (e *Engine) listSource(ctx context.Context, key model.StoreKey) ([]string, error) {
	var paths []string
	err := transfer.Walk(ctx, e.gateway, key, func(p string) error {
		paths = append(paths, p)
		return nil
	})
	return paths, err
}

// lockTarget 保证同一时刻只有一个 promotion/rollback 写同一个目标仓库。
func (e *Engine) lockTarget(ctx context.Context, key model.StoreKey) (func(), error) {
	v, _ := e.locks.LoadOrStore(key, make(chan struct{}, 1))
	ch := v.(chan struct{})

	waitCtx := ctx
	if e.opts.LockTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.opts.LockTimeout)
		defer cancel()
	}
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-waitCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, model.WrapContextErr(err)
		}
		return nil, &RequestError{Reason: fmt.Sprintf("target %s", key), Err: ErrLocked}
	}
}

func (e *Engine) run(ctx context.Context, result *Result, op string, resuming bool, pending, completed, skipped pathSet) (*Result, error) {
	req := result.Request
	unlock, err := e.lockTarget(ctx, req.Target)
	if err != nil {
		return nil, err
	}
	defer unlock()

	started := time.Now()
	var (
		mu       sync.Mutex
		firstErr error
		failed   int
		copied   atomic.Int64
	)
	g := new(errgroup.Group)
	g.SetLimit(e.opts.Workers)
	for _, p := range pending.sorted() {
		g.Go(func() error {
			out, n, err := e.promotePath(ctx, req, p, resuming)
			copied.Add(n)

			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeCompleted:
				pending.remove(p)
				completed.add(p)
			case outcomeSkipped:
				pending.remove(p)
				skipped.add(p)
			}
			if err != nil {
				failed++
				if firstErr == nil {
					firstErr = err
				}
				e.logFields(result).WithField("path", p).WithError(err).Warn("promote_path_failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	result.PendingPaths = pending.sorted()
	result.CompletedPaths = completed.sorted()
	result.SkippedPaths = skipped.sorted()
	switch {
	case ctx.Err() != nil:
		result.Error = fmt.Sprintf("%v: %d path(s) left pending", model.WrapContextErr(ctx.Err()), len(result.PendingPaths))
	case firstErr != nil:
		result.Error = fmt.Sprintf("failed to promote %d path(s): %v", failed, firstErr)
	}

	e.metrics.RecordPromotion(op, len(result.CompletedPaths), len(result.PendingPaths), time.Since(started))
	e.logFields(result).WithFields(logrus.Fields{
		"operation": op,
		"completed": len(result.CompletedPaths),
		"pending":   len(result.PendingPaths),
		"skipped":   len(result.SkippedPaths),
		"copied":    units.HumanSize(float64(copied.Load())),
		"elapsed":   time.Since(started).String(),
	}).Info("promote_finished")
	return result, nil
}

func (e *Engine) promotePath(ctx context.Context, req Request, p string, resuming bool) (outcome, int64, error) {
	if err := ctx.Err(); err != nil {
		return outcomePending, 0, &PathError{Op: "promote", Path: p, Err: model.WrapContextErr(err)}
	}
	exists, err := e.gateway.Exists(ctx, req.Target, p)
	if err != nil {
		return outcomePending, 0, &PathError{Op: "check", Path: p, Err: err}
	}

	var written int64
	if exists && !resuming {
		e.logSkipped(req, p, "target_exists")
		return outcomeSkipped, 0, nil
	}
	if exists {
		same, sourceFound, err := e.sameContent(ctx, req.Source, req.Target, p)
		if err != nil {
			return outcomePending, 0, &PathError{Op: "verify", Path: p, Err: err}
		}
		if !sourceFound {
			// 上一次已经复制并 purge
			return outcomeCompleted, 0, nil
		}
		if !same {
			e.logSkipped(req, p, "content_differs")
			return outcomeSkipped, 0, nil
		}
	} else {
		written, err = transfer.Copy(ctx, e.gateway, req.Source, req.Target, p)
		if err != nil {
			return outcomePending, 0, &PathError{Op: "copy", Path: p, Err: model.WrapContextErr(err)}
		}
		e.notify(ctx, req.Target, p)
	}

	if req.PurgeSource {
		if _, err := e.gateway.Delete(ctx, req.Source, p); err != nil {
			return outcomePending, written, &PathError{Op: "purge", Path: p, Err: model.WrapContextErr(err)}
		}
		e.notify(ctx, req.Source, p)
	}
	return outcomeCompleted, written, nil
}

func (e *Engine) logSkipped(req Request, p, reason string) {
	e.logger.WithFields(logrus.Fields{
		"action": "promote",
		"source": req.Source.String(),
		"target": req.Target.String(),
		"path":   p,
		"reason": reason,
	}).Info("promote_path_skipped")
}

// sameContent 比较源与目标的摘要。源不存在时 sourceFound 为 false。
func (e *Engine) sameContent(ctx context.Context, source, target model.StoreKey, p string) (same bool, sourceFound bool, err error) {
	sourceSum, err := e.digest(ctx, source, p)
	if transfer.IsNotFound(err) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	targetSum, err := e.digest(ctx, target, p)
	if err != nil {
		return false, true, err
	}
	return sourceSum == targetSum, true, nil
}

func (e *Engine) digest(ctx context.Context, key model.StoreKey, p string) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	reader, err := e.gateway.OpenRead(ctx, key, p)
	if err != nil {
		return sum, err
	}
	defer reader.Close()
	h := sha256.New()
	if _, err := io.Copy(h, reader); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

func (e *Engine) notify(ctx context.Context, key model.StoreKey, p string) {
	if e.opts.Listener == nil {
		return
	}
	if err := e.opts.Listener.OnStoreContentChanged(ctx, key, p); err != nil {
		e.logger.WithFields(logrus.Fields{
			"action": "promote",
			"store":  key.String(),
			"path":   p,
		}).WithError(err).Warn("promote_notify_failed")
	}
}

func (e *Engine) logFields(result *Result) *logrus.Entry {
	return e.logger.WithFields(logrus.Fields{
		"action":    "promote",
		"promotion": result.ID,
		"source":    result.Request.Source.String(),
		"target":    result.Request.Target.String(),
	})
}

func normalizePaths(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	set := newPathSet()
	for _, p := range paths {
		if cleaned := transfer.CleanPath(p); cleaned != "" {
			set.add(cleaned)
		}
	}
	return set.sorted()
}

// IsRequestError 判断错误是否是请求级错误。
func IsRequestError(err error) bool {
	var target *RequestError
	return errors.As(err, &target)
}
