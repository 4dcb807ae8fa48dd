package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/any-hub/any-repo/internal/logging"
	"github.com/any-hub/any-repo/internal/metrics"
	"github.com/any-hub/any-repo/internal/model"
	"github.com/any-hub/any-repo/internal/nfc"
)

// StoreLookup 只需要按 key 查询仓库定义，registry 满足该接口。
type StoreLookup interface {
	Get(ctx context.Context, key model.StoreKey) (*model.ArtifactStore, error)
}

// RemoteOptions 控制上游访问行为。
type RemoteOptions struct {
	Client         *http.Client
	NFC            nfc.Cache
	DefaultNFCTTL  time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	// RatePerSecond 为每个远端仓库的请求速率上限，<=0 表示不限速。
	RatePerSecond float64
	// FetchTimeout 限制一次共享回源（含重试）的总时长，<=0 时按客户端超时与重试次数推算。
	FetchTimeout time.Duration
	Logger       *logrus.Logger
	Metrics      metrics.Recorder
}

// RemoteGateway 包装本地网关：远端仓库的内容先查本地缓存，缺失时在 NFC 允许的情况下
// 回源拉取并写入本地；其它类型的仓库直接透传给本地网关。
type RemoteGateway struct {
	local  Gateway
	stores StoreLookup
	opts   RemoteOptions

	group    singleflight.Group
	limiters sync.Map
}

// NewRemoteGateway 创建远端网关。
func NewRemoteGateway(local Gateway, stores StoreLookup, opts RemoteOptions) *RemoteGateway {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.NFC == nil {
		opts.NFC = nfc.NewMemoryCache()
	}
	if opts.DefaultNFCTTL <= 0 {
		opts.DefaultNFCTTL = 5 * time.Minute
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 2 * time.Minute
		if opts.Client.Timeout > 0 {
			opts.FetchTimeout = opts.Client.Timeout * time.Duration(opts.MaxRetries+1)
		}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	opts.Metrics = metrics.OrNoop(opts.Metrics)
	return &RemoteGateway{local: local, stores: stores, opts: opts}
}

// NFC 返回当前使用的缺失缓存。
func (g *RemoteGateway) NFC() nfc.Cache {
	return g.opts.NFC
}

func (g *RemoteGateway) Exists(ctx context.Context, key model.StoreKey, p string) (bool, error) {
	ok, err := g.local.Exists(ctx, key, p)
	if err != nil || ok || key.Type != model.StoreTypeRemote {
		return ok, err
	}
	return g.fetch(ctx, key, p)
}

func (g *RemoteGateway) OpenRead(ctx context.Context, key model.StoreKey, p string) (io.ReadCloser, error) {
	reader, err := g.local.OpenRead(ctx, key, p)
	if err == nil || key.Type != model.StoreTypeRemote || !IsNotFound(err) {
		return reader, err
	}
	found, err := g.fetch(ctx, key, p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, newFailure("read", key, p, ErrNotFound)
	}
	return g.local.OpenRead(ctx, key, p)
}

func (g *RemoteGateway) OpenWrite(ctx context.Context, key model.StoreKey, p string) (Writer, error) {
	return g.local.OpenWrite(ctx, key, p)
}

func (g *RemoteGateway) Delete(ctx context.Context, key model.StoreKey, p string) (bool, error) {
	return g.local.Delete(ctx, key, p)
}

func (g *RemoteGateway) List(ctx context.Context, key model.StoreKey, dir string) ([]string, error) {
	return g.local.List(ctx, key, dir)
}

// fetch 在允许的情况下回源，返回上游是否存在该内容。
func (g *RemoteGateway) fetch(ctx context.Context, key model.StoreKey, p string) (bool, error) {
	store, err := g.stores.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if store.Disabled || store.CacheOnly || store.URL == "" {
		return false, nil
	}

	ttl := g.opts.DefaultNFCTTL
	if store.NFCTimeout > 0 {
		ttl = store.NFCTimeout
	}
	missing, err := g.opts.NFC.IsKnownMissing(ctx, key, p, ttl)
	if err != nil {
		g.logFields(key, p).WithError(err).Warn("nfc_lookup_failed")
	}
	g.opts.Metrics.RecordNFCLookup(missing)
	if missing {
		return false, nil
	}

	// 同一路径的并发请求共享一次回源，回源不跟随任何单个调用方取消
	ch := g.group.DoChan(key.String()+"\x00"+p, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.FetchTimeout)
		defer cancel()
		return g.fetchUpstream(fetchCtx, store, p)
	})
	select {
	case <-ctx.Done():
		return false, model.WrapContextErr(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	}
}

func (g *RemoteGateway) fetchUpstream(ctx context.Context, store *model.ArtifactStore, p string) (bool, error) {
	key := store.Key
	target, err := url.JoinPath(store.URL, CleanPath(p))
	if err != nil {
		return false, newFailure("fetch", key, p, err)
	}
	if err := g.limiter(key).Wait(ctx); err != nil {
		return false, model.WrapContextErr(err)
	}

	started := time.Now()
	backoff := g.opts.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= g.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, model.WrapContextErr(ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		found, retry, err := g.fetchOnce(ctx, key, p, target)
		if err == nil {
			g.opts.Metrics.RecordUpstreamFetch(key.PackageType, true, time.Since(started))
			return found, nil
		}
		lastErr = err
		if !retry {
			break
		}
		g.logFields(key, p).WithError(err).WithField("attempt", attempt+1).Warn("upstream_fetch_retry")
	}
	g.opts.Metrics.RecordUpstreamFetch(key.PackageType, false, time.Since(started))
	return false, lastErr
}

func (g *RemoteGateway) fetchOnce(ctx context.Context, key model.StoreKey, p, target string) (found bool, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, false, newFailure("fetch", key, p, err)
	}
	resp, err := g.opts.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, false, model.WrapContextErr(ctx.Err())
		}
		return false, true, newFailure("fetch", key, p, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		if err := g.opts.NFC.Record(ctx, key, p); err != nil {
			g.logFields(key, p).WithError(err).Warn("nfc_record_failed")
		}
		g.logFields(key, p).WithField("upstream", target).Debug("nfc_recorded")
		return false, false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if _, err := Write(ctx, g.local, key, p, resp.Body); err != nil {
			if ctx.Err() != nil {
				return false, false, model.WrapContextErr(ctx.Err())
			}
			return false, true, err
		}
		if err := g.opts.NFC.Clear(ctx, key, p); err != nil {
			g.logFields(key, p).WithError(err).Warn("nfc_clear_failed")
		}
		return true, false, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return false, true, newFailure("fetch", key, p, fmt.Errorf("upstream status %d", resp.StatusCode))
	default:
		return false, false, newFailure("fetch", key, p, fmt.Errorf("upstream status %d", resp.StatusCode))
	}
}

func (g *RemoteGateway) limiter(key model.StoreKey) *rate.Limiter {
	if g.opts.RatePerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if existing, ok := g.limiters.Load(key); ok {
		return existing.(*rate.Limiter)
	}
	burst := int(g.opts.RatePerSecond)
	if burst < 1 {
		burst = 1
	}
	actual, _ := g.limiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(g.opts.RatePerSecond), burst))
	return actual.(*rate.Limiter)
}

func (g *RemoteGateway) logFields(key model.StoreKey, p string) *logrus.Entry {
	return g.opts.Logger.WithFields(logrus.Fields{
		"action": "remote_fetch",
		"store":  key.String(),
		"path":   p,
	})
}

// ProbeUpstream 对远端地址发起 HEAD 请求，判断是否可达。
func ProbeUpstream(ctx context.Context, client *http.Client, rawURL string) error {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("upstream %s responded %d", rawURL, resp.StatusCode)
	}
	return nil
}

var _ Gateway = (*RemoteGateway)(nil)
var _ Gateway = (*FSGateway)(nil)

