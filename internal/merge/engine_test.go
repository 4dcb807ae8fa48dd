package merge

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/any-repo/internal/model"
	_ "github.com/any-hub/any-repo/internal/pkgtype/maven"
	"github.com/any-hub/any-repo/internal/registry"
	"github.com/any-hub/any-repo/internal/transfer"
)

const metaPath = "org/example/demo/maven-metadata.xml"

var summary = model.NewChangeSummary("tester", "merge test")

func hosted(name string) *model.ArtifactStore {
	return &model.ArtifactStore{Key: model.NewStoreKey("maven", model.StoreTypeHosted, name)}
}

func group(name string, members ...*model.ArtifactStore) *model.ArtifactStore {
	g := &model.ArtifactStore{Key: model.NewStoreKey("maven", model.StoreTypeGroup, name)}
	for _, m := range members {
		g.Constituents = append(g.Constituents, m.Key)
	}
	return g
}

func metadataXML(versions ...string) string {
	var b strings.Builder
	b.WriteString("<metadata><groupId>org.example</groupId><artifactId>demo</artifactId><versioning><versions>")
	for _, v := range versions {
		fmt.Fprintf(&b, "<version>%s</version>", v)
	}
	b.WriteString("</versions></versioning></metadata>")
	return b.String()
}

// countingGateway 统计每个仓库的读取次数，可选地在读取成员前延迟。
type countingGateway struct {
	transfer.Gateway
	delay time.Duration
	mu    sync.Mutex
	reads map[model.StoreKey]int
}

func (g *countingGateway) OpenRead(ctx context.Context, key model.StoreKey, p string) (io.ReadCloser, error) {
	if key.Type != model.StoreTypeGroup {
		g.mu.Lock()
		g.reads[key]++
		g.mu.Unlock()
		if g.delay > 0 {
			time.Sleep(g.delay)
		}
	}
	return g.Gateway.OpenRead(ctx, key, p)
}

func (g *countingGateway) readsOf(key model.StoreKey) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reads[key]
}

// blockingGateway 在读取成员时一直阻塞到 ctx 结束。
type blockingGateway struct {
	transfer.Gateway
}

func (g *blockingGateway) OpenRead(ctx context.Context, key model.StoreKey, p string) (io.ReadCloser, error) {
	if key.Type != model.StoreTypeGroup {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return g.Gateway.OpenRead(ctx, key, p)
}

type fixture struct {
	registry *registry.MemoryRegistry
	gateway  *countingGateway
	engine   *Engine
}

func newFixture(t *testing.T, stores ...*model.ArtifactStore) *fixture {
	t.Helper()
	reg, err := registry.NewMemoryRegistry(context.Background(), registry.Options{})
	require.NoError(t, err)
	for _, s := range stores {
		_, err := reg.Put(context.Background(), s, summary, false)
		require.NoError(t, err)
	}
	fsGateway, err := transfer.NewFSGateway(afero.NewMemMapFs(), "/storage")
	require.NoError(t, err)
	gw := &countingGateway{Gateway: fsGateway, reads: map[model.StoreKey]int{}}
	return &fixture{registry: reg, gateway: gw, engine: NewEngine(reg, gw, Options{FetchWorkers: 2})}
}

func (f *fixture) write(t *testing.T, key model.StoreKey, p, body string) {
	t.Helper()
	require.NoError(t, transfer.WriteAll(context.Background(), f.gateway, key, p, []byte(body)))
}

func (f *fixture) exists(t *testing.T, key model.StoreKey, p string) bool {
	t.Helper()
	ok, err := f.gateway.Exists(context.Background(), key, p)
	require.NoError(t, err)
	return ok
}

func TestResolveMergesAndRecordsProvenance(t *testing.T) {
	ctx := context.Background()
	a, b, c := hosted("a"), hosted("b"), hosted("c")
	g := group("public", a, b, c)
	f := newFixture(t, a, b, c, g)
	f.write(t, a.Key, metaPath, metadataXML("1.0"))
	f.write(t, b.Key, metaPath, metadataXML("1.1"))

	data, err := f.engine.Resolve(ctx, g.Key, "/"+metaPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<version>1.0</version>")
	assert.Contains(t, string(data), "<version>1.1</version>")

	provenance, err := f.engine.Provenance(ctx, g.Key, metaPath)
	require.NoError(t, err)
	assert.Equal(t, []model.StoreKey{a.Key, b.Key}, provenance)

	again, err := f.engine.Resolve(ctx, g.Key, metaPath)
	require.NoError(t, err)
	assert.Equal(t, data, again)
	assert.Equal(t, 1, f.gateway.readsOf(a.Key), "缓存命中时不应重新拉取成员")
}

func TestResolveOutputIgnoresMemberOrder(t *testing.T) {
	ctx := context.Background()
	a, b := hosted("a"), hosted("b")
	g1 := group("first", a, b)
	g2 := group("second", b, a)
	f := newFixture(t, a, b, g1, g2)
	f.write(t, a.Key, metaPath, metadataXML("1.0", "2.0"))
	f.write(t, b.Key, metaPath, metadataXML("1.5"))

	one, err := f.engine.Resolve(ctx, g1.Key, metaPath)
	require.NoError(t, err)
	two, err := f.engine.Resolve(ctx, g2.Key, metaPath)
	require.NoError(t, err)
	assert.Equal(t, string(one), string(two))
}

func TestResolveSkipsBrokenSource(t *testing.T) {
	ctx := context.Background()
	a, b := hosted("a"), hosted("b")
	g := group("public", a, b)
	f := newFixture(t, a, b, g)
	f.write(t, a.Key, metaPath, "<metadata><broken")
	f.write(t, b.Key, metaPath, metadataXML("3.0"))

	data, err := f.engine.Resolve(ctx, g.Key, metaPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "3.0")

	provenance, err := f.engine.Provenance(ctx, g.Key, metaPath)
	require.NoError(t, err)
	assert.Equal(t, []model.StoreKey{b.Key}, provenance)
}

func TestResolveAbsentWritesNothing(t *testing.T) {
	ctx := context.Background()
	a, b := hosted("a"), hosted("b")
	g := group("public", a, b)
	f := newFixture(t, a, b, g)
	f.write(t, b.Key, metaPath, "not xml <")

	_, err := f.engine.Resolve(ctx, g.Key, metaPath)
	assert.True(t, errors.Is(err, ErrAbsent))
	assert.False(t, f.exists(t, g.Key, metaPath))
	assert.False(t, f.exists(t, g.Key, metaPath+InfoSuffix))

	// 之后成员补齐内容，重试会重新生成
	f.write(t, a.Key, metaPath, metadataXML("1.0"))
	data, err := f.engine.Resolve(ctx, g.Key, metaPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "1.0")
}

func TestResolveRejectsInvalidTargets(t *testing.T) {
	ctx := context.Background()
	a := hosted("a")
	g := group("public", a)
	f := newFixture(t, a, g)

	_, err := f.engine.Resolve(ctx, g.Key, "org/example/demo/1.0/demo-1.0.jar")
	assert.True(t, errors.Is(err, ErrNotMergeable))

	_, err = f.engine.Resolve(ctx, a.Key, metaPath)
	var invalid *model.InvalidGroupConfigError
	assert.True(t, errors.As(err, &invalid))

	_, err = f.engine.Resolve(ctx, model.NewStoreKey("maven", model.StoreTypeGroup, "missing"), metaPath)
	assert.True(t, model.IsStoreNotFound(err))
}

func TestResolveDerivedChecksum(t *testing.T) {
	ctx := context.Background()
	a := hosted("a")
	g := group("public", a)
	f := newFixture(t, a, g)
	f.write(t, a.Key, metaPath, metadataXML("1.0"))

	digest, err := f.engine.Resolve(ctx, g.Key, metaPath+".sha1")
	require.NoError(t, err)

	canonical, err := f.engine.Resolve(ctx, g.Key, metaPath)
	require.NoError(t, err)
	sum := sha1.Sum(canonical)
	assert.Equal(t, hex.EncodeToString(sum[:]), string(digest))
	assert.True(t, f.exists(t, g.Key, metaPath+".sha1"))
	assert.Equal(t, 1, f.gateway.readsOf(a.Key))
}

func TestOnStoreContentChangedCascades(t *testing.T) {
	ctx := context.Background()
	a := hosted("a")
	inner := group("inner", a)
	outer := group("outer", inner)
	f := newFixture(t, a, inner, outer)
	f.write(t, a.Key, metaPath, metadataXML("1.0"))

	_, err := f.engine.Resolve(ctx, inner.Key, metaPath)
	require.NoError(t, err)
	_, err = f.engine.Resolve(ctx, outer.Key, metaPath+".md5")
	require.NoError(t, err)
	require.True(t, f.exists(t, outer.Key, metaPath+".md5"))

	f.write(t, a.Key, metaPath, metadataXML("1.0", "2.0"))
	require.NoError(t, f.engine.OnStoreContentChanged(ctx, a.Key, metaPath))

	for _, key := range []model.StoreKey{inner.Key, outer.Key} {
		assert.False(t, f.exists(t, key, metaPath), key.String())
		assert.False(t, f.exists(t, key, metaPath+InfoSuffix), key.String())
	}
	assert.False(t, f.exists(t, outer.Key, metaPath+".md5"))

	data, err := f.engine.Resolve(ctx, outer.Key, metaPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "2.0")
}

func TestOnStoreContentChangedIgnoresPlainArtifacts(t *testing.T) {
	a := hosted("a")
	g := group("public", a)
	f := newFixture(t, a, g)
	f.write(t, g.Key, "org/example/demo/1.0/demo-1.0.jar", "jar")

	require.NoError(t, f.engine.OnStoreContentChanged(context.Background(), a.Key, "org/example/demo/1.0/demo-1.0.jar"))
	assert.True(t, f.exists(t, g.Key, "org/example/demo/1.0/demo-1.0.jar"))
}

func TestListenerInvalidatesOnMembershipChange(t *testing.T) {
	ctx := context.Background()
	a, b := hosted("a"), hosted("b")
	g := group("public", a)
	f := newFixture(t, a, b, g)
	f.registry.Subscribe(f.engine.Listener())
	f.write(t, a.Key, metaPath, metadataXML("1.0"))
	f.write(t, b.Key, metaPath, metadataXML("9.0"))

	data, err := f.engine.Resolve(ctx, g.Key, metaPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "9.0")

	// 描述变化不影响成员，缓存保留
	described := g.Clone()
	described.Description = "renamed"
	_, err = f.registry.Put(ctx, described, summary, false)
	require.NoError(t, err)
	assert.True(t, f.exists(t, g.Key, metaPath))

	updated := group("public", a, b)
	_, err = f.registry.Put(ctx, updated, summary, false)
	require.NoError(t, err)
	assert.False(t, f.exists(t, g.Key, metaPath))

	data, err = f.engine.Resolve(ctx, g.Key, metaPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "9.0")

	require.NoError(t, f.registry.Delete(ctx, b.Key, summary))
	assert.False(t, f.exists(t, g.Key, metaPath))
}

func TestConcurrentResolveGeneratesOnce(t *testing.T) {
	a, b := hosted("a"), hosted("b")
	g := group("public", a, b)
	f := newFixture(t, a, b, g)
	f.write(t, a.Key, metaPath, metadataXML("1.0"))
	f.write(t, b.Key, metaPath, metadataXML("2.0"))
	f.gateway.delay = 20 * time.Millisecond

	var (
		wg      sync.WaitGroup
		failed  atomic.Int32
		results = make([]string, 16)
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := f.engine.Resolve(context.Background(), g.Key, metaPath)
			if err != nil {
				failed.Add(1)
				return
			}
			results[i] = string(data)
		}(i)
	}
	wg.Wait()

	require.Zero(t, failed.Load())
	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
	assert.Equal(t, 1, f.gateway.readsOf(a.Key))
	assert.Equal(t, 1, f.gateway.readsOf(b.Key))
	assert.Zero(t, f.engine.locks.size())
}

func TestResolveTimeoutLeavesNoCache(t *testing.T) {
	a := hosted("a")
	g := group("public", a)
	f := newFixture(t, a, g)
	f.write(t, a.Key, metaPath, metadataXML("1.0"))

	engine := NewEngine(f.registry, &blockingGateway{Gateway: f.gateway.Gateway}, Options{Timeout: 50 * time.Millisecond})
	_, err := engine.Resolve(context.Background(), g.Key, metaPath)
	assert.True(t, errors.Is(err, model.ErrTimeout))
	assert.False(t, f.exists(t, g.Key, metaPath))
	assert.False(t, f.exists(t, g.Key, metaPath+InfoSuffix))
}

func TestInvalidateGroupSweepsMergedDocuments(t *testing.T) {
	ctx := context.Background()
	a := hosted("a")
	g := group("public", a)
	f := newFixture(t, a, g)
	other := "org/example/other/maven-metadata.xml"
	f.write(t, a.Key, metaPath, metadataXML("1.0"))
	f.write(t, a.Key, other, metadataXML("4.0"))

	_, err := f.engine.Resolve(ctx, g.Key, metaPath)
	require.NoError(t, err)
	_, err = f.engine.Resolve(ctx, g.Key, other+".sha256")
	require.NoError(t, err)
	f.write(t, g.Key, "org/example/demo/1.0/demo-1.0.jar", "jar")

	require.NoError(t, f.engine.InvalidateGroup(ctx, g.Key))
	assert.False(t, f.exists(t, g.Key, metaPath))
	assert.False(t, f.exists(t, g.Key, other))
	assert.False(t, f.exists(t, g.Key, other+".sha256"))
	assert.True(t, f.exists(t, g.Key, "org/example/demo/1.0/demo-1.0.jar"))
}
