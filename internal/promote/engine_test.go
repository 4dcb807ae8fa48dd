package promote

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/any-repo/internal/model"
	"github.com/any-hub/any-repo/internal/registry"
	"github.com/any-hub/any-repo/internal/transfer"
)

var summary = model.NewChangeSummary("tester", "promote test")

func hosted(name string) *model.ArtifactStore {
	return &model.ArtifactStore{Key: model.NewStoreKey("maven", model.StoreTypeHosted, name)}
}

// flakyGateway 可以让指定路径的写入失败，并统计写入次数。
type flakyGateway struct {
	transfer.Gateway
	mu        sync.Mutex
	failWrite map[string]bool
	block     map[string]bool
	writes    map[string]int
}

func (g *flakyGateway) OpenWrite(ctx context.Context, key model.StoreKey, p string) (transfer.Writer, error) {
	g.mu.Lock()
	fail, block := g.failWrite[p], g.block[p]
	g.writes[p]++
	g.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, errors.New("disk full")
	}
	return g.Gateway.OpenWrite(ctx, key, p)
}

func (g *flakyGateway) setFail(p string, fail bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failWrite[p] = fail
}

func (g *flakyGateway) writesOf(p string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writes[p]
}

type recordingListener struct {
	mu      sync.Mutex
	changes []string
}

func (l *recordingListener) OnStoreContentChanged(_ context.Context, key model.StoreKey, p string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, key.Name+":"+p)
	return nil
}

type fixture struct {
	registry *registry.MemoryRegistry
	gateway  *flakyGateway
	listener *recordingListener
	engine   *Engine
	source   *model.ArtifactStore
	target   *model.ArtifactStore
}

func newFixture(t *testing.T, extra ...*model.ArtifactStore) *fixture {
	t.Helper()
	ctx := context.Background()
	reg, err := registry.NewMemoryRegistry(ctx, registry.Options{})
	require.NoError(t, err)
	source, target := hosted("staging"), hosted("release")
	for _, s := range append([]*model.ArtifactStore{source, target}, extra...) {
		_, err := reg.Put(ctx, s, summary, false)
		require.NoError(t, err)
	}
	fsGateway, err := transfer.NewFSGateway(afero.NewMemMapFs(), "/storage")
	require.NoError(t, err)
	gw := &flakyGateway{Gateway: fsGateway, failWrite: map[string]bool{}, block: map[string]bool{}, writes: map[string]int{}}
	listener := &recordingListener{}
	engine := NewEngine(reg, gw, Options{Workers: 3, LockTimeout: 50 * time.Millisecond, Listener: listener})
	return &fixture{registry: reg, gateway: gw, listener: listener, engine: engine, source: source, target: target}
}

func (f *fixture) seed(t *testing.T, key model.StoreKey, files map[string]string) {
	t.Helper()
	for p, body := range files {
		require.NoError(t, transfer.WriteAll(context.Background(), f.gateway.Gateway, key, p, []byte(body)))
	}
}

func (f *fixture) read(t *testing.T, key model.StoreKey, p string) (string, bool) {
	t.Helper()
	data, err := transfer.ReadAll(context.Background(), f.gateway.Gateway, key, p)
	if transfer.IsNotFound(err) {
		return "", false
	}
	require.NoError(t, err)
	return string(data), true
}

var files = map[string]string{
	"org/foo/1.0/foo-1.0.jar": "jar",
	"org/foo/1.0/foo-1.0.pom": "pom",
	"org/bar/2.0/bar-2.0.jar": "bar",
}

func TestPromoteAllPathsWithPurge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, f.source.Key, files)

	result, err := f.engine.Promote(ctx, Request{Source: f.source.Key, Target: f.target.Key, PurgeSource: true})
	require.NoError(t, err)
	assert.NotEmpty(t, result.ID)
	assert.Empty(t, result.Error)
	assert.Empty(t, result.PendingPaths)
	assert.Equal(t, []string{"org/bar/2.0/bar-2.0.jar", "org/foo/1.0/foo-1.0.jar", "org/foo/1.0/foo-1.0.pom"}, result.CompletedPaths)

	for p, body := range files {
		got, ok := f.read(t, f.target.Key, p)
		assert.True(t, ok, p)
		assert.Equal(t, body, got)
		_, ok = f.read(t, f.source.Key, p)
		assert.False(t, ok, "purge 后源仓库不应再有 %s", p)
	}
	assert.Contains(t, f.listener.changes, "release:org/foo/1.0/foo-1.0.jar")
	assert.Contains(t, f.listener.changes, "staging:org/foo/1.0/foo-1.0.jar")
}

func TestPromoteRejectsInvalidRequests(t *testing.T) {
	ctx := context.Background()
	ro := hosted("frozen")
	ro.Readonly = true
	off := hosted("off")
	off.Disabled = true
	rem := &model.ArtifactStore{Key: model.NewStoreKey("maven", model.StoreTypeRemote, "central"), URL: "https://repo.example.invalid"}
	f := newFixture(t, ro, off, rem)
	f.seed(t, f.source.Key, files)

	cases := map[string]Request{
		"missing target": {Source: f.source.Key, Target: model.NewStoreKey("maven", model.StoreTypeHosted, "nope")},
		"missing source": {Source: model.NewStoreKey("maven", model.StoreTypeHosted, "nope"), Target: f.target.Key},
		"remote target":  {Source: f.source.Key, Target: rem.Key},
		"readonly":       {Source: f.source.Key, Target: ro.Key},
		"disabled":       {Source: f.source.Key, Target: off.Key},
		"same store":     {Source: f.source.Key, Target: f.source.Key},
	}
	for name, req := range cases {
		_, err := f.engine.Promote(ctx, req)
		assert.True(t, IsRequestError(err), name)
	}
	for p := range files {
		assert.Zero(t, f.gateway.writesOf(p), "非法请求不应写入 %s", p)
	}
}

func TestPromoteDryRunIsPure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, f.source.Key, files)

	result, err := f.engine.Promote(ctx, Request{Source: f.source.Key, Target: f.target.Key, PurgeSource: true, DryRun: true})
	require.NoError(t, err)
	assert.Len(t, result.PendingPaths, len(files))
	assert.Empty(t, result.CompletedPaths)

	for p := range files {
		_, ok := f.read(t, f.target.Key, p)
		assert.False(t, ok)
		_, ok = f.read(t, f.source.Key, p)
		assert.True(t, ok)
	}
	assert.Empty(t, f.listener.changes)
}

func TestPromoteRollbackRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, f.source.Key, files)

	promoted, err := f.engine.Promote(ctx, Request{
		Source: f.source.Key,
		Target: f.target.Key,
		Paths:  []string{"/org/foo/1.0/foo-1.0.jar", "org/foo/1.0/foo-1.0.pom"},
	})
	require.NoError(t, err)
	require.Len(t, promoted.CompletedPaths, 2)

	rolled, err := f.engine.Rollback(ctx, promoted)
	require.NoError(t, err)
	assert.Equal(t, promoted.ID, rolled.ID)
	assert.Empty(t, rolled.CompletedPaths)
	assert.Equal(t, promoted.CompletedPaths, rolled.PendingPaths)
	assert.Empty(t, rolled.Error)

	for _, p := range promoted.CompletedPaths {
		_, ok := f.read(t, f.target.Key, p)
		assert.False(t, ok)
		_, ok = f.read(t, f.source.Key, p)
		assert.True(t, ok)
	}
}

func TestRollbackDoesNotRestorePurgedSource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, f.source.Key, files)

	promoted, err := f.engine.Promote(ctx, Request{Source: f.source.Key, Target: f.target.Key, PurgeSource: true})
	require.NoError(t, err)
	rolled, err := f.engine.Rollback(ctx, promoted)
	require.NoError(t, err)
	assert.Len(t, rolled.PendingPaths, len(files))

	for p := range files {
		_, ok := f.read(t, f.target.Key, p)
		assert.False(t, ok)
		_, ok = f.read(t, f.source.Key, p)
		assert.False(t, ok, "rollback 不恢复已 purge 的源内容")
	}
}

func TestPromotePartialFailureThenResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, f.source.Key, files)
	broken := "org/foo/1.0/foo-1.0.pom"
	f.gateway.setFail(broken, true)

	first, err := f.engine.Promote(ctx, Request{Source: f.source.Key, Target: f.target.Key})
	require.NoError(t, err)
	assert.Equal(t, []string{broken}, first.PendingPaths)
	assert.Len(t, first.CompletedPaths, 2)
	assert.Contains(t, first.Error, "disk full")

	f.gateway.setFail(broken, false)
	resumed, err := f.engine.Resume(ctx, first)
	require.NoError(t, err)
	assert.Empty(t, resumed.PendingPaths)
	assert.Len(t, resumed.CompletedPaths, 3)
	assert.Empty(t, resumed.Error)
	assert.Equal(t, 1, f.gateway.writesOf("org/foo/1.0/foo-1.0.jar"), "resume 不应重复复制已完成路径")

	got, ok := f.read(t, f.target.Key, broken)
	require.True(t, ok)
	assert.Equal(t, "pom", got)
}

func TestPromoteRerunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, f.source.Key, files)
	f.seed(t, f.target.Key, map[string]string{"org/bar/2.0/bar-2.0.jar": "different"})

	req := Request{Source: f.source.Key, Target: f.target.Key}
	first, err := f.engine.Promote(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"org/bar/2.0/bar-2.0.jar"}, first.SkippedPaths)
	assert.Len(t, first.CompletedPaths, 2)

	second, err := f.engine.Promote(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, second.CompletedPaths, "再次执行不应认领已存在的目标内容")
	assert.Len(t, second.SkippedPaths, 3)
	assert.Empty(t, second.PendingPaths)
	assert.Equal(t, 1, f.gateway.writesOf("org/foo/1.0/foo-1.0.jar"))

	got, _ := f.read(t, f.target.Key, "org/bar/2.0/bar-2.0.jar")
	assert.Equal(t, "different", got, "目标已有不同内容时不覆盖")
}

func TestRollbackKeepsPreexistingTargetContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, f.source.Key, map[string]string{"a.jar": "same", "b.jar": "new"})
	f.seed(t, f.target.Key, map[string]string{"a.jar": "same"})

	promoted, err := f.engine.Promote(ctx, Request{Source: f.source.Key, Target: f.target.Key, Paths: []string{"a.jar", "b.jar"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b.jar"}, promoted.CompletedPaths)
	assert.Equal(t, []string{"a.jar"}, promoted.SkippedPaths)
	assert.Zero(t, f.gateway.writesOf("a.jar"))

	rolled, err := f.engine.Rollback(ctx, promoted)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jar"}, rolled.SkippedPaths)

	got, ok := f.read(t, f.target.Key, "a.jar")
	assert.True(t, ok, "rollback 不应删除 promotion 之前已存在的内容")
	assert.Equal(t, "same", got)
	_, ok = f.read(t, f.target.Key, "b.jar")
	assert.False(t, ok)
}

func TestResumeCompletesPathAlreadyCopied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, f.source.Key, map[string]string{"a.jar": "same", "b.jar": "mine"})
	// 上一次已写入目标，但后续 purge 失败，路径仍是 pending
	f.seed(t, f.target.Key, map[string]string{"a.jar": "same", "b.jar": "theirs"})
	prior := &Result{
		ID:           "prior",
		Request:      Request{Source: f.source.Key, Target: f.target.Key, PurgeSource: true},
		PendingPaths: []string{"a.jar", "b.jar"},
	}

	resumed, err := f.engine.Resume(ctx, prior)
	require.NoError(t, err)
	assert.Equal(t, "prior", resumed.ID)
	assert.Equal(t, []string{"a.jar"}, resumed.CompletedPaths)
	assert.Equal(t, []string{"b.jar"}, resumed.SkippedPaths)
	assert.Empty(t, resumed.PendingPaths)

	_, ok := f.read(t, f.source.Key, "a.jar")
	assert.False(t, ok, "完成后应 purge 源内容")
	got, _ := f.read(t, f.target.Key, "b.jar")
	assert.Equal(t, "theirs", got)
}

func TestPromoteTimeoutLeavesPathsPending(t *testing.T) {
	f := newFixture(t)
	f.seed(t, f.source.Key, files)
	f.gateway.block["org/foo/1.0/foo-1.0.pom"] = true

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	result, err := f.engine.Promote(ctx, Request{Source: f.source.Key, Target: f.target.Key})
	require.NoError(t, err)
	assert.Contains(t, result.PendingPaths, "org/foo/1.0/foo-1.0.pom")
	assert.True(t, strings.Contains(result.Error, model.ErrTimeout.Error()), result.Error)
	_, ok := f.read(t, f.target.Key, "org/foo/1.0/foo-1.0.pom")
	assert.False(t, ok)
}

func TestPromoteTargetLockTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, f.source.Key, files)

	unlock, err := f.engine.lockTarget(ctx, f.target.Key)
	require.NoError(t, err)
	_, err = f.engine.Promote(ctx, Request{Source: f.source.Key, Target: f.target.Key})
	assert.True(t, errors.Is(err, ErrLocked))
	unlock()

	_, err = f.engine.Promote(ctx, Request{Source: f.source.Key, Target: f.target.Key})
	assert.NoError(t, err)
}
