package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/any-repo/internal/model"
)

func TestSQLitePersisterReload(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "registry.db")

	persister, err := OpenSQLite(ctx, dbPath)
	require.NoError(t, err)

	r, err := NewMemoryRegistry(ctx, Options{Persister: persister})
	require.NoError(t, err)

	a := hosted("A")
	central := remote("central")
	central.NFCTimeout = 90 * time.Second
	top := group("top", a, central)
	for _, s := range []*model.ArtifactStore{a, central, top} {
		_, err := r.Put(ctx, s, summary, false)
		require.NoError(t, err)
	}
	require.NoError(t, r.Delete(ctx, a.Key, summary))
	require.NoError(t, persister.Close())

	reopened, err := OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	restored, err := NewMemoryRegistry(ctx, Options{Persister: reopened})
	require.NoError(t, err)

	all, err := restored.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"central", "top"}, names(all))

	got, err := restored.Get(ctx, central.Key)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, got.NFCTimeout)

	members, err := restored.OrderedMembers(ctx, top.Key, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"central"}, names(members), "被删除的成员应作为悬空引用被跳过")
}
