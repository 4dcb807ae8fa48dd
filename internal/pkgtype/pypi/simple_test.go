package pypi

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/any-repo/internal/pkgtype"
)

const indexA = `<!DOCTYPE html><html><head><title>Links for demo</title></head><body>
<h1>Links for demo</h1>
<a href="https://files.example.org/demo-1.0.tar.gz#sha256=aaa">demo-1.0.tar.gz</a><br/>
<a href="https://files.example.org/demo-1.1-py3-none-any.whl#sha256=bbb" data-requires-python="&gt;=3.8">demo-1.1-py3-none-any.whl</a><br/>
</body></html>`

const indexB = `<!DOCTYPE html><html><head><title>Links for demo</title></head><body>
<a href="https://mirror.example.com/demo-1.0.tar.gz#sha256=zzz">demo-1.0.tar.gz</a><br/>
<a href="https://mirror.example.com/demo-2.0.tar.gz#sha256=ccc">demo-2.0.tar.gz</a><br/>
</body></html>`

func TestMergeSimpleIndexUnion(t *testing.T) {
	res, err := MergeSimpleIndex([]pkgtype.Source{
		{ID: "a", Data: []byte(indexA)},
		{ID: "b", Data: []byte(indexB)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Contributors)

	out := string(res.Data)
	assert.Contains(t, out, "<title>Links for demo</title>")
	assert.Contains(t, out, "sha256=aaa")
	assert.NotContains(t, out, "sha256=zzz", "同名文件应保留第一个来源")
	assert.Contains(t, out, "demo-2.0.tar.gz")
	assert.Contains(t, out, `data-requires-python="&gt;=3.8"`)
	assert.Less(t, strings.Index(out, "demo-1.0.tar.gz"), strings.Index(out, "demo-2.0.tar.gz"))
}

func TestMergeSimpleIndexSkipsEmpty(t *testing.T) {
	res, err := MergeSimpleIndex([]pkgtype.Source{
		{ID: "a", Data: nil},
		{ID: "b", Data: []byte(indexB)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, res.Contributors)
	require.Len(t, res.Failures, 1)

	_, err = MergeSimpleIndex([]pkgtype.Source{{ID: "a", Data: []byte("   ")}})
	assert.True(t, errors.Is(err, pkgtype.ErrEmptyMerge))
}

func TestSimpleIndexMatch(t *testing.T) {
	_, ok := pkgtype.Lookup("pypi", "simple/demo/index.html")
	assert.True(t, ok)
	_, ok = pkgtype.Lookup("pypi", "packages/demo-1.0.tar.gz")
	assert.False(t, ok)
}
