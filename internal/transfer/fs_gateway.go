package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/any-hub/any-repo/internal/model"
)

const tempPrefix = ".transfer-"

// FSGateway 基于 afero 文件系统实现 Gateway，生产环境使用 OsFs，测试使用 MemMapFs。
type FSGateway struct {
	fs   afero.Fs
	root string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// NewOSGateway 以 basePath 为根目录构建磁盘网关，整站复用一份实例。
func NewOSGateway(basePath string) (*FSGateway, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	return NewFSGateway(afero.NewOsFs(), abs)
}

// NewFSGateway 使用任意 afero.Fs 构建网关。
func NewFSGateway(fsys afero.Fs, root string) (*FSGateway, error) {
	if fsys == nil {
		return nil, errors.New("filesystem required")
	}
	if root == "" {
		root = "/"
	}
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	return &FSGateway{
		fs:    fsys,
		root:  root,
		locks: make(map[string]*entryLock),
	}, nil
}

// Root 返回存储根目录。
func (g *FSGateway) Root() string {
	return g.root
}

func (g *FSGateway) Exists(ctx context.Context, key model.StoreKey, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	filePath, err := g.filePath(key, p)
	if err != nil {
		return false, newFailure("exists", key, p, err)
	}
	info, err := g.fs.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, newFailure("exists", key, p, err)
	}
	return !info.IsDir(), nil
}

func (g *FSGateway) OpenRead(ctx context.Context, key model.StoreKey, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath, err := g.filePath(key, p)
	if err != nil {
		return nil, newFailure("read", key, p, err)
	}
	info, err := g.fs.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, newFailure("read", key, p, ErrNotFound)
		}
		return nil, newFailure("read", key, p, err)
	}
	if info.IsDir() {
		return nil, newFailure("read", key, p, ErrNotFound)
	}
	f, err := g.fs.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, newFailure("read", key, p, ErrNotFound)
		}
		return nil, newFailure("read", key, p, err)
	}
	return f, nil
}

func (g *FSGateway) OpenWrite(ctx context.Context, key model.StoreKey, p string) (Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath, err := g.filePath(key, p)
	if err != nil {
		return nil, newFailure("write", key, p, err)
	}
	dir := filepath.Dir(filePath)
	if err := g.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, newFailure("write", key, p, err)
	}
	temp, err := afero.TempFile(g.fs, dir, tempPrefix+"*")
	if err != nil {
		return nil, newFailure("write", key, p, err)
	}
	return &fileWriter{
		gateway: g,
		file:    temp,
		target:  filePath,
		key:     key,
		path:    p,
	}, nil
}

func (g *FSGateway) Delete(ctx context.Context, key model.StoreKey, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	filePath, err := g.filePath(key, p)
	if err != nil {
		return false, newFailure("delete", key, p, err)
	}
	unlock := g.lockEntry(filePath)
	defer unlock()

	info, err := g.fs.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, newFailure("delete", key, p, err)
	}
	if info.IsDir() {
		return false, nil
	}
	if err := g.fs.Remove(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, newFailure("delete", key, p, err)
	}
	return true, nil
}

func (g *FSGateway) List(ctx context.Context, key model.StoreKey, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirPath, err := g.dirPath(key, dir)
	if err != nil {
		return nil, newFailure("list", key, dir, err)
	}
	entries, err := afero.ReadDir(g.fs, dirPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, newFailure("list", key, dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, tempPrefix) {
			continue
		}
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}

// DeleteStore 删除仓库的整个存储目录，用于仓库被删除后的清理。
func (g *FSGateway) DeleteStore(ctx context.Context, key model.StoreKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dirPath, err := g.dirPath(key, "")
	if err != nil {
		return newFailure("delete", key, "", err)
	}
	if err := g.fs.RemoveAll(dirPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return newFailure("delete", key, "", err)
	}
	return nil
}

func (g *FSGateway) storeDir(key model.StoreKey) (string, error) {
	if key.PackageType == "" || key.Name == "" || key.Type == "" {
		return "", errors.New("store key required")
	}
	if strings.ContainsAny(key.Name, `/\`) || strings.ContainsAny(key.PackageType, `/\`) || key.Name == ".." {
		return "", errors.New("invalid store name")
	}
	return filepath.Join(g.root, key.PackageType, string(key.Type)+"-"+key.Name), nil
}

func (g *FSGateway) filePath(key model.StoreKey, p string) (string, error) {
	rel := CleanPath(p)
	if rel == "" {
		return "", errors.New("path required")
	}
	return g.dirPath(key, rel)
}

func (g *FSGateway) dirPath(key model.StoreKey, p string) (string, error) {
	base, err := g.storeDir(key)
	if err != nil {
		return "", err
	}
	rel := CleanPath(p)
	full := filepath.Join(base, filepath.FromSlash(rel))
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", errors.New("invalid path")
	}
	return full, nil
}

func (g *FSGateway) lockEntry(target string) func() {
	g.mu.Lock()
	lock := g.locks[target]
	if lock == nil {
		lock = &entryLock{}
		g.locks[target] = lock
	}
	lock.refs++
	g.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		g.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(g.locks, target)
		}
		g.mu.Unlock()
	}
}

// fileWriter 先写入临时文件，Close 时加锁 rename 到目标路径。
type fileWriter struct {
	gateway *FSGateway
	file    afero.File
	target  string
	key     model.StoreKey
	path    string
	done    bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	return w.file.Write(p)
}

func (w *fileWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	tempName := w.file.Name()
	if err := w.file.Close(); err != nil {
		_ = w.gateway.fs.Remove(tempName)
		return newFailure("write", w.key, w.path, err)
	}

	unlock := w.gateway.lockEntry(w.target)
	defer unlock()
	if err := w.gateway.fs.Rename(tempName, w.target); err != nil {
		_ = w.gateway.fs.Remove(tempName)
		return newFailure("write", w.key, w.path, err)
	}
	return nil
}

func (w *fileWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	tempName := w.file.Name()
	_ = w.file.Close()
	if err := w.gateway.fs.Remove(tempName); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
