package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/any-hub/any-repo/internal/model"
)

// Gateway 是针对 (store, path) 的字节级读写接口。
type Gateway interface {
	// Exists 判断内容是否存在，目录不算。
	Exists(ctx context.Context, key model.StoreKey, path string) (bool, error)

	// OpenRead 返回可流式读取的内容，不存在时返回包装了 ErrNotFound 的 Failure。
	OpenRead(ctx context.Context, key model.StoreKey, path string) (io.ReadCloser, error)

	// OpenWrite 返回写入端，只有 Close 成功后内容才对读者可见。
	OpenWrite(ctx context.Context, key model.StoreKey, path string) (Writer, error)

	// Delete 删除内容，返回是否真的删除了文件。
	Delete(ctx context.Context, key model.StoreKey, path string) (bool, error)

	// List 列出目录下的直接子项，子目录以 "/" 结尾。目录不存在时返回空列表。
	List(ctx context.Context, key model.StoreKey, dir string) ([]string, error)
}

// Writer 在 io.WriteCloser 之上增加 Abort，放弃写入且不留下任何内容。
type Writer interface {
	io.WriteCloser
	Abort() error
}

// ErrNotFound 表示内容不存在。
var ErrNotFound = errors.New("transfer: content not found")

// Failure 包装底层 I/O 错误，并携带出错的仓库与路径。
type Failure struct {
	Op   string
	Key  model.StoreKey
	Path string
	Err  error
}

func (e *Failure) Error() string {
	return fmt.Sprintf("transfer %s %s:%s: %v", e.Op, e.Key, e.Path, e.Err)
}

func (e *Failure) Unwrap() error {
	return e.Err
}

func newFailure(op string, key model.StoreKey, p string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Failure
	if errors.As(err, &existing) {
		return err
	}
	return &Failure{Op: op, Key: key, Path: p, Err: err}
}

// IsNotFound 判断错误是否表示内容不存在。
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// CleanPath 把请求路径规整成不带前导 "/" 的相对路径。
func CleanPath(p string) string {
	cleaned := path.Clean("/" + strings.TrimSpace(p))
	return strings.TrimPrefix(cleaned, "/")
}

// ReadAll 读取完整内容。
func ReadAll(ctx context.Context, gw Gateway, key model.StoreKey, p string) ([]byte, error) {
	reader, err := gw.OpenRead(ctx, key, p)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, reader); err != nil {
		return nil, newFailure("read", key, p, err)
	}
	return buf.Bytes(), nil
}

// WriteAll 原子写入完整内容。
func WriteAll(ctx context.Context, gw Gateway, key model.StoreKey, p string, data []byte) error {
	_, err := Write(ctx, gw, key, p, bytes.NewReader(data))
	return err
}

// Write 把 body 写入 (key, p)，失败或 ctx 结束时放弃写入。
func Write(ctx context.Context, gw Gateway, key model.StoreKey, p string, body io.Reader) (int64, error) {
	writer, err := gw.OpenWrite(ctx, key, p)
	if err != nil {
		return 0, err
	}
	written, err := copyWithContext(ctx, writer, body)
	if err != nil {
		_ = writer.Abort()
		return written, newFailure("write", key, p, err)
	}
	if err := writer.Close(); err != nil {
		return written, newFailure("write", key, p, err)
	}
	return written, nil
}

// Copy 将 src 中的 p 复制到 dst 的同一路径。
func Copy(ctx context.Context, gw Gateway, src, dst model.StoreKey, p string) (int64, error) {
	reader, err := gw.OpenRead(ctx, src, p)
	if err != nil {
		return 0, err
	}
	defer reader.Close()
	return Write(ctx, gw, dst, p, reader)
}

// Walk 深度优先遍历仓库中的所有文件，fn 收到的是相对路径。
func Walk(ctx context.Context, gw Gateway, key model.StoreKey, fn func(p string) error) error {
	return walkDir(ctx, gw, key, "", fn)
}

func walkDir(ctx context.Context, gw Gateway, key model.StoreKey, dir string, fn func(p string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	children, err := gw.List(ctx, key, dir)
	if err != nil {
		return err
	}
	for _, child := range children {
		full := child
		if dir != "" {
			full = dir + "/" + child
		}
		if strings.HasSuffix(child, "/") {
			if err := walkDir(ctx, gw, key, strings.TrimSuffix(full, "/"), fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(full); err != nil {
			return err
		}
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
