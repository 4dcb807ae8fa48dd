// Package promote copies content from one store to a hosted target store,
// optionally purging the source, and can roll such a promotion back or
// resume it after a partial failure. It can also promote a whole store into
// a group's membership.
package promote

import (
	"errors"
	"fmt"
	"sort"

	"github.com/any-hub/any-repo/internal/model"
)

// ErrLocked 表示在超时前没能拿到目标仓库的 promotion 锁。
var ErrLocked = errors.New("promotion target is busy")

// Request 描述一次路径级 promotion。Paths 为空时处理源仓库中的全部内容。
type Request struct {
	Source      model.StoreKey `json:"source"`
	Target      model.StoreKey `json:"target"`
	Paths       []string       `json:"paths,omitempty"`
	PurgeSource bool           `json:"purgeSource,omitempty"`
	DryRun      bool           `json:"dryRun,omitempty"`
}

// Result 是 promotion 的结果。路径集合在序列化时均为有序数组。
type Result struct {
	ID             string   `json:"id"`
	Request        Request  `json:"request"`
	CompletedPaths []string `json:"completedPaths"`
	PendingPaths   []string `json:"pendingPaths"`
	// SkippedPaths 是目标已存在不同内容、因此没有覆盖的路径。
	SkippedPaths []string `json:"skippedPaths,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// GroupRequest 描述把一个仓库加入（或移出）分组成员。
type GroupRequest struct {
	Source model.StoreKey `json:"source"`
	Target model.StoreKey `json:"target"`
	DryRun bool           `json:"dryRun,omitempty"`
}

// GroupResult 是分组 promotion 的结果，Error 为空表示成功。
type GroupResult struct {
	ID      string       `json:"id"`
	Request GroupRequest `json:"request"`
	Error   string       `json:"error,omitempty"`
}

// RequestError 表示请求本身不合法，不会处理任何路径。
type RequestError struct {
	Reason string
	Err    error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid promotion request: %s: %v", e.Reason, e.Err)
	}
	return "invalid promotion request: " + e.Reason
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// PathError 记录单个路径失败，不影响批次中其它路径。
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("promote %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// pathSet 是无序集合，输出时排序。
type pathSet map[string]struct{}

func newPathSet(paths ...string) pathSet {
	s := make(pathSet, len(paths))
	for _, p := range paths {
		s[p] = struct{}{}
	}
	return s
}

func (s pathSet) add(p string)    { s[p] = struct{}{} }
func (s pathSet) remove(p string) { delete(s, p) }

func (s pathSet) sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
