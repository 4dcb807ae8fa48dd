package registry

import (
	"context"
	"sync"

	"github.com/any-hub/any-repo/internal/model"
)

// UpdateEvent 描述一次 Put，Original 为空表示新建。
type UpdateEvent struct {
	Store    *model.ArtifactStore
	Original *model.ArtifactStore
	Summary  model.ChangeSummary
}

// DeleteEvent 描述一次 Delete。
type DeleteEvent struct {
	Store   *model.ArtifactStore
	Summary model.ChangeSummary
}

// Listener 接收仓库变更事件。Pre 阶段返回错误即否决本次变更；
// Post 阶段的错误只会被记录，变更已经生效。
type Listener interface {
	PreUpdate(ctx context.Context, event UpdateEvent) error
	PostUpdate(ctx context.Context, event UpdateEvent) error
	PreDelete(ctx context.Context, event DeleteEvent) error
	PostDelete(ctx context.Context, event DeleteEvent) error
}

// ListenerFuncs 允许只关心部分事件的调用方按需填写回调。
type ListenerFuncs struct {
	OnPreUpdate  func(ctx context.Context, event UpdateEvent) error
	OnPostUpdate func(ctx context.Context, event UpdateEvent) error
	OnPreDelete  func(ctx context.Context, event DeleteEvent) error
	OnPostDelete func(ctx context.Context, event DeleteEvent) error
}

func (f ListenerFuncs) PreUpdate(ctx context.Context, event UpdateEvent) error {
	if f.OnPreUpdate == nil {
		return nil
	}
	return f.OnPreUpdate(ctx, event)
}

func (f ListenerFuncs) PostUpdate(ctx context.Context, event UpdateEvent) error {
	if f.OnPostUpdate == nil {
		return nil
	}
	return f.OnPostUpdate(ctx, event)
}

func (f ListenerFuncs) PreDelete(ctx context.Context, event DeleteEvent) error {
	if f.OnPreDelete == nil {
		return nil
	}
	return f.OnPreDelete(ctx, event)
}

func (f ListenerFuncs) PostDelete(ctx context.Context, event DeleteEvent) error {
	if f.OnPostDelete == nil {
		return nil
	}
	return f.OnPostDelete(ctx, event)
}

// dispatcher 按订阅顺序分发事件，没有订阅者时什么也不做。
type dispatcher struct {
	mu        sync.RWMutex
	listeners []Listener
}

func (d *dispatcher) subscribe(l Listener) {
	if l == nil {
		return
	}
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

func (d *dispatcher) snapshot() []Listener {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Listener(nil), d.listeners...)
}

func (d *dispatcher) preUpdate(ctx context.Context, event UpdateEvent) error {
	for _, l := range d.snapshot() {
		if err := l.PreUpdate(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (d *dispatcher) preDelete(ctx context.Context, event DeleteEvent) error {
	for _, l := range d.snapshot() {
		if err := l.PreDelete(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// postUpdate 通知所有订阅者，返回遇到的全部错误。
func (d *dispatcher) postUpdate(ctx context.Context, event UpdateEvent) []error {
	var errs []error
	for _, l := range d.snapshot() {
		if err := l.PostUpdate(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (d *dispatcher) postDelete(ctx context.Context, event DeleteEvent) []error {
	var errs []error
	for _, l := range d.snapshot() {
		if err := l.PostDelete(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
