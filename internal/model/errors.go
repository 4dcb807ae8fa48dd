package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrTimeout 表示调用方设置的超时已到，操作被放弃且未留下半成品。
var ErrTimeout = errors.New("operation timed out")

// StoreNotFoundError 在查询不存在的仓库时返回。
type StoreNotFoundError struct {
	Key StoreKey
}

func (e *StoreNotFoundError) Error() string {
	return fmt.Sprintf("store not found: %s", e.Key)
}

// InvalidGroupConfigError 表示分组定义不合法，例如直接引用自身。
type InvalidGroupConfigError struct {
	Key    StoreKey
	Reason string
}

func (e *InvalidGroupConfigError) Error() string {
	return fmt.Sprintf("invalid group %s: %s", e.Key, e.Reason)
}

// IsStoreNotFound 便于调用方判断错误类型。
func IsStoreNotFound(err error) bool {
	var target *StoreNotFoundError
	return errors.As(err, &target)
}

// WrapContextErr 将 context 超时/取消统一转换为 ErrTimeout。
func WrapContextErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
