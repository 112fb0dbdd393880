package dao

import (
	"errors"
	"fmt"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// transientError 可重试的基础设施错误（存储不可用、超时等）
type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return fmt.Sprintf("transient: %v", e.err)
}

func (e *transientError) Unwrap() error {
	return e.err
}

// Transient 把底层存储错误标记为可重试
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient 判断错误是否可重试。
// 只有在数据访问边界上显式标记的错误才重试，其余按永久失败处理。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	return errors.As(err, &te)
}

// IsNotFound 判断是否为记录不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
