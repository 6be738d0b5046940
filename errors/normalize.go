package errors

import (
	"context"
	stdErrors "errors"
)

// Normalize 将运行时常见错误规范化为 AppError。
//
// 注意：
//   - 已经是 IError 的错误原样返回；
//   - context 超时/取消映射为 TIMEOUT/CANCELLED；
//   - 未识别的错误保持原样，交由调用方决定是否 Wrap。
func Normalize(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := err.(IError); ok {
		return err
	}

	if stdErrors.Is(err, context.DeadlineExceeded) {
		return WrapError(err, ErrCodeTimeout, "操作超时")
	}
	if stdErrors.Is(err, context.Canceled) {
		return WrapError(err, ErrCodeCancelled, "操作已取消")
	}

	return err
}
