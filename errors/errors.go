// Package errors 提供带错误码的应用错误
package errors

import (
	stdErrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode 错误代码类型
type ErrorCode string

// 预定义错误代码
const (
	// 通用错误代码
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeCancelled    ErrorCode = "CANCELLED"
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"

	// 事务错误代码
	ErrCodeNoActiveTransaction ErrorCode = "NO_ACTIVE_TRANSACTION"
	ErrCodeInvalidState        ErrorCode = "INVALID_STATE"
	ErrCodeCommitFailed        ErrorCode = "COMMIT_FAILED"
	ErrCodeTooManyOperations   ErrorCode = "TOO_MANY_OPERATIONS"

	// 基础设施错误代码
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeQueue    ErrorCode = "QUEUE_ERROR"
)

// IError 错误接口
type IError interface {
	error

	// 获取错误代码
	Code() ErrorCode

	// 获取错误消息
	Message() string

	// 获取原始错误
	Cause() error

	// 获取错误详情
	Details() map[string]any

	// 获取堆栈信息
	Stack() string

	// 添加上下文
	WithContext(key string, value any) IError
}

// AppError 应用错误实现
type AppError struct {
	code    ErrorCode
	message string
	cause   error
	details map[string]any
	stack   string
}

// NewError 创建新错误
func NewError(code ErrorCode, message string) IError {
	return &AppError{
		code:    code,
		message: message,
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

// WrapError 包装错误，err 为 nil 时返回 nil
func WrapError(err error, code ErrorCode, message string) IError {
	if err == nil {
		return nil
	}

	return &AppError{
		code:    code,
		message: message,
		cause:   err,
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Code 获取错误代码
func (e *AppError) Code() ErrorCode {
	return e.code
}

// Message 获取错误消息
func (e *AppError) Message() string {
	return e.message
}

// Cause 获取原始错误
func (e *AppError) Cause() error {
	return e.cause
}

// Details 获取错误详情
func (e *AppError) Details() map[string]any {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	return e.details
}

// Stack 获取堆栈信息
func (e *AppError) Stack() string {
	return e.stack
}

// Is 同错误码的 AppError 视为相同错误，否则沿 cause 链比较
func (e *AppError) Is(target error) bool {
	if target == nil {
		return false
	}

	if appErr, ok := target.(*AppError); ok {
		return e.code == appErr.code
	}

	if e.cause != nil {
		return stdErrors.Is(e.cause, target)
	}

	return false
}

// Unwrap 解包错误（支持 errors.Unwrap）
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithContext 添加上下文
func (e *AppError) WithContext(key string, value any) IError {
	newDetails := copyMap(e.details)
	newDetails[key] = value

	return &AppError{
		code:    e.code,
		message: e.message,
		cause:   e.cause,
		details: newDetails,
		stack:   e.stack,
	}
}

// IsErrorCode 检查是否为指定错误代码
func IsErrorCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code == code
	}

	return false
}

// IsValidation 检查是否为验证错误
func IsValidation(err error) bool {
	return IsErrorCode(err, ErrCodeValidation)
}

// GetErrorCode 获取错误代码，非 AppError 视为内部错误
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code
	}

	return ErrCodeInternal
}

// captureStack 捕获堆栈信息
func captureStack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])

	var builder strings.Builder
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		builder.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))

		if !more {
			break
		}
	}

	return builder.String()
}

func copyMap(original map[string]any) map[string]any {
	copied := make(map[string]any, len(original))
	for k, v := range original {
		copied[k] = v
	}
	return copied
}
