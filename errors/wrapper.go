package errors

import (
	"context"
	"fmt"
	"runtime"

	"appletkit/logging"
)

// WrapWithLog 包装错误并记录警告日志，logger 为空时使用全局 logger
func WrapWithLog(ctx context.Context, logger logging.Logger, err error, code ErrorCode, msg string, fields ...logging.Field) IError {
	if err == nil {
		return nil
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	_, file, line, _ := runtime.Caller(1)

	allFields := append([]logging.Field{
		logging.Error(err),
		logging.String("error_code", string(code)),
		logging.String("location", fmt.Sprintf("%s:%d", file, line)),
	}, fields...)

	logger.Warn(ctx, msg, allFields...)

	return WrapError(err, code, msg)
}

// NewValidationError 创建新的验证错误
func NewValidationError(msg string) error {
	return NewError(ErrCodeValidation, msg)
}
