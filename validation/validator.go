// Package validation 提供字段级校验函数，失败时返回 VALIDATION_ERROR
package validation

import (
	"fmt"
	"strings"
	"time"

	"appletkit/errors"
)

// ValidateRequired 验证必填字段
func ValidateRequired(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return errors.NewError(errors.ErrCodeValidation,
			fmt.Sprintf("%s不能为空", fieldName))
	}
	return nil
}

// ValidateNonNegative 验证非负整数
func ValidateNonNegative(value int, fieldName string) error {
	if value < 0 {
		return errors.NewError(errors.ErrCodeValidation,
			fmt.Sprintf("%s不能为负数（当前%d）", fieldName, value))
	}
	return nil
}

// ValidateIntRange 验证整数范围
func ValidateIntRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.NewError(errors.ErrCodeValidation,
			fmt.Sprintf("%s不能小于%d（当前%d）", fieldName, min, value))
	}
	if value > max {
		return errors.NewError(errors.ErrCodeValidation,
			fmt.Sprintf("%s不能大于%d（当前%d）", fieldName, max, value))
	}
	return nil
}

// ValidateDuration 验证时长非负
func ValidateDuration(value time.Duration, fieldName string) error {
	if value < 0 {
		return errors.NewError(errors.ErrCodeValidation,
			fmt.Sprintf("%s不能为负数（当前%s）", fieldName, value))
	}
	return nil
}

// ValidateEnum 验证枚举值
func ValidateEnum(value, fieldName string, validValues []string) error {
	for _, valid := range validValues {
		if value == valid {
			return nil
		}
	}
	return errors.NewError(errors.ErrCodeValidation,
		fmt.Sprintf("%s的值无效，必须是以下之一: %v", fieldName, validValues))
}

// ValidateDisjoint 验证两组键没有交集
func ValidateDisjoint(a, b []string, fieldName string) error {
	seen := make(map[string]struct{}, len(a))
	for _, k := range a {
		seen[k] = struct{}{}
	}
	for _, k := range b {
		if _, ok := seen[k]; ok {
			return errors.NewError(errors.ErrCodeValidation,
				fmt.Sprintf("%s存在重复的键: %s", fieldName, k))
		}
	}
	return nil
}
