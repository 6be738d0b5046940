package navigation

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// EqualValue Apply 时判断值是否等于默认值。
// 数组要求长度与元素顺序一致，日期按 YYYY-MM-DD 比较。
func EqualValue(a, b any) bool {
	aa, aIsArr := asStrings(a)
	bb, bIsArr := asStrings(b)
	if aIsArr || bIsArr {
		if !aIsArr || !bIsArr || len(aa) != len(bb) {
			return false
		}
		for i := range aa {
			if aa[i] != bb[i] {
				return false
			}
		}
		return true
	}
	return scalar(a) == scalar(b)
}

// ChangeEqual hasChanges 使用的比较：数组排序后拼接比较，日期按 YYYY-MM-DD 比较，其余严格相等
func ChangeEqual(a, b any) bool {
	aa, aIsArr := asStrings(a)
	bb, bIsArr := asStrings(b)
	if aIsArr && bIsArr {
		return sortedJoin(aa) == sortedJoin(bb)
	}
	if aIsArr != bIsArr {
		return false
	}
	return scalar(a) == scalar(b)
}

func asStrings(v any) ([]string, bool) {
	arr, ok := v.([]string)
	return arr, ok
}

func sortedJoin(arr []string) string {
	cp := append([]string(nil), arr...)
	sort.Strings(cp)
	return strings.Join(cp, ",")
}

// scalar 归一化为可用 == 比较的值
func scalar(v any) any {
	switch val := v.(type) {
	case nil, string, bool, float64:
		return val
	case time.Time:
		return "date:" + FormatDate(val)
	case DateRange:
		return "range:" + formatOptionalDate(val.From) + "," + formatOptionalDate(val.To)
	case *DateRange:
		if val == nil {
			return nil
		}
		return scalar(*val)
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	return fmt.Sprintf("%T:%v", v, v)
}
