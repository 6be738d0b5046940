package navigation

import (
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DateLayout URL 中日期的格式
const DateLayout = "2006-01-02"

// Pair 一个已编码的查询参数
type Pair struct {
	Key   string
	Value string
}

// Parse 拆分 hash 为路径与原始参数。
//
// 规则：
//   - 去掉开头的 "#"，按第一个 "?" 拆分；
//   - namespace 非空时只接受 "<namespace>_" 前缀的键，并去掉前缀；
//   - schema 非空时丢弃未声明的键；
//   - 无法解码的键值对被跳过，重复的键以最后一个为准。
//
// 值保持原始字符串，类型转换由 Decode 完成。
func Parse(hash, namespace string, schema Schema) (string, map[string]string) {
	path, query, _ := strings.Cut(strings.TrimPrefix(hash, "#"), "?")
	raw := make(map[string]string)
	if query == "" {
		return path, raw
	}

	prefix := ""
	if namespace != "" {
		prefix = namespace + "_"
	}

	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			continue
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			continue
		}
		if prefix != "" {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			key = strings.TrimPrefix(key, prefix)
		}
		if !schema.Empty() && !schema.Has(key) {
			continue
		}
		raw[key] = value
	}
	return path, raw
}

// Encode 按 schema 顺序编码参数；未声明的键按字典序追加在后。
// nil、空字符串、false、空数组不输出。
func Encode(params Params, schema Schema) []Pair {
	pairs := make([]Pair, 0, len(params))
	for _, f := range schema.fields {
		v, ok := params[f.Key]
		if !ok {
			continue
		}
		if s, keep := encodeValue(f.Kind, v); keep {
			pairs = append(pairs, Pair{Key: f.Key, Value: s})
		}
	}

	var extras []string
	for k := range params {
		if !schema.Has(k) {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	for _, k := range extras {
		v := params[k]
		if s, keep := encodeValue(inferKind(v), v); keep {
			pairs = append(pairs, Pair{Key: k, Value: s})
		}
	}
	return pairs
}

func encodeValue(kind Kind, v any) (string, bool) {
	if v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, val != ""
	case bool:
		if val {
			return "true", true
		}
		return "", false
	}

	switch kind {
	case KindArray:
		if arr, ok := v.([]string); ok {
			s := strings.Join(arr, ",")
			return s, s != ""
		}
	case KindDate:
		if t, ok := v.(time.Time); ok {
			if t.IsZero() {
				return "", false
			}
			return FormatDate(t), true
		}
	case KindNumber:
		if f, ok := toFloat(v); ok {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return "", false
			}
			return strconv.FormatFloat(f, 'f', -1, 64), true
		}
	case KindDateRange:
		r, ok := v.(DateRange)
		if p, isPtr := v.(*DateRange); isPtr && p != nil {
			r, ok = *p, true
		}
		if ok {
			if r.From.IsZero() && r.To.IsZero() {
				return "", false
			}
			return formatOptionalDate(r.From) + "," + formatOptionalDate(r.To), true
		}
	}

	s := fmt.Sprint(v)
	return s, s != ""
}

// Decode 把原始字符串还原为带类型的值，叠加在 schema 默认值之上。
// 无法解析的值保留默认值。
func Decode(raw map[string]string, schema Schema) Params {
	out := schema.Defaults()
	for k, s := range raw {
		if v, ok := decodeValue(schema.KindOf(k), s); ok {
			out[k] = v
		}
	}
	return out
}

func decodeValue(kind Kind, s string) (any, bool) {
	switch kind {
	case KindArray:
		items := make([]string, 0)
		for _, item := range strings.Split(s, ",") {
			if item != "" {
				items = append(items, item)
			}
		}
		return items, true
	case KindBoolean:
		return s != "false" && s != "0", true
	case KindDate:
		t, err := ParseDate(s)
		if err != nil {
			return nil, false
		}
		return t, true
	case KindNumber:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return f, true
	case KindDateRange:
		from, to, _ := strings.Cut(s, ",")
		var r DateRange
		var err error
		if from != "" {
			if r.From, err = ParseDate(from); err != nil {
				return nil, false
			}
		}
		if to != "" {
			if r.To, err = ParseDate(to); err != nil {
				return nil, false
			}
		}
		if r.From.IsZero() && r.To.IsZero() {
			return nil, false
		}
		return r, true
	default:
		return s, true
	}
}

// BuildHash 生成 "#path?query"，参数为空时省略 "?"
func BuildHash(path string, pairs []Pair, namespace string) string {
	var b strings.Builder
	b.WriteByte('#')
	b.WriteString(path)
	if len(pairs) == 0 {
		return b.String()
	}

	prefix := ""
	if namespace != "" {
		prefix = namespace + "_"
	}
	b.WriteByte('?')
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(prefix + p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}

// FormatDate 按本地日历格式化为 YYYY-MM-DD
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

func formatOptionalDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return FormatDate(t)
}

// ParseDate 解析 YYYY-MM-DD，结果为本地时区当天零点。
// 通过年月日分量构造，避免按 UTC 解析后跨时区偏移一天。
// 带时间部分的 ISO 字符串只取日期部分。
func ParseDate(s string) (time.Time, error) {
	if len(s) > len(DateLayout) && s[len(DateLayout)] == 'T' {
		s = s[:len(DateLayout)]
	}
	parts := strings.Split(s, "-")
	if len(parts) != 3 || len(parts[0]) != 4 || len(parts[1]) != 2 || len(parts[2]) != 2 {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	year, err1 := strconv.Atoi(parts[0])
	month, err2 := strconv.Atoi(parts[1])
	day, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.Local)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t, nil
}
