// Package navigation 在 URL hash 与带类型的参数之间做双向转换
//
// hash 形如 "#<path>?<k=v>&..."。参数分为两路：
//   - auto：变化即写回 URL；
//   - draft：本地缓冲，显式 Apply 后才写回 URL。
//
// 参数类型由调用方声明的 Schema 决定，编码与解码共用同一份 Schema。
package navigation

import (
	"sort"
	"time"
)

// Kind 参数的序列化类型
type Kind int

const (
	KindString Kind = iota
	KindArray
	KindBoolean
	KindDate
	KindNumber
	KindDateRange
)

// String 返回类型名称
func (k Kind) String() string {
	switch k {
	case KindArray:
		return "array"
	case KindBoolean:
		return "boolean"
	case KindDate:
		return "date"
	case KindNumber:
		return "number"
	case KindDateRange:
		return "dateRange"
	default:
		return "string"
	}
}

// ParseKind 解析类型名称，未知名称视为 string
func ParseKind(name string) Kind {
	switch name {
	case "array":
		return KindArray
	case "boolean", "bool":
		return KindBoolean
	case "date":
		return KindDate
	case "number":
		return KindNumber
	case "dateRange", "daterange":
		return KindDateRange
	default:
		return KindString
	}
}

// IsDateLike date 与 dateRange 在 Apply 时总是保留
func (k Kind) IsDateLike() bool {
	return k == KindDate || k == KindDateRange
}

// DateRange 日期区间
type DateRange struct {
	From time.Time
	To   time.Time
}

// Params 参数集合。值类型为 string、float64、bool、time.Time、[]string 或 DateRange
type Params map[string]any

// Clone 浅拷贝，切片值会复制
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		if arr, ok := v.([]string); ok {
			v = append([]string(nil), arr...)
		}
		out[k] = v
	}
	return out
}

// Field 单个参数的声明
type Field struct {
	Key     string
	Kind    Kind
	Default any
}

func StringField(key, def string) Field {
	return Field{Key: key, Kind: KindString, Default: def}
}

func NumberField(key string, def float64) Field {
	return Field{Key: key, Kind: KindNumber, Default: def}
}

func BoolField(key string, def bool) Field {
	return Field{Key: key, Kind: KindBoolean, Default: def}
}

func DateField(key string, def time.Time) Field {
	return Field{Key: key, Kind: KindDate, Default: def}
}

func ArrayField(key string, def []string) Field {
	if def == nil {
		def = []string{}
	}
	return Field{Key: key, Kind: KindArray, Default: def}
}

func DateRangeField(key string, def DateRange) Field {
	return Field{Key: key, Kind: KindDateRange, Default: def}
}

// Schema 有序的参数声明。字段顺序决定 hash 中参数的顺序
type Schema struct {
	fields []Field
	index  map[string]int
}

// NewSchema 创建 Schema，重复的键以后出现的为准
func NewSchema(fields ...Field) Schema {
	s := Schema{index: make(map[string]int, len(fields))}
	for _, f := range fields {
		f.Default = normalizeValue(f.Kind, f.Default)
		if i, ok := s.index[f.Key]; ok {
			s.fields[i] = f
			continue
		}
		s.index[f.Key] = len(s.fields)
		s.fields = append(s.fields, f)
	}
	return s
}

// InferSchema 根据默认值推断每个键的类型，键按字典序排列
func InferSchema(defaults Params) Schema {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]Field, 0, len(keys))
	for _, k := range keys {
		v := defaults[k]
		fields = append(fields, Field{Key: k, Kind: inferKind(v), Default: v})
	}
	return NewSchema(fields...)
}

func inferKind(v any) Kind {
	switch v.(type) {
	case []string:
		return KindArray
	case bool:
		return KindBoolean
	case time.Time:
		return KindDate
	case DateRange, *DateRange:
		return KindDateRange
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return KindNumber
	default:
		return KindString
	}
}

// normalizeValue 把数值统一为 float64，*DateRange 解引用
func normalizeValue(kind Kind, v any) any {
	switch kind {
	case KindNumber:
		if f, ok := toFloat(v); ok {
			return f
		}
	case KindDateRange:
		if r, ok := v.(*DateRange); ok && r != nil {
			return *r
		}
	case KindArray:
		if v == nil {
			return []string{}
		}
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// Len 字段数量
func (s Schema) Len() int { return len(s.fields) }

// Empty 空 Schema 关闭参数白名单过滤
func (s Schema) Empty() bool { return len(s.fields) == 0 }

// Fields 返回字段副本
func (s Schema) Fields() []Field {
	return append([]Field(nil), s.fields...)
}

// Keys 按声明顺序返回键
func (s Schema) Keys() []string {
	keys := make([]string, len(s.fields))
	for i, f := range s.fields {
		keys[i] = f.Key
	}
	return keys
}

// Lookup 查找字段声明
func (s Schema) Lookup(key string) (Field, bool) {
	i, ok := s.index[key]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Has 是否声明了该键
func (s Schema) Has(key string) bool {
	_, ok := s.index[key]
	return ok
}

// KindOf 未声明的键视为 string
func (s Schema) KindOf(key string) Kind {
	if f, ok := s.Lookup(key); ok {
		return f.Kind
	}
	return KindString
}

// Defaults 返回默认值集合
func (s Schema) Defaults() Params {
	out := make(Params, len(s.fields))
	for _, f := range s.fields {
		out[f.Key] = f.Default
	}
	return out.Clone()
}

// Merge 合并两个 Schema，b 中的重复键覆盖 a
func Merge(a, b Schema) Schema {
	fields := make([]Field, 0, a.Len()+b.Len())
	fields = append(fields, a.fields...)
	fields = append(fields, b.fields...)
	return NewSchema(fields...)
}

// WithDefaults 返回 defaults 叠加 next 后的完整参数，数值统一为 float64
func (s Schema) WithDefaults(next Params) Params {
	out := s.Defaults()
	for k, v := range next {
		out[k] = normalizeValue(s.KindOf(k), v)
	}
	return out
}
