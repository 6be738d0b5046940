package navigation

import (
	"context"
	"strings"
	"sync"

	"appletkit/logging"
	"appletkit/validation"
)

// Options Navigator 配置
type Options struct {
	// AutoSchema 变化即写回 URL 的参数
	AutoSchema Schema

	// DraftSchema 显式 Apply 后才写回 URL 的参数，键不能与 AutoSchema 重叠
	DraftSchema Schema

	// Namespace 非空时所有键写为 "<namespace>_<key>"，多个 Navigator 可共享同一 URL
	Namespace string

	// MountPath 嵌套 applet 的路径前缀，对调用方透明
	MountPath string

	// Location hash 的外部持有者，nil 时使用空的 MemoryLocation
	Location Location

	Logger logging.Logger
}

// Navigator 维护路径与两路参数，并在需要时写回 Location。
//
// 生命周期分两阶段：
//   - Initialize：首次解析，auto 与 draft 都从 URL 读取；
//   - OnExternalChange：之后的外部变化只刷新路径与 auto，draft 不受影响。
type Navigator struct {
	auto      Schema
	draft     Schema
	schema    Schema
	namespace string
	mountPath string
	location  Location
	logger    logging.Logger

	mu          sync.Mutex
	initialized bool
	path        string
	autoParams  Params
	draftParams Params
	applied     Params
}

// NewNavigator 创建 Navigator，auto 与 draft 的键重叠时返回验证错误
func NewNavigator(opts Options) (*Navigator, error) {
	if err := validation.ValidateDisjoint(opts.AutoSchema.Keys(), opts.DraftSchema.Keys(), "auto/draft 参数"); err != nil {
		return nil, err
	}

	location := opts.Location
	if location == nil {
		location = NewMemoryLocation("")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.ComponentLogger("navigation")
	}

	mountPath := strings.TrimSuffix(opts.MountPath, "/")

	return &Navigator{
		auto:        opts.AutoSchema,
		draft:       opts.DraftSchema,
		schema:      Merge(opts.AutoSchema, opts.DraftSchema),
		namespace:   opts.Namespace,
		mountPath:   mountPath,
		location:    location,
		logger:      logger.WithFields(logging.String("namespace", opts.Namespace)),
		autoParams:  opts.AutoSchema.Defaults(),
		draftParams: opts.DraftSchema.Defaults(),
		applied:     Params{},
	}, nil
}

// Initialize 首次解析 hash。auto、draft 与已应用快照都从 URL 读取
func (n *Navigator) Initialize(hash string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.initializeLocked(hash)
}

func (n *Navigator) initializeLocked(hash string) {
	path, raw := Parse(hash, n.namespace, n.schema)
	autoRaw, draftRaw := n.partition(raw)

	n.path = path
	n.autoParams = Decode(autoRaw, n.auto)
	n.draftParams = Decode(draftRaw, n.draft)
	n.applied = Params{}
	for k, s := range draftRaw {
		if v, ok := decodeValue(n.draft.KindOf(k), s); ok {
			n.applied[k] = v
		}
	}
	n.initialized = true

	n.logger.Debug(context.Background(), "navigator initialized",
		logging.String("path", path),
		logging.Int("auto_keys", len(autoRaw)),
		logging.Int("draft_keys", len(draftRaw)))
}

// OnExternalChange 外部 hash 变化。初始化之后只刷新路径与 auto 参数
func (n *Navigator) OnExternalChange(hash string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.initialized {
		n.initializeLocked(hash)
		return
	}

	path, raw := Parse(hash, n.namespace, n.schema)
	autoRaw, _ := n.partition(raw)
	n.path = path
	n.autoParams = Decode(autoRaw, n.auto)
}

// Sync 重新读取 Location 当前 hash，每次都完整解析
func (n *Navigator) Sync() {
	n.OnExternalChange(n.location.Hash())
}

// partition 按键归属拆分；两个 Schema 都为空时所有键归入 auto
func (n *Navigator) partition(raw map[string]string) (map[string]string, map[string]string) {
	autoRaw := make(map[string]string)
	draftRaw := make(map[string]string)
	for k, v := range raw {
		if n.draft.Has(k) {
			draftRaw[k] = v
			continue
		}
		autoRaw[k] = v
	}
	return autoRaw, draftRaw
}

// restrict 丢弃 schema 未声明的键（schema 为空时不过滤）
func restrict(schema Schema, params Params) Params {
	out := make(Params, len(params))
	for k, v := range params {
		if schema.Empty() || schema.Has(k) {
			out[k] = v
		}
	}
	return out
}

// SetAutoParams 替换 auto 参数并立即写回 URL，返回写入的 hash
func (n *Navigator) SetAutoParams(next Params) string {
	n.mu.Lock()
	n.autoParams = n.auto.WithDefaults(restrict(n.auto, next))
	hash := n.composeLocked()
	n.mu.Unlock()

	n.write(hash)
	return hash
}

// SetDraftParams 只替换本地 draft 参数，不写 URL
func (n *Navigator) SetDraftParams(next Params) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.draftParams = n.draft.WithDefaults(restrict(n.draft, next))
}

// ApplyDraftParams 应用 draft（或 override）参数并写回 URL。
//
// 等于默认值的项被过滤，日期类项总是保留；过滤后的结果成为新的已应用快照，
// 本地 draft 同步为该快照，返回写入的 hash。
func (n *Navigator) ApplyDraftParams(override Params) string {
	n.mu.Lock()
	src := n.draftParams
	if override != nil {
		src = override
	}

	filtered := make(Params, len(src))
	for k, v := range restrict(n.draft, src) {
		field, declared := n.draft.Lookup(k)
		v = normalizeValue(field.Kind, v)
		if v == nil {
			continue
		}
		if declared && !field.Kind.IsDateLike() && EqualValue(v, field.Default) {
			continue
		}
		filtered[k] = v
	}

	n.applied = filtered
	n.draftParams = n.draft.WithDefaults(filtered)
	hash := n.composeLocked()
	n.mu.Unlock()

	n.write(hash)
	return hash
}

// Navigate 切换路径（相对 MountPath），保留当前 auto 与已应用 draft 参数
func (n *Navigator) Navigate(relativePath string) string {
	n.mu.Lock()
	n.path = n.scope(relativePath)
	hash := n.composeLocked()
	n.mu.Unlock()

	n.write(hash)
	return hash
}

func (n *Navigator) scope(relativePath string) string {
	if n.mountPath == "" {
		return relativePath
	}
	rel := "/" + strings.TrimPrefix(relativePath, "/")
	if rel == "/" {
		return n.mountPath
	}
	return n.mountPath + rel
}

// composeLocked auto 参数在前，已应用 draft 在后，各自按 schema 顺序
func (n *Navigator) composeLocked() string {
	pairs := Encode(n.autoParams, n.auto)
	pairs = append(pairs, Encode(n.applied, n.draft)...)
	return BuildHash(n.path, pairs, n.namespace)
}

func (n *Navigator) write(hash string) {
	n.logger.Debug(context.Background(), "write hash", logging.String("hash", hash))
	n.location.SetHash(hash)
}

// Hash 由当前状态生成的 hash（不写入 Location）
func (n *Navigator) Hash() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.composeLocked()
}

// FullPath URL 中的完整路径
func (n *Navigator) FullPath() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.path
}

// InScope 路径是否位于 MountPath 之下
func (n *Navigator) InScope() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inScopeLocked()
}

func (n *Navigator) inScopeLocked() bool {
	if n.mountPath == "" {
		return true
	}
	return n.path == n.mountPath || strings.HasPrefix(n.path, n.mountPath+"/")
}

// Path 去掉 MountPath 后的路径；不在范围内时原样返回
func (n *Navigator) Path() string {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.mountPath == "" || !n.inScopeLocked() {
		return n.path
	}
	if n.path == n.mountPath {
		return "/"
	}
	return strings.TrimPrefix(n.path, n.mountPath)
}

func (n *Navigator) AutoParams() Params {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.autoParams.Clone()
}

func (n *Navigator) DraftParams() Params {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.draftParams.Clone()
}

func (n *Navigator) AppliedDraftParams() Params {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.applied.Clone()
}

// Initialized 是否已完成首次解析
func (n *Navigator) Initialized() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.initialized
}

// HasChanges draft 与已应用快照是否不同；快照中缺失的键按默认值比较
func (n *Navigator) HasChanges() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	keys := make(map[string]struct{}, len(n.draftParams)+len(n.applied))
	for k := range n.draftParams {
		keys[k] = struct{}{}
	}
	for k := range n.applied {
		keys[k] = struct{}{}
	}

	for k := range keys {
		def, _ := n.draft.Lookup(k)
		current, ok := n.draftParams[k]
		if !ok {
			current = def.Default
		}
		applied, ok := n.applied[k]
		if !ok {
			applied = def.Default
		}
		if !ChangeEqual(current, applied) {
			return true
		}
	}
	return false
}
