package navigation

import "sync"

// Location URL hash 的外部持有者（浏览器地址栏、宿主路由等）
type Location interface {
	Hash() string
	SetHash(hash string)
}

// MemoryLocation 内存实现，记录每次写入，后写覆盖先写
type MemoryLocation struct {
	mu       sync.RWMutex
	hash     string
	history  []string
	watchers []func(hash string)
}

// NewMemoryLocation 创建内存 Location
func NewMemoryLocation(initial string) *MemoryLocation {
	return &MemoryLocation{hash: initial}
}

// Hash 当前 hash
func (l *MemoryLocation) Hash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hash
}

// SetHash 写入 hash 并同步通知观察者
func (l *MemoryLocation) SetHash(hash string) {
	l.mu.Lock()
	l.hash = hash
	l.history = append(l.history, hash)
	watchers := append([]func(string){}, l.watchers...)
	l.mu.Unlock()

	for _, w := range watchers {
		w(hash)
	}
}

// Watch 注册 hash 变化回调
func (l *MemoryLocation) Watch(fn func(hash string)) {
	l.mu.Lock()
	l.watchers = append(l.watchers, fn)
	l.mu.Unlock()
}

// History 返回所有写入记录
func (l *MemoryLocation) History() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.history...)
}
