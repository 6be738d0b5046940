// Package permission 权限判定的消费端契约。
//
// 策略本身由外部提供，这里只定义调用签名，并用它过滤导航项与操作的可见性。
package permission

import "sync"

// Oracle 同步权限判定
type Oracle interface {
	HasPermission(roles []string, scopeID, permissionID string) bool
	HasAnyPermission(roles []string, scopeID string, permissionIDs ...string) bool
	HasAllPermissions(roles []string, scopeID string, permissionIDs ...string) bool
}

// Func 把单一判定函数适配为 Oracle
type Func func(roles []string, scopeID, permissionID string) bool

func (f Func) HasPermission(roles []string, scopeID, permissionID string) bool {
	return f(roles, scopeID, permissionID)
}

// HasAnyPermission 空列表视为不满足
func (f Func) HasAnyPermission(roles []string, scopeID string, permissionIDs ...string) bool {
	for _, p := range permissionIDs {
		if f(roles, scopeID, p) {
			return true
		}
	}
	return false
}

// HasAllPermissions 空列表视为满足
func (f Func) HasAllPermissions(roles []string, scopeID string, permissionIDs ...string) bool {
	for _, p := range permissionIDs {
		if !f(roles, scopeID, p) {
			return false
		}
	}
	return true
}

// AnyScope Static 中对所有 scope 生效的授权
const AnyScope = "*"

// Static 基于内存表的 Oracle，用于测试与本地开发
type Static struct {
	mu     sync.RWMutex
	grants map[string]map[string]map[string]struct{} // scope -> role -> permission
}

var _ Oracle = (*Static)(nil)

func NewStatic() *Static {
	return &Static{grants: make(map[string]map[string]map[string]struct{})}
}

// Grant 授予角色在 scope 下的权限，scope 可为 AnyScope
func (s *Static) Grant(scopeID, role string, permissionIDs ...string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	roles, ok := s.grants[scopeID]
	if !ok {
		roles = make(map[string]map[string]struct{})
		s.grants[scopeID] = roles
	}
	perms, ok := roles[role]
	if !ok {
		perms = make(map[string]struct{})
		roles[role] = perms
	}
	for _, p := range permissionIDs {
		perms[p] = struct{}{}
	}
	return s
}

func (s *Static) HasPermission(roles []string, scopeID, permissionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, role := range roles {
		if s.granted(scopeID, role, permissionID) || s.granted(AnyScope, role, permissionID) {
			return true
		}
	}
	return false
}

func (s *Static) granted(scopeID, role, permissionID string) bool {
	_, ok := s.grants[scopeID][role][permissionID]
	return ok
}

func (s *Static) HasAnyPermission(roles []string, scopeID string, permissionIDs ...string) bool {
	return Func(s.HasPermission).HasAnyPermission(roles, scopeID, permissionIDs...)
}

func (s *Static) HasAllPermissions(roles []string, scopeID string, permissionIDs ...string) bool {
	return Func(s.HasPermission).HasAllPermissions(roles, scopeID, permissionIDs...)
}
