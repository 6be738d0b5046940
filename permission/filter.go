package permission

// Requirement 可见性所需权限。Permissions 为空时总是可见
type Requirement struct {
	Permissions []string

	// All 为 true 时需要全部权限，否则任一即可
	All bool
}

// Subject 判定主体
type Subject struct {
	Roles   []string
	ScopeID string
}

// Allowed 判定 subject 是否满足 req
func Allowed(o Oracle, subject Subject, req Requirement) bool {
	if len(req.Permissions) == 0 {
		return true
	}
	if o == nil {
		return false
	}
	if req.All {
		return o.HasAllPermissions(subject.Roles, subject.ScopeID, req.Permissions...)
	}
	return o.HasAnyPermission(subject.Roles, subject.ScopeID, req.Permissions...)
}

// NavItem applet 导出的导航项
type NavItem struct {
	ID       string
	Label    string
	Path     string
	Requires Requirement
	Children []NavItem
}

// FilterNavigation 返回 subject 可见的导航树。
// 不可见的节点连同子树一起移除；没有 Path 的分组在子项全部被移除后也移除。
func FilterNavigation(o Oracle, subject Subject, items []NavItem) []NavItem {
	var out []NavItem
	for _, item := range items {
		if !Allowed(o, subject, item.Requires) {
			continue
		}
		hadChildren := len(item.Children) > 0
		item.Children = FilterNavigation(o, subject, item.Children)
		if item.Path == "" && hadChildren && len(item.Children) == 0 {
			continue
		}
		out = append(out, item)
	}
	return out
}

// Action 行或批量操作
type Action struct {
	ID       string
	Label    string
	Requires Requirement
}

// FilterActions 返回 subject 可用的操作，保持原顺序
func FilterActions(o Oracle, subject Subject, actions []Action) []Action {
	var out []Action
	for _, a := range actions {
		if Allowed(o, subject, a.Requires) {
			out = append(out, a)
		}
	}
	return out
}
