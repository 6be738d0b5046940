package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testOracle() *Static {
	return NewStatic().
		Grant("tenant-1", "editor", "orders.read", "orders.write").
		Grant(AnyScope, "admin", "orders.read", "orders.write", "users.manage")
}

func TestStatic_HasPermission(t *testing.T) {
	o := testOracle()

	assert.True(t, o.HasPermission([]string{"editor"}, "tenant-1", "orders.write"))
	assert.False(t, o.HasPermission([]string{"editor"}, "tenant-2", "orders.write"))
	assert.True(t, o.HasPermission([]string{"viewer", "admin"}, "tenant-2", "users.manage"))
	assert.False(t, o.HasPermission(nil, "tenant-1", "orders.read"))
}

func TestStatic_AnyAll(t *testing.T) {
	o := testOracle()
	roles := []string{"editor"}

	assert.True(t, o.HasAnyPermission(roles, "tenant-1", "users.manage", "orders.read"))
	assert.False(t, o.HasAnyPermission(roles, "tenant-1", "users.manage"))
	assert.False(t, o.HasAnyPermission(roles, "tenant-1"))

	assert.True(t, o.HasAllPermissions(roles, "tenant-1", "orders.read", "orders.write"))
	assert.False(t, o.HasAllPermissions(roles, "tenant-1", "orders.read", "users.manage"))
	assert.True(t, o.HasAllPermissions(roles, "tenant-1"))
}

func TestFunc_Adapter(t *testing.T) {
	var calls int
	o := Func(func(roles []string, scopeID, permissionID string) bool {
		calls++
		return permissionID == "a"
	})

	assert.True(t, o.HasAnyPermission(nil, "", "b", "a", "c"))
	assert.Equal(t, 2, calls)
	assert.False(t, o.HasAllPermissions(nil, "", "a", "b"))
}

func TestFilterNavigation(t *testing.T) {
	o := testOracle()
	items := []NavItem{
		{ID: "home", Path: "/"},
		{ID: "orders", Path: "/orders", Requires: Requirement{Permissions: []string{"orders.read"}}, Children: []NavItem{
			{ID: "orders-new", Path: "/orders/new", Requires: Requirement{Permissions: []string{"orders.write"}}},
			{ID: "orders-audit", Path: "/orders/audit", Requires: Requirement{Permissions: []string{"orders.read", "users.manage"}, All: true}},
		}},
		{ID: "admin", Label: "Admin", Children: []NavItem{
			{ID: "users", Path: "/users", Requires: Requirement{Permissions: []string{"users.manage"}}},
		}},
	}

	editor := FilterNavigation(o, Subject{Roles: []string{"editor"}, ScopeID: "tenant-1"}, items)
	assert.Equal(t, []string{"home", "orders"}, ids(editor))
	assert.Equal(t, []string{"orders-new"}, ids(editor[1].Children))

	admin := FilterNavigation(o, Subject{Roles: []string{"admin"}, ScopeID: "tenant-9"}, items)
	assert.Equal(t, []string{"home", "orders", "admin"}, ids(admin))
	assert.Len(t, admin[1].Children, 2)

	guest := FilterNavigation(o, Subject{ScopeID: "tenant-1"}, items)
	assert.Equal(t, []string{"home"}, ids(guest))

	// 原始树不被修改
	assert.Len(t, items[1].Children, 2)
}

func TestFilterActions_NilOracle(t *testing.T) {
	actions := []Action{
		{ID: "export"},
		{ID: "delete", Requires: Requirement{Permissions: []string{"orders.write"}}},
	}
	got := FilterActions(nil, Subject{}, actions)
	assert.Len(t, got, 1)
	assert.Equal(t, "export", got[0].ID)
}

func ids(items []NavItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}
