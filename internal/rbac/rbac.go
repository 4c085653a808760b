// Package rbac resolves what a caller may do with a tree.
package rbac

import "lignage/api/internal/store"

type Perms struct {
	CanView bool
	CanEdit bool
}

// Resolve computes view/edit permissions for userID on tree. An empty userID
// is an anonymous caller, who can only view public trees. The owner and
// editors can edit; viewers and the public can view.
func Resolve(tree store.Tree, userID string) Perms {
	if userID == "" {
		return Perms{CanView: tree.IsPublic}
	}
	if tree.OwnerID == userID {
		return Perms{CanView: true, CanEdit: true}
	}
	switch tree.Members[userID] {
	case store.RoleEditor:
		return Perms{CanView: true, CanEdit: true}
	case store.RoleViewer:
		return Perms{CanView: true}
	}
	return Perms{CanView: tree.IsPublic}
}
