package rbac

import (
	"testing"

	"lignage/api/internal/store"
)

func TestResolve(t *testing.T) {
	tree := store.Tree{
		ID:      "tree-1",
		OwnerID: "owner",
		Members: map[string]store.Role{
			"editor": store.RoleEditor,
			"viewer": store.RoleViewer,
		},
	}
	publicTree := tree
	publicTree.IsPublic = true

	tests := []struct {
		name    string
		tree    store.Tree
		userID  string
		canView bool
		canEdit bool
	}{
		{"owner edits private", tree, "owner", true, true},
		{"editor edits private", tree, "editor", true, true},
		{"viewer views private", tree, "viewer", true, false},
		{"stranger blocked on private", tree, "stranger", false, false},
		{"anonymous blocked on private", tree, "", false, false},
		{"anonymous views public", publicTree, "", true, false},
		{"stranger views public", publicTree, "stranger", true, false},
		{"viewer cannot edit public", publicTree, "viewer", true, false},
		{"owner edits public", publicTree, "owner", true, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			perms := Resolve(tc.tree, tc.userID)
			if perms.CanView != tc.canView || perms.CanEdit != tc.canEdit {
				t.Fatalf("Resolve(%q) = %+v, want view=%v edit=%v", tc.userID, perms, tc.canView, tc.canEdit)
			}
		})
	}
}
