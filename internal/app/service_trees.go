package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lignage/api/internal/rbac"
	"lignage/api/internal/search"
	"lignage/api/internal/store"
)

// TreeInfo is the summary the tree page loads first.
type TreeInfo struct {
	Exist    bool `json:"exist"`
	Editable bool `json:"editable"`
	File     bool `json:"file"`
	Demo     bool `json:"demo"`
}

// TreeSummary is one entry of the caller's tree list.
type TreeSummary struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Role        string             `json:"role"`
	IsPublic    bool               `json:"is_public"`
	IsDemo      bool               `json:"is_demo"`
	UpdatedAt   time.Time          `json:"updated_at"`
	Members     []MemberInfo       `json:"members,omitempty"`
	Invitations []InvitationStatus `json:"invitations,omitempty"`
}

type MemberInfo struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type InvitationStatus struct {
	Link      string    `json:"link"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
	UsedCount int       `json:"used_count"`
	Limit     *int      `json:"limit,omitempty"`
}

// loadTree fetches the tree and resolves the caller's permissions in one go.
func (s *Service) loadTree(ctx context.Context, treeID, userID string) (store.Tree, rbac.Perms, error) {
	tree, err := s.store.GetTree(ctx, treeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Tree{}, rbac.Perms{}, domainError(http.StatusNotFound, "tree not found")
		}
		return store.Tree{}, rbac.Perms{}, err
	}
	return tree, rbac.Resolve(tree, userID), nil
}

// GetTreeInfo answers the tree summary for any caller with view access.
// File uploads are hidden on the demo tree for everyone who cannot edit it.
func (s *Service) GetTreeInfo(ctx context.Context, treeID, userID string) (TreeInfo, error) {
	tree, perms, err := s.loadTree(ctx, treeID, userID)
	if err != nil {
		return TreeInfo{}, err
	}
	if !perms.CanView {
		return TreeInfo{}, domainError(http.StatusForbidden, "no access to this tree")
	}
	return TreeInfo{
		Exist:    true,
		Editable: perms.CanEdit,
		File:     tree.AllowFileUploads && !(tree.IsDemo && !perms.CanEdit),
		Demo:     tree.IsDemo,
	}, nil
}

// CreateTree makes the caller the owner of a new empty tree.
func (s *Service) CreateTree(ctx context.Context, session Session, name string, isPublic bool) (store.Tree, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Tree{}, domainError(http.StatusBadRequest, "tree name is required")
	}

	tree, err := s.store.CreateTree(ctx, store.Tree{
		ID:               uuid.NewString(),
		Name:             name,
		OwnerID:          session.UserID,
		IsPublic:         isPublic,
		AllowFileUploads: true,
	})
	if err != nil {
		return store.Tree{}, err
	}
	return tree, nil
}

// ListTrees returns every tree the caller owns or was granted. Member emails
// and open invitations only show up on trees the caller owns.
func (s *Service) ListTrees(ctx context.Context, session Session) ([]TreeSummary, error) {
	trees, err := s.store.ListTreesForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	summaries := make([]TreeSummary, 0, len(trees))
	for _, tree := range trees {
		summary := TreeSummary{
			ID:        tree.ID,
			Name:      tree.Name,
			IsPublic:  tree.IsPublic,
			IsDemo:    tree.IsDemo,
			UpdatedAt: tree.UpdatedAt,
		}

		if tree.OwnerID == session.UserID {
			summary.Role = "owner"

			members, err := s.store.ListTreeMembers(ctx, tree.ID)
			if err != nil {
				return nil, err
			}
			for _, member := range members {
				summary.Members = append(summary.Members, MemberInfo{Email: member.Email, Role: string(member.Role)})
			}

			invitations, err := s.store.ListTreeInvitations(ctx, tree.ID)
			if err != nil {
				return nil, err
			}
			now := time.Now()
			for _, inv := range invitations {
				if inv.Expired(now) || inv.Exhausted() {
					continue
				}
				summary.Invitations = append(summary.Invitations, InvitationStatus{
					Link:      s.invitationLink(inv.Token),
					Role:      string(inv.Role),
					ExpiresAt: inv.ExpiresAt,
					UsedCount: len(inv.UsedBy),
					Limit:     inv.UsageLimit,
				})
			}
		} else {
			full, err := s.store.GetTree(ctx, tree.ID)
			if err != nil {
				return nil, err
			}
			summary.Role = string(full.Members[session.UserID])
		}

		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// GetTreeData returns every person blob of the tree.
func (s *Service) GetTreeData(ctx context.Context, treeID, userID string) ([]json.RawMessage, error) {
	_, perms, err := s.loadTree(ctx, treeID, userID)
	if err != nil {
		return nil, err
	}
	if !perms.CanView {
		return nil, domainError(http.StatusForbidden, "no access to this tree")
	}

	persons, err := s.store.ListPersonData(ctx, treeID)
	if err != nil {
		return nil, err
	}
	return rawPersons(persons), nil
}

// NewPersonID hands out the next free person id for the tree.
func (s *Service) NewPersonID(ctx context.Context, session Session, treeID string) (int64, error) {
	_, perms, err := s.loadTree(ctx, treeID, session.UserID)
	if err != nil {
		return 0, err
	}
	if !perms.CanEdit {
		return 0, domainError(http.StatusForbidden, "edit permission required")
	}
	return s.ids.Next(ctx, treeID)
}

// DeleteTree removes the tree, its persons and invitations (database
// cascade), then purges stored files and the search index best-effort.
func (s *Service) DeleteTree(ctx context.Context, session Session, treeID string) error {
	tree, _, err := s.loadTree(ctx, treeID, session.UserID)
	if err != nil {
		return err
	}
	if tree.OwnerID != session.UserID {
		return domainError(http.StatusForbidden, "only the owner can delete a tree")
	}

	if err := s.store.DeleteTree(ctx, treeID); err != nil {
		return err
	}
	s.ids.Forget(treeID)
	if s.search != nil {
		s.search.DeleteTree(treeID)
	}
	if s.files != nil {
		if err := s.files.RemovePrefix(ctx, treeID); err != nil {
			s.logger.Warn("purge tree files", zap.String("tree_id", treeID), zap.Error(err))
		}
	}
	return nil
}

// SearchPersons finds persons within one tree for any caller with view access.
func (s *Service) SearchPersons(ctx context.Context, treeID, userID, query string, limit int) (search.Response, error) {
	_, perms, err := s.loadTree(ctx, treeID, userID)
	if err != nil {
		return search.Response{}, err
	}
	if !perms.CanView {
		return search.Response{}, domainError(http.StatusForbidden, "no access to this tree")
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: query}, nil
	}
	return s.search.Search(search.Query{TreeID: treeID, Text: query, Limit: limit}), nil
}

func (s *Service) invitationLink(token string) string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/join/" + token
}
