package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lignage/api/internal/store"
)

// Invitation links stay valid this long unless revoked first.
const invitationTTL = 365 * 24 * time.Hour

// requireOwner loads the tree and rejects everyone but its owner.
func (s *Service) requireOwner(ctx context.Context, treeID, userID string) (store.Tree, error) {
	tree, _, err := s.loadTree(ctx, treeID, userID)
	if err != nil {
		return store.Tree{}, err
	}
	if tree.OwnerID != userID {
		return store.Tree{}, domainError(http.StatusForbidden, "only the owner can manage sharing")
	}
	return tree, nil
}

// ShareTree grants a user direct access by email. Users who already have any
// access are rejected so an owner cannot silently demote an editor this way.
func (s *Service) ShareTree(ctx context.Context, session Session, treeID, targetEmail string, role store.Role) error {
	if !role.Valid() {
		return domainError(http.StatusBadRequest, "role must be editor or viewer")
	}

	tree, err := s.requireOwner(ctx, treeID, session.UserID)
	if err != nil {
		return err
	}

	target, err := s.store.GetUserByEmail(ctx, targetEmail)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "no account with this email")
		}
		return err
	}

	if target.ID == tree.OwnerID {
		return domainError(http.StatusBadRequest, "the owner already has full access")
	}
	if _, isMember := tree.Members[target.ID]; isMember {
		return domainError(http.StatusConflict, "user already has access to this tree")
	}

	if err := s.store.AddMembership(ctx, treeID, target.ID, role); err != nil {
		return err
	}

	if s.SMTPConfigured() {
		sharer := session.Email
		if session.DisplayName != "" {
			sharer = session.DisplayName
		}
		treeURL := s.cfg.BaseURL + "/tree/" + treeID
		if err := s.email.SendShareNotification(target.Email, sharer, tree.Name, string(role), treeURL); err != nil {
			s.logger.Warn("share notification email", zap.Error(err))
		}
	}
	return nil
}

// RevokeShare removes a user's direct access by email.
func (s *Service) RevokeShare(ctx context.Context, session Session, treeID, targetEmail string) error {
	tree, err := s.requireOwner(ctx, treeID, session.UserID)
	if err != nil {
		return err
	}

	target, err := s.store.GetUserByEmail(ctx, targetEmail)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "no account with this email")
		}
		return err
	}
	if target.ID == tree.OwnerID {
		return domainError(http.StatusBadRequest, "the owner cannot be removed")
	}

	removed, err := s.store.RemoveMembership(ctx, treeID, target.ID)
	if err != nil {
		return err
	}
	if !removed {
		return domainError(http.StatusNotFound, "user has no access to this tree")
	}
	return nil
}

// UpdatePermission moves a member between the editor and viewer roles.
func (s *Service) UpdatePermission(ctx context.Context, session Session, treeID, targetEmail string, role store.Role) error {
	if !role.Valid() {
		return domainError(http.StatusBadRequest, "role must be editor or viewer")
	}

	tree, err := s.requireOwner(ctx, treeID, session.UserID)
	if err != nil {
		return err
	}

	target, err := s.store.GetUserByEmail(ctx, targetEmail)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "no account with this email")
		}
		return err
	}
	if target.ID == tree.OwnerID {
		return domainError(http.StatusBadRequest, "the owner's role cannot change")
	}

	updated, err := s.store.UpdateMembershipRole(ctx, treeID, target.ID, role)
	if err != nil {
		return err
	}
	if !updated {
		return domainError(http.StatusNotFound, "user has no access to this tree")
	}
	return nil
}

// CreateInvitation mints a shareable join link.
func (s *Service) CreateInvitation(ctx context.Context, session Session, treeID string, role store.Role, usageLimit *int) (string, error) {
	if !role.Valid() {
		return "", domainError(http.StatusBadRequest, "role must be editor or viewer")
	}
	if usageLimit != nil && *usageLimit < 1 {
		return "", domainError(http.StatusBadRequest, "usage limit must be positive")
	}

	if _, err := s.requireOwner(ctx, treeID, session.UserID); err != nil {
		return "", err
	}

	inv, err := s.store.CreateInvitation(ctx, store.Invitation{
		Token:      uuid.NewString(),
		TreeID:     treeID,
		Role:       role,
		ExpiresAt:  time.Now().Add(invitationTTL),
		UsageLimit: usageLimit,
	})
	if err != nil {
		return "", err
	}
	return s.invitationLink(inv.Token), nil
}

// RevokeInvitation kills a join link immediately.
func (s *Service) RevokeInvitation(ctx context.Context, session Session, treeID, token string) error {
	if _, err := s.requireOwner(ctx, treeID, session.UserID); err != nil {
		return err
	}

	revoked, err := s.store.ExpireInvitation(ctx, treeID, token)
	if err != nil {
		return err
	}
	if !revoked {
		return domainError(http.StatusNotFound, "invitation not found")
	}
	return nil
}

// JoinTree consumes an invitation for a signed-in user and returns the tree
// the invitation points at.
func (s *Service) JoinTree(ctx context.Context, session Session, token string) (string, error) {
	treeID, err := s.store.ConsumeInvitation(ctx, token, session.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domainError(http.StatusNotFound, "invitation not found")
		}
		return "", err
	}
	return treeID, nil
}
