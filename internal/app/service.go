package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lignage/api/internal/auth"
	"lignage/api/internal/authpw"
	"lignage/api/internal/config"
	"lignage/api/internal/email"
	"lignage/api/internal/idalloc"
	"lignage/api/internal/search"
	"lignage/api/internal/store"
)

// Session is the authenticated caller derived from an access token.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	DisplayName  string
	CSRF         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error

	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	CreateTree(ctx context.Context, tree store.Tree) (store.Tree, error)
	GetTree(ctx context.Context, treeID string) (store.Tree, error)
	SetTreeDemo(ctx context.Context, treeID string) (bool, error)
	ListTreesForUser(ctx context.Context, userID string) ([]store.Tree, error)
	DeleteTree(ctx context.Context, treeID string) error
	ListTreeMembers(ctx context.Context, treeID string) ([]store.Member, error)
	AddMembership(ctx context.Context, treeID, userID string, role store.Role) error
	RemoveMembership(ctx context.Context, treeID, userID string) (bool, error)
	UpdateMembershipRole(ctx context.Context, treeID, userID string, role store.Role) (bool, error)

	ListPersonData(ctx context.Context, treeID string) ([]store.Person, error)
	GetPersonsByIDs(ctx context.Context, treeID string, ids []int64) ([]store.Person, error)
	MaxPersonID(ctx context.Context, treeID string) (int64, error)
	BatchUpdatePersons(ctx context.Context, treeID string, add, modify []store.Person, deleteIDs []int64) error

	CreateInvitation(ctx context.Context, inv store.Invitation) (store.Invitation, error)
	GetInvitation(ctx context.Context, token string) (store.Invitation, error)
	ListTreeInvitations(ctx context.Context, treeID string) ([]store.Invitation, error)
	ExpireInvitation(ctx context.Context, treeID, token string) (bool, error)
	ConsumeInvitation(ctx context.Context, token, userID string) (string, error)
}

// sessionStore holds refresh sessions; Redis in production, Postgres as
// fallback. Both only persist the user id against the token hash.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type objectStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	PresignedGet(ctx context.Context, path string, ttl time.Duration) (string, error)
	Remove(ctx context.Context, path string) error
	RemovePrefix(ctx context.Context, prefix string) error
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexPersons(records []search.PersonRecord)
	DeletePersons(treeID string, personIDs []int64)
	DeleteTree(treeID string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	files    objectStore
	search   searchService
	authpw   *authpw.Service
	email    *email.Service
	ids      *idalloc.Allocator
	logger   *zap.Logger
}

func NewService(
	cfg config.Config,
	dataStore dataStore,
	sessions sessionStore,
	files objectStore,
	searchSvc searchService,
	authSvc *authpw.Service,
	emailSvc *email.Service,
	ids *idalloc.Allocator,
	logger *zap.Logger,
) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		files:    files,
		search:   searchSvc,
		authpw:   authSvc,
		email:    emailSvc,
		ids:      ids,
		logger:   logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap flags the configured demo tree. Safe to run on every start.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.cfg.DemoTreeID == "" {
		return nil
	}
	flagged, err := s.store.SetTreeDemo(ctx, s.cfg.DemoTreeID)
	if err != nil {
		return fmt.Errorf("flag demo tree: %w", err)
	}
	if !flagged {
		s.logger.Warn("demo tree not found", zap.String("tree_id", s.cfg.DemoTreeID))
	}
	return nil
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// issueSession mints an access token bound to a fresh CSRF value and stores a
// rotated refresh token.
func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	jti := uuid.NewString()
	csrf := randomToken()
	expiresAt := time.Now().Add(s.cfg.AccessTTL)

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		CSRF:  csrf,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue access token: %w", err)
	}

	refreshToken := randomToken()
	refreshExpiry := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refreshToken), user.ID, refreshExpiry); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		Email:        user.Email,
		DisplayName:  user.DisplayName,
		CSRF:         csrf,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SignIn authenticates and optionally consumes a pending invitation token the
// client carried through the login flow. Invitation failures never block the
// sign-in itself.
func (s *Service) SignIn(ctx context.Context, emailAddr, password, joinToken string) (Session, string, error) {
	resp, err := s.authpw.SignIn(ctx, authpw.SignInRequest{Email: emailAddr, Password: password})
	if err != nil {
		return Session{}, "", domainError(http.StatusUnauthorized, "invalid email or password")
	}
	if resp.RequiresVerify {
		return Session{}, "", domainError(http.StatusForbidden, "email not verified")
	}

	session, err := s.issueSession(ctx, resp.User)
	if err != nil {
		return Session{}, "", err
	}

	joinedTree := ""
	if joinToken != "" {
		treeID, err := s.store.ConsumeInvitation(ctx, joinToken, resp.User.ID)
		if err != nil {
			s.logger.Warn("join token not consumed at sign-in", zap.Error(err))
		} else {
			joinedTree = treeID
		}
	}
	return session, joinedTree, nil
}

// SessionFromToken validates an access token and checks the revocation list.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, fmt.Errorf("check token revocation: %w", err)
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		Email:     claims.Email,
		CSRF:      claims.CSRF,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Refresh rotates a refresh token into a fresh session. Deactivated accounts
// fall out here because the user lookup excludes them.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, domainError(http.StatusUnauthorized, "refresh token required")
	}
	tokenHash := auth.HashToken(refreshToken)
	sessionUser, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "refresh token invalid")
	}
	user, err := s.store.GetUserByID(ctx, sessionUser.ID)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "refresh token invalid")
	}

	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		s.logger.Warn("revoke rotated refresh token", zap.Error(err))
	}
	return s.issueSession(ctx, user)
}

// Logout revokes the refresh token and blacklists the access token's JTI
// until it would have expired anyway.
func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh token at logout", zap.Error(err))
		}
	}
	if session.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			return fmt.Errorf("revoke access token: %w", err)
		}
	}
	return nil
}

// DeleteAccount verifies the password and deactivates the account.
func (s *Service) DeleteAccount(ctx context.Context, session Session, password string) error {
	if err := s.authpw.DeleteAccount(ctx, session.UserID, password); err != nil {
		return domainError(http.StatusForbidden, err.Error())
	}
	if session.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token after account deletion", zap.Error(err))
		}
	}
	return nil
}

func mapError(err error) (int, string) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Message
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "not found"
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "unauthorized"
	}
	if errors.Is(err, store.ErrInvitationExpired) || errors.Is(err, store.ErrInvitationExhausted) {
		return http.StatusBadRequest, err.Error()
	}
	// Upstream failures forward the raw message.
	return http.StatusInternalServerError, err.Error()
}

func randomToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func rawPersons(persons []store.Person) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(persons))
	for _, person := range persons {
		out = append(out, person.Data)
	}
	return out
}
