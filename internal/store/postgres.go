package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvitationExpired   = errors.New("invitation expired")
	ErrInvitationExhausted = errors.New("invitation usage limit reached")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

const userColumns = `id, email, display_name, password_hash, is_email_verified,
	verification_token, verification_expires_at, deactivated_at, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(
		&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash,
		&user.IsEmailVerified, &user.VerificationToken, &user.VerificationExpiresAt,
		&user.DeactivatedAt, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE LOWER(email) = LOWER($1) AND deactivated_at IS NULL
	`, email)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1 AND deactivated_at IS NULL
	`, userID)
	return scanUser(row)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, is_email_verified, verification_token)
		VALUES ($1, LOWER($2), $3, $4, $5, $6)
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token='', verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// DeactivateUser soft-deletes the account and removes every membership the
// user holds on other people's trees. Owned trees are kept.
func (s *PostgresStore) DeactivateUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin deactivate tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tree_memberships WHERE user_id=$1`, userID); err != nil {
		return fmt.Errorf("remove memberships: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE user_id=$1`, userID); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET deactivated_at=NOW(), updated_at=NOW() WHERE id=$1`, userID); err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	return tx.Commit()
}

// Refresh sessions / token revocation

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.display_name
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
			AND u.deactivated_at IS NULL
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Email, &user.DisplayName)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// Trees

func (s *PostgresStore) CreateTree(ctx context.Context, tree Tree) (Tree, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO trees (id, name, owner_id, is_public, allow_file_uploads, is_demo)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, tree.ID, tree.Name, tree.OwnerID, tree.IsPublic, tree.AllowFileUploads, tree.IsDemo).
		Scan(&tree.CreatedAt, &tree.UpdatedAt)
	if err != nil {
		return Tree{}, fmt.Errorf("insert tree: %w", err)
	}
	tree.Members = map[string]Role{}
	return tree, nil
}

func (s *PostgresStore) GetTree(ctx context.Context, treeID string) (Tree, error) {
	var tree Tree
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, is_public, allow_file_uploads, is_demo, created_at, updated_at
		FROM trees
		WHERE id=$1
	`, treeID).Scan(&tree.ID, &tree.Name, &tree.OwnerID, &tree.IsPublic,
		&tree.AllowFileUploads, &tree.IsDemo, &tree.CreatedAt, &tree.UpdatedAt)
	if err != nil {
		return Tree{}, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT user_id, role FROM tree_memberships WHERE tree_id=$1`, treeID)
	if err != nil {
		return Tree{}, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	tree.Members = map[string]Role{}
	for rows.Next() {
		var userID string
		var role Role
		if err := rows.Scan(&userID, &role); err != nil {
			return Tree{}, fmt.Errorf("scan membership: %w", err)
		}
		tree.Members[userID] = role
	}
	if err := rows.Err(); err != nil {
		return Tree{}, fmt.Errorf("iterate memberships: %w", err)
	}
	return tree, nil
}

func (s *PostgresStore) ListTreesForUser(ctx context.Context, userID string) ([]Tree, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT t.id, t.name, t.owner_id, t.is_public, t.allow_file_uploads, t.is_demo, t.created_at, t.updated_at
		FROM trees t
		LEFT JOIN tree_memberships m ON m.tree_id = t.id
		WHERE t.owner_id = $1 OR m.user_id = $1
		ORDER BY t.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list trees: %w", err)
	}
	defer rows.Close()

	trees := make([]Tree, 0)
	for rows.Next() {
		var tree Tree
		if err := rows.Scan(&tree.ID, &tree.Name, &tree.OwnerID, &tree.IsPublic,
			&tree.AllowFileUploads, &tree.IsDemo, &tree.CreatedAt, &tree.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tree: %w", err)
		}
		trees = append(trees, tree)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trees: %w", err)
	}
	return trees, nil
}

// SetTreeDemo flags a tree as the demo tree. Returns false when no such tree
// exists.
func (s *PostgresStore) SetTreeDemo(ctx context.Context, treeID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE trees SET is_demo=TRUE WHERE id=$1`, treeID)
	if err != nil {
		return false, fmt.Errorf("set demo flag: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set demo flag: %w", err)
	}
	return affected > 0, nil
}

// DeleteTree removes the tree row; persons, memberships, invitations and
// invitation uses go with it through ON DELETE CASCADE.
func (s *PostgresStore) DeleteTree(ctx context.Context, treeID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM trees WHERE id=$1`, treeID)
	if err != nil {
		return fmt.Errorf("delete tree: %w", err)
	}
	return nil
}

// Memberships

type Member struct {
	UserID string
	Email  string
	Role   Role
}

func (s *PostgresStore) ListTreeMembers(ctx context.Context, treeID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.user_id, u.email, m.role
		FROM tree_memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.tree_id = $1
		ORDER BY m.granted_at
	`, treeID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	members := make([]Member, 0)
	for rows.Next() {
		var member Member
		if err := rows.Scan(&member.UserID, &member.Email, &member.Role); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

func (s *PostgresStore) AddMembership(ctx context.Context, treeID, userID string, role Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tree_memberships (tree_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (tree_id, user_id) DO NOTHING
	`, treeID, userID, role)
	if err != nil {
		return fmt.Errorf("add membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveMembership(ctx context.Context, treeID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM tree_memberships WHERE tree_id=$1 AND user_id=$2
	`, treeID, userID)
	if err != nil {
		return false, fmt.Errorf("remove membership: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove membership result: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpdateMembershipRole(ctx context.Context, treeID, userID string, role Role) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tree_memberships SET role=$3 WHERE tree_id=$1 AND user_id=$2
	`, treeID, userID, role)
	if err != nil {
		return false, fmt.Errorf("update membership role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update membership result: %w", err)
	}
	return affected > 0, nil
}

// Persons

func (s *PostgresStore) ListPersonData(ctx context.Context, treeID string) ([]Person, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tree_id, id, data FROM persons WHERE tree_id=$1 ORDER BY id
	`, treeID)
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}
	defer rows.Close()
	return scanPersons(rows)
}

func (s *PostgresStore) GetPersonsByIDs(ctx context.Context, treeID string, ids []int64) ([]Person, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tree_id, id, data FROM persons WHERE tree_id=$1 AND id = ANY($2)
	`, treeID, int64Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get persons: %w", err)
	}
	defer rows.Close()
	return scanPersons(rows)
}

func scanPersons(rows *sql.Rows) ([]Person, error) {
	persons := make([]Person, 0)
	for rows.Next() {
		var person Person
		if err := rows.Scan(&person.TreeID, &person.ID, &person.Data); err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		persons = append(persons, person)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persons: %w", err)
	}
	return persons, nil
}

func (s *PostgresStore) MaxPersonID(ctx context.Context, treeID string) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(id), 0) FROM persons WHERE tree_id=$1
	`, treeID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max person id: %w", err)
	}
	return max, nil
}

// BatchUpdatePersons applies adds, modifications and deletions in a single
// transaction. File cleanup is the caller's concern.
func (s *PostgresStore) BatchUpdatePersons(ctx context.Context, treeID string, add, modify []Person, deleteIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback()

	for _, person := range add {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO persons (tree_id, id, data) VALUES ($1, $2, $3)
		`, treeID, person.ID, []byte(person.Data)); err != nil {
			return fmt.Errorf("insert person %d: %w", person.ID, err)
		}
	}
	for _, person := range modify {
		if _, err := tx.ExecContext(ctx, `
			UPDATE persons SET data=$3 WHERE tree_id=$1 AND id=$2
		`, treeID, person.ID, []byte(person.Data)); err != nil {
			return fmt.Errorf("update person %d: %w", person.ID, err)
		}
	}
	if len(deleteIDs) > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM persons WHERE tree_id=$1 AND id = ANY($2)
		`, treeID, int64Array(deleteIDs)); err != nil {
			return fmt.Errorf("delete persons: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE trees SET updated_at=NOW() WHERE id=$1`, treeID); err != nil {
		return fmt.Errorf("touch tree: %w", err)
	}
	return tx.Commit()
}

// int64Array renders a Postgres bigint array literal. The stdlib driver
// bridge does not convert Go slices on its own.
func int64Array(ids []int64) string {
	out := "{"
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%d", id)
	}
	return out + "}"
}

// Invitations

func (s *PostgresStore) CreateInvitation(ctx context.Context, inv Invitation) (Invitation, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tree_invitations (token, tree_id, role, expires_at, usage_limit)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, inv.Token, inv.TreeID, inv.Role, inv.ExpiresAt, inv.UsageLimit).Scan(&inv.CreatedAt)
	if err != nil {
		return Invitation{}, fmt.Errorf("insert invitation: %w", err)
	}
	return inv, nil
}

func (s *PostgresStore) GetInvitation(ctx context.Context, token string) (Invitation, error) {
	var inv Invitation
	err := s.db.QueryRowContext(ctx, `
		SELECT token, tree_id, role, expires_at, usage_limit, created_at
		FROM tree_invitations
		WHERE token=$1
	`, token).Scan(&inv.Token, &inv.TreeID, &inv.Role, &inv.ExpiresAt, &inv.UsageLimit, &inv.CreatedAt)
	if err != nil {
		return Invitation{}, err
	}
	inv.UsedBy, err = s.invitationUses(ctx, s.db, token)
	if err != nil {
		return Invitation{}, err
	}
	return inv, nil
}

func (s *PostgresStore) ListTreeInvitations(ctx context.Context, treeID string) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, tree_id, role, expires_at, usage_limit, created_at
		FROM tree_invitations
		WHERE tree_id=$1
		ORDER BY created_at DESC
	`, treeID)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	invitations := make([]Invitation, 0)
	for rows.Next() {
		var inv Invitation
		if err := rows.Scan(&inv.Token, &inv.TreeID, &inv.Role, &inv.ExpiresAt, &inv.UsageLimit, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		invitations = append(invitations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invitations: %w", err)
	}
	for i := range invitations {
		invitations[i].UsedBy, err = s.invitationUses(ctx, s.db, invitations[i].Token)
		if err != nil {
			return nil, err
		}
	}
	return invitations, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) invitationUses(ctx context.Context, q querier, token string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id FROM invitation_uses WHERE token=$1 ORDER BY used_at
	`, token)
	if err != nil {
		return nil, fmt.Errorf("list invitation uses: %w", err)
	}
	defer rows.Close()

	users := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan invitation use: %w", err)
		}
		users = append(users, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invitation uses: %w", err)
	}
	return users, nil
}

// ExpireInvitation revokes a link by moving its expiry to now. Returns false
// when the token does not exist under the given tree.
func (s *PostgresStore) ExpireInvitation(ctx context.Context, treeID, token string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tree_invitations SET expires_at=NOW() WHERE token=$1 AND tree_id=$2
	`, token, treeID)
	if err != nil {
		return false, fmt.Errorf("expire invitation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire invitation result: %w", err)
	}
	return affected > 0, nil
}

// ConsumeInvitation validates the token and joins the user to its tree in a
// single transaction. Re-consumption by the same user is idempotent and
// returns the tree id without touching any row. Membership is granted only
// when the user is not already the owner or a member.
func (s *PostgresStore) ConsumeInvitation(ctx context.Context, token, userID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin consume tx: %w", err)
	}
	defer tx.Rollback()

	var inv Invitation
	err = tx.QueryRowContext(ctx, `
		SELECT token, tree_id, role, expires_at, usage_limit
		FROM tree_invitations
		WHERE token=$1
		FOR UPDATE
	`, token).Scan(&inv.Token, &inv.TreeID, &inv.Role, &inv.ExpiresAt, &inv.UsageLimit)
	if err != nil {
		return "", err
	}

	if inv.Expired(time.Now()) {
		return "", ErrInvitationExpired
	}

	inv.UsedBy, err = s.invitationUses(ctx, tx, token)
	if err != nil {
		return "", err
	}
	if inv.ConsumedBy(userID) {
		// Repeat join: same tree, no state change.
		return inv.TreeID, nil
	}
	if inv.Exhausted() {
		return "", ErrInvitationExhausted
	}

	var ownerID string
	if err := tx.QueryRowContext(ctx, `SELECT owner_id FROM trees WHERE id=$1`, inv.TreeID).Scan(&ownerID); err != nil {
		return "", fmt.Errorf("load tree owner: %w", err)
	}

	// Membership check precedes the grant so an existing editor/viewer keeps
	// their current role.
	if ownerID != userID {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tree_memberships (tree_id, user_id, role)
			VALUES ($1, $2, $3)
			ON CONFLICT (tree_id, user_id) DO NOTHING
		`, inv.TreeID, userID, inv.Role); err != nil {
			return "", fmt.Errorf("grant membership: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO invitation_uses (token, user_id)
		VALUES ($1, $2)
		ON CONFLICT (token, user_id) DO NOTHING
	`, token, userID); err != nil {
		return "", fmt.Errorf("record invitation use: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit consume tx: %w", err)
	}
	return inv.TreeID, nil
}
