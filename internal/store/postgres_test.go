package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestGetTreeWithMembers(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM trees")).
		WithArgs("tree-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "owner_id", "is_public", "allow_file_uploads", "is_demo", "created_at", "updated_at",
		}).AddRow("tree-1", "Famille Dupont", "user-owner", false, true, false, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM tree_memberships")).
		WithArgs("tree-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "role"}).
			AddRow("user-editor", "editor").
			AddRow("user-viewer", "viewer"))

	tree, err := store.GetTree(context.Background(), "tree-1")
	require.NoError(t, err)
	assert.Equal(t, "user-owner", tree.OwnerID)
	assert.Equal(t, RoleEditor, tree.Members["user-editor"])
	assert.Equal(t, RoleViewer, tree.Members["user-viewer"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveMembershipReportsMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM tree_memberships")).
		WithArgs("tree-1", "user-x").
		WillReturnResult(sqlmock.NewResult(0, 0))

	removed, err := store.RemoveMembership(context.Background(), "tree-1", "user-x")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchUpdatePersonsSingleTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO persons")).
		WithArgs("tree-1", int64(4), []byte(`{"id":4}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE persons SET data")).
		WithArgs("tree-1", int64(2), []byte(`{"id":2,"name":"Ada"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM persons")).
		WithArgs("tree-1", "{3}").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE trees SET updated_at")).
		WithArgs("tree-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.BatchUpdatePersons(context.Background(), "tree-1",
		[]Person{{TreeID: "tree-1", ID: 4, Data: []byte(`{"id":4}`)}},
		[]Person{{TreeID: "tree-1", ID: 2, Data: []byte(`{"id":2,"name":"Ada"}`)}},
		[]int64{3})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchUpdatePersonsRollsBackOnInsertConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO persons")).
		WithArgs("tree-1", int64(4), []byte(`{"id":4}`)).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.BatchUpdatePersons(context.Background(), "tree-1",
		[]Person{{TreeID: "tree-1", ID: 4, Data: []byte(`{"id":4}`)}}, nil, nil)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeInvitationIdempotentRepeat(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM tree_invitations")).
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"token", "tree_id", "role", "expires_at", "usage_limit"}).
			AddRow("tok-1", "tree-1", "viewer", time.Now().Add(time.Hour), nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM invitation_uses")).
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-1"))
	mock.ExpectRollback()

	treeID, err := store.ConsumeInvitation(context.Background(), "tok-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "tree-1", treeID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeInvitationExpired(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM tree_invitations")).
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"token", "tree_id", "role", "expires_at", "usage_limit"}).
			AddRow("tok-1", "tree-1", "viewer", time.Now().Add(-time.Minute), nil))
	mock.ExpectRollback()

	_, err := store.ConsumeInvitation(context.Background(), "tok-1", "user-1")
	assert.ErrorIs(t, err, ErrInvitationExpired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeInvitationExhausted(t *testing.T) {
	store, mock := newMockStore(t)
	limit := 2

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM tree_invitations")).
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"token", "tree_id", "role", "expires_at", "usage_limit"}).
			AddRow("tok-1", "tree-1", "viewer", time.Now().Add(time.Hour), limit))
	mock.ExpectQuery(regexp.QuoteMeta("FROM invitation_uses")).
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).
			AddRow("user-a").AddRow("user-b"))
	mock.ExpectRollback()

	_, err := store.ConsumeInvitation(context.Background(), "tok-1", "user-new")
	assert.ErrorIs(t, err, ErrInvitationExhausted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeInvitationGrantsMembershipAndRecordsUse(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM tree_invitations")).
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"token", "tree_id", "role", "expires_at", "usage_limit"}).
			AddRow("tok-1", "tree-1", "editor", time.Now().Add(time.Hour), nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM invitation_uses")).
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT owner_id FROM trees")).
		WithArgs("tree-1").
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("user-owner"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tree_memberships")).
		WithArgs("tree-1", "user-new", RoleEditor).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO invitation_uses")).
		WithArgs("tok-1", "user-new").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	treeID, err := store.ConsumeInvitation(context.Background(), "tok-1", "user-new")
	require.NoError(t, err)
	assert.Equal(t, "tree-1", treeID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeInvitationOwnerSkipsGrant(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM tree_invitations")).
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"token", "tree_id", "role", "expires_at", "usage_limit"}).
			AddRow("tok-1", "tree-1", "viewer", time.Now().Add(time.Hour), nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM invitation_uses")).
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT owner_id FROM trees")).
		WithArgs("tree-1").
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("user-owner"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO invitation_uses")).
		WithArgs("tok-1", "user-owner").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	treeID, err := store.ConsumeInvitation(context.Background(), "tok-1", "user-owner")
	require.NoError(t, err)
	assert.Equal(t, "tree-1", treeID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
