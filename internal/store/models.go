package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID                    string
	Email                 string
	DisplayName           string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Role of a shared member on a tree. The owner is a scalar column on the
// tree record and never appears in the membership table.
type Role string

const (
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool {
	return r == RoleEditor || r == RoleViewer
}

type Tree struct {
	ID               string
	Name             string
	OwnerID          string
	IsPublic         bool
	AllowFileUploads bool
	IsDemo           bool
	// Members maps user id to editor/viewer role.
	Members   map[string]Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Person is an opaque data blob keyed by a numeric id unique within its tree.
type Person struct {
	TreeID string
	ID     int64
	Data   json.RawMessage
}

type Invitation struct {
	Token      string
	TreeID     string
	Role       Role
	ExpiresAt  time.Time
	UsageLimit *int
	// UsedBy holds the distinct user ids that consumed the token.
	UsedBy    []string
	CreatedAt time.Time
}

func (inv Invitation) Expired(now time.Time) bool {
	return !inv.ExpiresAt.After(now)
}

func (inv Invitation) Exhausted() bool {
	return inv.UsageLimit != nil && len(inv.UsedBy) >= *inv.UsageLimit
}

func (inv Invitation) ConsumedBy(userID string) bool {
	for _, id := range inv.UsedBy {
		if id == userID {
			return true
		}
	}
	return false
}
