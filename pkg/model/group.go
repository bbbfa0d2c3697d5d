package model

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const MaxGroupNameLength = 64

var ErrGroupNameEmpty = errors.New("group name must not be empty")
var ErrGroupNameTooLong = errors.New("group name too long")

// Group is a named set of users used to scope group messages.
//
// Invariants: CreatorID is always in Members with GroupRoleAdmin, and a user
// appears in Roles iff it appears in Members.
type Group struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description"`
	CreatorID   string               `json:"creator_id"`
	Members     []string             `json:"members"` // join order
	Roles       map[string]GroupRole `json:"roles"`
	CreatedAt   time.Time            `json:"created_at"`
}

// NewGroup returns a group whose only member is its creator, as admin.
func NewGroup(id, name, creatorID string, createdAt time.Time) *Group {
	return &Group{
		ID:        id,
		Name:      name,
		CreatorID: creatorID,
		Members:   []string{creatorID},
		Roles:     map[string]GroupRole{creatorID: GroupRoleAdmin},
		CreatedAt: createdAt,
	}
}

// ValidateGroupName rejects empty, whitespace-only and overlong names.
func ValidateGroupName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrGroupNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxGroupNameLength {
		return ErrGroupNameTooLong
	}
	return nil
}

func (g *Group) IsCreator(userID string) bool {
	return g.CreatorID == userID
}

func (g *Group) IsMember(userID string) bool {
	_, ok := g.Roles[userID]
	return ok
}

// RoleOf returns the member's role; ok is false for non-members.
func (g *Group) RoleOf(userID string) (role GroupRole, ok bool) {
	role, ok = g.Roles[userID]
	return role, ok
}

// Clone returns a deep copy safe to hand out of a lock.
func (g *Group) Clone() *Group {
	c := *g
	c.Members = append([]string(nil), g.Members...)
	c.Roles = make(map[string]GroupRole, len(g.Roles))
	for k, v := range g.Roles {
		c.Roles[k] = v
	}
	return &c
}
