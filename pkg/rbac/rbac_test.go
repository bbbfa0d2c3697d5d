package rbac

import (
	"errors"
	"testing"
	"time"

	"github.com/NicolasHaas/linechat/pkg/model"
)

func testGroup() *model.Group {
	g := model.NewGroup("GROUP_0000000A", "team", "alice", time.Now())
	g.Members = append(g.Members, "bob", "carol")
	g.Roles["bob"] = model.GroupRoleAdmin
	g.Roles["carol"] = model.GroupRoleMember
	return g
}

func TestAuthorize(t *testing.T) {
	g := testGroup()

	tests := []struct {
		name  string
		actor string
		perm  model.Permission
		allow bool
	}{
		{"creator deletes", "alice", model.PermDeleteGroup, true},
		{"creator changes roles", "alice", model.PermChangeRole, true},
		{"admin adds", "bob", model.PermAddMember, true},
		{"admin renames", "bob", model.PermRenameGroup, true},
		{"admin cannot delete", "bob", model.PermDeleteGroup, false},
		{"admin cannot change roles", "bob", model.PermChangeRole, false},
		{"member sends", "carol", model.PermSendMessage, true},
		{"member lists", "carol", model.PermListMembers, true},
		{"member cannot add", "carol", model.PermAddMember, false},
		{"outsider cannot send", "dave", model.PermSendMessage, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(g, tt.actor, tt.perm)
			if tt.allow && err != nil {
				t.Fatalf("Authorize: unexpected error: %v", err)
			}
			if !tt.allow && !errors.Is(err, model.ErrPermissionDenied) {
				t.Fatalf("Authorize: want ErrPermissionDenied, got %v", err)
			}
		})
	}
}

func TestAuthorizeCreatorBeforeRole(t *testing.T) {
	g := testGroup()
	// Corrupt the bookkeeping: the creator must still be privileged.
	delete(g.Roles, "alice")

	if err := Authorize(g, "alice", model.PermAddMember); err != nil {
		t.Fatalf("creator locked out by missing role entry: %v", err)
	}
}

func TestAuthorizeRemove(t *testing.T) {
	g := testGroup()

	tests := []struct {
		name          string
		actor, target string
		allow         bool
	}{
		{"creator removes member", "alice", "carol", true},
		{"admin removes member", "bob", "carol", true},
		{"member removes self", "carol", "carol", true},
		{"member removes other", "carol", "bob", false},
		{"creator removes self", "alice", "alice", false},
		{"admin removes creator", "bob", "alice", false},
		{"outsider removes self", "dave", "dave", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := AuthorizeRemove(g, tt.actor, tt.target)
			if tt.allow && err != nil {
				t.Fatalf("AuthorizeRemove: unexpected error: %v", err)
			}
			if !tt.allow && !errors.Is(err, model.ErrPermissionDenied) {
				t.Fatalf("AuthorizeRemove: want ErrPermissionDenied, got %v", err)
			}
		})
	}
}
