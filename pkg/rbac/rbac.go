// Package rbac provides role-based access control checks for groups.
//
// Checks always evaluate creator status before role status: the creator is
// privileged even if the role bookkeeping were inconsistent, so a creator can
// never be locked out of their own group.
package rbac

import (
	"fmt"

	"github.com/NicolasHaas/linechat/pkg/model"
)

// permissionMatrix maps roles to their allowed permissions.
var permissionMatrix = map[model.GroupRole]map[model.Permission]bool{
	model.GroupRoleAdmin: {
		model.PermSendMessage:  true,
		model.PermListMembers:  true,
		model.PermAddMember:    true,
		model.PermRemoveMember: true,
		model.PermRenameGroup:  true,
	},
	model.GroupRoleMember: {
		model.PermSendMessage: true,
		model.PermListMembers: true,
	},
}

// creatorOnly lists permissions no role grants.
var creatorOnly = map[model.Permission]bool{
	model.PermChangeRole:  true,
	model.PermDeleteGroup: true,
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role model.GroupRole, perm model.Permission) bool {
	perms, ok := permissionMatrix[role]
	if !ok {
		return false
	}
	return perms[perm]
}

// Authorize returns nil if userID may perform perm in g, or an error wrapping
// model.ErrPermissionDenied.
func Authorize(g *model.Group, userID string, perm model.Permission) error {
	if g.IsCreator(userID) {
		return nil
	}
	if creatorOnly[perm] {
		return fmt.Errorf("%w: %s is reserved to the group creator", model.ErrPermissionDenied, permName(perm))
	}
	role, ok := g.RoleOf(userID)
	if !ok {
		return fmt.Errorf("%w: not a member of %s", model.ErrPermissionDenied, g.ID)
	}
	if !HasPermission(role, perm) {
		return fmt.Errorf("%w: %s requires admin role", model.ErrPermissionDenied, permName(perm))
	}
	return nil
}

// AuthorizeRemove applies the removal rules: the creator can never be removed;
// otherwise the actor must be the creator, an admin, or the target itself.
func AuthorizeRemove(g *model.Group, actorID, targetID string) error {
	if g.IsCreator(targetID) {
		return fmt.Errorf("%w: the group creator cannot be removed", model.ErrPermissionDenied)
	}
	if actorID == targetID && g.IsMember(actorID) {
		return nil
	}
	return Authorize(g, actorID, model.PermRemoveMember)
}

func permName(p model.Permission) string {
	switch p {
	case model.PermSendMessage:
		return "send_message"
	case model.PermListMembers:
		return "list_members"
	case model.PermAddMember:
		return "add_member"
	case model.PermRemoveMember:
		return "remove_member"
	case model.PermRenameGroup:
		return "rename_group"
	case model.PermChangeRole:
		return "change_role"
	case model.PermDeleteGroup:
		return "delete_group"
	default:
		return "unknown"
	}
}
