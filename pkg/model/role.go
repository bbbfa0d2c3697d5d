package model

// GroupRole is a member's permission level inside a single group.
type GroupRole int

const (
	GroupRoleMember GroupRole = iota // Can send group messages and leave
	GroupRoleAdmin                   // Can also add, remove and rename
)

func (r GroupRole) String() string {
	switch r {
	case GroupRoleMember:
		return "member"
	case GroupRoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseGroupRole converts a string to a GroupRole.
func ParseGroupRole(s string) GroupRole {
	switch s {
	case "admin":
		return GroupRoleAdmin
	default:
		return GroupRoleMember
	}
}

// Valid returns true if the role is a recognised value (Member or Admin).
func (r GroupRole) Valid() bool {
	return r >= GroupRoleMember && r <= GroupRoleAdmin
}

// Permission represents a group action that can be checked against a role.
type Permission int

const (
	PermSendMessage Permission = iota
	PermListMembers
	PermAddMember
	PermRemoveMember
	PermRenameGroup
	PermChangeRole  // creator only
	PermDeleteGroup // creator only
)
