package server

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/linechat/pkg/crypto"
	"github.com/NicolasHaas/linechat/pkg/model"
	"github.com/NicolasHaas/linechat/pkg/rbac"
)

// GroupStore holds every group plus the user -> groups index. One lock covers
// both so each mutation updates them together.
type GroupStore struct {
	mu     sync.RWMutex
	groups map[string]*model.Group
	byUser map[string]map[string]struct{} // username -> set of group IDs

	newID func() string
	now   func() time.Time
}

// NewGroupStore creates an empty store.
func NewGroupStore() *GroupStore {
	return &GroupStore{
		groups: make(map[string]*model.Group),
		byUser: make(map[string]map[string]struct{}),
		newID:  crypto.NewGroupID,
		now:    time.Now,
	}
}

func (gs *GroupStore) indexAdd(user, groupID string) {
	set, ok := gs.byUser[user]
	if !ok {
		set = make(map[string]struct{})
		gs.byUser[user] = set
	}
	set[groupID] = struct{}{}
}

func (gs *GroupStore) indexRemove(user, groupID string) {
	set := gs.byUser[user]
	delete(set, groupID)
	if len(set) == 0 {
		delete(gs.byUser, user)
	}
}

func (gs *GroupStore) getLocked(op, groupID string) (*model.Group, error) {
	g, ok := gs.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("groups: %s: group %q: %w", op, groupID, model.ErrNotFound)
	}
	return g, nil
}

// CreateGroup creates a group whose sole member is creatorID, as admin.
func (gs *GroupStore) CreateGroup(name, creatorID string) (*model.Group, error) {
	if err := model.ValidateGroupName(name); err != nil {
		return nil, fmt.Errorf("groups: create: %w: %w", model.ErrInvalidState, err)
	}
	if creatorID == "" {
		return nil, fmt.Errorf("groups: create: missing creator: %w", model.ErrInvalidState)
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	id := gs.newID()
	for _, taken := gs.groups[id]; taken; _, taken = gs.groups[id] {
		id = gs.newID()
	}
	g := model.NewGroup(id, name, creatorID, gs.now())
	gs.groups[id] = g
	gs.indexAdd(creatorID, id)
	return g.Clone(), nil
}

// DeleteGroup removes a group and its index entries. Only the creator may
// delete. The returned group is the state just before deletion.
func (gs *GroupStore) DeleteGroup(groupID, actorID string) (*model.Group, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	g, err := gs.getLocked("delete", groupID)
	if err != nil {
		return nil, err
	}
	if err := rbac.Authorize(g, actorID, model.PermDeleteGroup); err != nil {
		return nil, fmt.Errorf("groups: delete %s: %w", groupID, err)
	}
	for _, m := range g.Members {
		gs.indexRemove(m, groupID)
	}
	delete(gs.groups, groupID)
	return g, nil
}

// AddMember adds targetID with role member. The actor must be the creator or
// an admin.
func (gs *GroupStore) AddMember(groupID, targetID, actorID string) error {
	if err := model.ValidateUsername(targetID); err != nil {
		return fmt.Errorf("groups: add: %w: %w", model.ErrInvalidState, err)
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	g, err := gs.getLocked("add", groupID)
	if err != nil {
		return err
	}
	if err := rbac.Authorize(g, actorID, model.PermAddMember); err != nil {
		return fmt.Errorf("groups: add %s: %w", groupID, err)
	}
	if g.IsMember(targetID) {
		return fmt.Errorf("groups: add %s: %q: %w", groupID, targetID, model.ErrAlreadyExists)
	}
	g.Members = append(g.Members, targetID)
	g.Roles[targetID] = model.GroupRoleMember
	gs.indexAdd(targetID, groupID)
	return nil
}

// RemoveMember removes targetID. The actor must be the creator, an admin, or
// the target itself; the creator can never be removed.
func (gs *GroupStore) RemoveMember(groupID, targetID, actorID string) error {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	g, err := gs.getLocked("remove", groupID)
	if err != nil {
		return err
	}
	if err := rbac.AuthorizeRemove(g, actorID, targetID); err != nil {
		return fmt.Errorf("groups: remove %s: %w", groupID, err)
	}
	if !g.IsMember(targetID) {
		return fmt.Errorf("groups: remove %s: %q is not a member: %w", groupID, targetID, model.ErrNotFound)
	}
	for i, m := range g.Members {
		if m == targetID {
			g.Members = append(g.Members[:i], g.Members[i+1:]...)
			break
		}
	}
	delete(g.Roles, targetID)
	gs.indexRemove(targetID, groupID)
	return nil
}

// Promote makes a member an admin. Creator only.
func (gs *GroupStore) Promote(groupID, targetID, actorID string) error {
	return gs.setRole("promote", groupID, targetID, actorID, model.GroupRoleAdmin)
}

// Demote makes an admin a plain member. Creator only.
func (gs *GroupStore) Demote(groupID, targetID, actorID string) error {
	return gs.setRole("demote", groupID, targetID, actorID, model.GroupRoleMember)
}

func (gs *GroupStore) setRole(op, groupID, targetID, actorID string, role model.GroupRole) error {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	g, err := gs.getLocked(op, groupID)
	if err != nil {
		return err
	}
	if err := rbac.Authorize(g, actorID, model.PermChangeRole); err != nil {
		return fmt.Errorf("groups: %s %s: %w", op, groupID, err)
	}
	if g.IsCreator(targetID) {
		return fmt.Errorf("groups: %s %s: the creator's role is fixed: %w", op, groupID, model.ErrPermissionDenied)
	}
	cur, ok := g.RoleOf(targetID)
	if !ok {
		return fmt.Errorf("groups: %s %s: %q is not a member: %w", op, groupID, targetID, model.ErrNotFound)
	}
	if cur == role {
		if role == model.GroupRoleAdmin {
			return fmt.Errorf("groups: %s %s: %q is already admin: %w", op, groupID, targetID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("groups: %s %s: %q is not an admin: %w", op, groupID, targetID, model.ErrInvalidState)
	}
	g.Roles[targetID] = role
	return nil
}

// Rename changes a group's name. The actor must be the creator or an admin.
func (gs *GroupStore) Rename(groupID, name, actorID string) error {
	if err := model.ValidateGroupName(name); err != nil {
		return fmt.Errorf("groups: rename: %w: %w", model.ErrInvalidState, err)
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	g, err := gs.getLocked("rename", groupID)
	if err != nil {
		return err
	}
	if err := rbac.Authorize(g, actorID, model.PermRenameGroup); err != nil {
		return fmt.Errorf("groups: rename %s: %w", groupID, err)
	}
	g.Name = name
	return nil
}

// IsMember reports whether userID belongs to groupID.
func (gs *GroupStore) IsMember(groupID, userID string) bool {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	g, ok := gs.groups[groupID]
	return ok && g.IsMember(userID)
}

// RoleOf returns userID's role in groupID.
func (gs *GroupStore) RoleOf(groupID, userID string) (model.GroupRole, error) {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	g, err := gs.getLocked("role", groupID)
	if err != nil {
		return 0, err
	}
	role, ok := g.RoleOf(userID)
	if !ok {
		return 0, fmt.Errorf("groups: role %s: %q is not a member: %w", groupID, userID, model.ErrNotFound)
	}
	return role, nil
}

// MembersOf returns the members of groupID in join order.
func (gs *GroupStore) MembersOf(groupID string) ([]string, error) {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	g, err := gs.getLocked("members", groupID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), g.Members...), nil
}

// GroupsOf returns the IDs of the groups userID belongs to, sorted.
func (gs *GroupStore) GroupsOf(userID string) []string {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	ids := make([]string, 0, len(gs.byUser[userID]))
	for id := range gs.byUser[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns a copy of groupID.
func (gs *GroupStore) Get(groupID string) (*model.Group, error) {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	g, err := gs.getLocked("get", groupID)
	if err != nil {
		return nil, err
	}
	return g.Clone(), nil
}

// All returns copies of every group, oldest first.
func (gs *GroupStore) All() []*model.Group {
	gs.mu.RLock()
	out := make([]*model.Group, 0, len(gs.groups))
	for _, g := range gs.groups {
		out = append(out, g.Clone())
	}
	gs.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of groups.
func (gs *GroupStore) Count() int {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return len(gs.groups)
}

// Import inserts a fully formed group, e.g. from a seed file. The group must
// satisfy the creator and membership invariants; an existing ID is replaced.
func (gs *GroupStore) Import(g *model.Group) error {
	if err := model.ValidateGroupName(g.Name); err != nil {
		return fmt.Errorf("groups: import: %w: %w", model.ErrInvalidState, err)
	}
	if g.ID == "" || g.CreatorID == "" {
		return fmt.Errorf("groups: import %q: missing id or creator: %w", g.Name, model.ErrInvalidState)
	}
	if role, ok := g.RoleOf(g.CreatorID); !ok || role != model.GroupRoleAdmin {
		return fmt.Errorf("groups: import %s: creator must be an admin member: %w", g.ID, model.ErrInvalidState)
	}
	if len(g.Members) != len(g.Roles) {
		return fmt.Errorf("groups: import %s: members and roles disagree: %w", g.ID, model.ErrInvalidState)
	}
	seen := make(map[string]bool, len(g.Members))
	for _, m := range g.Members {
		if seen[m] || !g.IsMember(m) {
			return fmt.Errorf("groups: import %s: bad member entry %q: %w", g.ID, m, model.ErrInvalidState)
		}
		seen[m] = true
	}

	c := g.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = gs.now()
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()
	if old, ok := gs.groups[c.ID]; ok {
		for _, m := range old.Members {
			gs.indexRemove(m, old.ID)
		}
	}
	gs.groups[c.ID] = c
	for _, m := range c.Members {
		gs.indexAdd(m, c.ID)
	}
	return nil
}

// PurgeUser drops every trace of a deleted account: groups it created are
// deleted and its other memberships removed. It returns the deleted groups.
func (gs *GroupStore) PurgeUser(userID string) []*model.Group {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	var deleted []*model.Group
	for id := range gs.byUser[userID] {
		g := gs.groups[id]
		if g.IsCreator(userID) {
			for _, m := range g.Members {
				gs.indexRemove(m, id)
			}
			delete(gs.groups, id)
			deleted = append(deleted, g)
			continue
		}
		for i, m := range g.Members {
			if m == userID {
				g.Members = append(g.Members[:i], g.Members[i+1:]...)
				break
			}
		}
		delete(g.Roles, userID)
		gs.indexRemove(userID, id)
	}
	return deleted
}
