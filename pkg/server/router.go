package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/NicolasHaas/linechat/pkg/model"
	"github.com/NicolasHaas/linechat/pkg/protocol"
	"github.com/NicolasHaas/linechat/pkg/rbac"
)

// Router turns parsed commands into deliveries. Replies and failures go to the
// originating session only.
type Router struct {
	registry    *Registry
	groups      *GroupStore
	accounts    *Accounts
	events      *Events
	metrics     *Metrics
	allowGuests bool
}

func newRouter(reg *Registry, groups *GroupStore, accounts *Accounts, events *Events, metrics *Metrics, allowGuests bool) *Router {
	return &Router{
		registry:    reg,
		groups:      groups,
		accounts:    accounts,
		events:      events,
		metrics:     metrics,
		allowGuests: allowGuests,
	}
}

func (r *Router) reply(s *Session, line string) {
	_ = s.Send(line)
}

func (r *Router) fail(s *Session, line string) {
	r.metrics.CommandErrors.Add(1)
	_ = s.Send(line)
}

// deliver enqueues line on a recipient and records overflow.
func (r *Router) deliver(t *Session, line string) error {
	err := t.Send(line)
	if errors.Is(err, ErrLineDropped) || errors.Is(err, ErrQueueFull) {
		r.metrics.LinesDropped.Add(1)
	}
	return err
}

// notify sends a system line to username if it is online.
func (r *Router) notify(username, text string) {
	t, ok := r.registry.Lookup(username)
	if !ok || t.State() != model.SessionAuthenticated {
		return
	}
	_ = r.deliver(t, protocol.FormatSystem(text))
}

// requireAuth returns the session's username, or answers with an error line.
func (r *Router) requireAuth(s *Session) (string, bool) {
	if s.State() != model.SessionAuthenticated {
		r.fail(s, protocol.Error(model.ErrUnauthenticated.Error()))
		return "", false
	}
	return s.Username(), true
}

// Dispatch parses and executes one request line from s.
func (r *Router) Dispatch(ctx context.Context, s *Session, line string) {
	if s.State() == model.SessionClosed {
		return
	}

	cmd, err := protocol.Parse(line)
	switch {
	case errors.Is(err, protocol.ErrEmptyLine):
		return
	case errors.Is(err, protocol.ErrUnknownVerb):
		r.fail(s, protocol.Error(fmt.Sprintf("unknown command %q", cmd.Verb)))
		return
	case err != nil:
		if cmd.Kind == protocol.KindLogin {
			r.metrics.FailedAuths.Add(1)
			r.fail(s, protocol.LoginFailed(err.Error()))
			return
		}
		r.fail(s, protocol.Error(err.Error()))
		return
	}

	slog.Debug("command", "session", s.ID, "user", s.Username(), "verb", cmd.Verb)

	switch cmd.Kind {
	case protocol.KindLogin:
		r.login(s, cmd)
	case protocol.KindLogout:
		r.logout(s)
	case protocol.KindBroadcast:
		r.broadcast(s, cmd)
	case protocol.KindDirectMessage:
		r.directMessage(s, cmd)
	case protocol.KindGroupMessage:
		r.groupMessage(s, cmd)
	case protocol.KindListUsers:
		if _, ok := r.requireAuth(s); ok {
			r.reply(s, protocol.UserList(r.registry.ListOnline()))
		}
	case protocol.KindHeartbeat:
		r.reply(s, protocol.Pong)
	case protocol.KindRegister:
		r.register(ctx, s, cmd)
	case protocol.KindChangePassword:
		r.changePassword(ctx, s, cmd)
	case protocol.KindUnregister:
		r.unregister(ctx, s, cmd)
	case protocol.KindWhoAmI:
		if name, ok := r.requireAuth(s); ok {
			online := time.Since(s.AuthenticatedAt())
			r.reply(s, protocol.WhoAmI(name, int64(online.Seconds())))
		}
	case protocol.KindListGroups:
		r.listGroups(s)
	case protocol.KindGroupOp:
		r.groupOp(s, cmd)
	}
}

func (r *Router) login(s *Session, cmd protocol.Command) {
	if s.State() == model.SessionAuthenticated {
		r.fail(s, protocol.LoginFailed("already logged in as "+s.Username()))
		return
	}
	name := cmd.User
	if err := model.ValidateUsername(name); err != nil {
		r.metrics.FailedAuths.Add(1)
		r.fail(s, protocol.LoginFailed(err.Error()))
		return
	}

	registered, err := r.accounts.Authenticate(name, cmd.Password)
	switch {
	case err != nil:
		r.metrics.FailedAuths.Add(1)
		slog.Info("login rejected", "user", name, "session", s.ID, "err", err)
		r.fail(s, protocol.LoginFailed("invalid password"))
		return
	case !registered && !r.allowGuests:
		r.metrics.FailedAuths.Add(1)
		r.fail(s, protocol.LoginFailed("unknown user, REGISTER first"))
		return
	}

	// A guest must not take a name registered since Authenticate ran.
	check := func() error {
		if !registered && r.accounts.IsRegistered(name) {
			return fmt.Errorf("%q was just registered: %w", name, model.ErrPermissionDenied)
		}
		return nil
	}
	if err := r.registry.register(name, s, check); err != nil {
		r.metrics.FailedAuths.Add(1)
		switch {
		case errors.Is(err, model.ErrNameTaken):
			r.fail(s, protocol.LoginFailed("username already in use"))
		case errors.Is(err, model.ErrPermissionDenied):
			r.fail(s, protocol.LoginFailed("invalid password"))
		default:
			r.fail(s, protocol.LoginFailed(err.Error()))
		}
		return
	}

	r.metrics.SuccessfulAuths.Add(1)
	slog.Info("user logged in", "user", name, "session", s.ID, "guest", !registered)
	r.reply(s, protocol.LoginSuccess(name))
	r.registry.BroadcastAll(protocol.FormatSystem(name+" joined"), s.ID)
	r.events.Publish(Event{Kind: EventOnline, Username: name})
}

func (r *Router) logout(s *Session) {
	name, ok := r.requireAuth(s)
	if !ok {
		return
	}
	r.reply(s, protocol.LogoutSuccess(name))
	r.Disconnect(s, true)
}

// Disconnect closes s. It is idempotent. With flush set, lines already queued
// are still written; otherwise they are dropped. An authenticated session is
// unregistered and its departure announced.
func (r *Router) Disconnect(s *Session, flush bool) {
	prev, name, first := s.markClosed()
	if !first {
		return
	}
	if flush {
		s.out.Close()
	} else {
		s.out.Discard()
	}
	r.metrics.TotalDisconnects.Add(1)

	if prev != model.SessionAuthenticated || !r.registry.unregisterSession(s) {
		return
	}
	slog.Info("user left", "user", name, "session", s.ID)
	r.registry.BroadcastAll(protocol.FormatSystem(name+" left"), s.ID)
	r.events.Publish(Event{Kind: EventOffline, Username: name})
}

func (r *Router) broadcast(s *Session, cmd protocol.Command) {
	name, ok := r.requireAuth(s)
	if !ok {
		return
	}
	r.metrics.BroadcastMessages.Add(1)
	n := r.registry.BroadcastAll(protocol.FormatBroadcast(name, cmd.Content), s.ID)
	slog.Debug("broadcast", "user", name, "recipients", n)
}

func (r *Router) directMessage(s *Session, cmd protocol.Command) {
	name, ok := r.requireAuth(s)
	if !ok {
		return
	}
	target := cmd.User
	if target == name {
		r.fail(s, protocol.MessageFailed(target))
		return
	}
	t, ok := r.registry.Lookup(target)
	if !ok || t.State() != model.SessionAuthenticated {
		r.fail(s, protocol.MessageFailed(target))
		return
	}
	if err := r.deliver(t, protocol.FormatPrivate(name, target, cmd.Content)); err != nil {
		r.fail(s, protocol.MessageFailed(target))
		return
	}
	r.metrics.PrivateMessages.Add(1)
	r.reply(s, protocol.MessageSuccess(target))
}

func (r *Router) groupMessage(s *Session, cmd protocol.Command) {
	name, ok := r.requireAuth(s)
	if !ok {
		return
	}
	g, err := r.groups.Get(cmd.GroupID)
	if err == nil {
		err = rbac.Authorize(g, name, model.PermSendMessage)
	}
	if err != nil {
		slog.Debug("group message rejected", "user", name, "group", cmd.GroupID, "err", err)
		r.fail(s, protocol.MessageFailed(cmd.GroupID))
		return
	}

	line := protocol.FormatGroup(g.ID, g.Name, name, cmd.Content)
	for _, member := range g.Members {
		if member == name {
			continue
		}
		t, ok := r.registry.Lookup(member)
		if !ok || t.State() != model.SessionAuthenticated {
			continue
		}
		_ = r.deliver(t, line)
	}
	r.metrics.GroupMessages.Add(1)
	r.reply(s, protocol.MessageSuccess(g.ID))
}

func (r *Router) register(ctx context.Context, s *Session, cmd protocol.Command) {
	name := cmd.User
	if holder, ok := r.registry.Lookup(name); ok && holder != s {
		r.fail(s, protocol.Error(fmt.Sprintf("register %q: %v", name, model.ErrNameTaken)))
		return
	}
	if err := r.accounts.Register(ctx, name, cmd.Password); err != nil {
		r.fail(s, protocol.Error(err.Error()))
		return
	}
	// A guest login may have claimed the name while the account was written.
	if holder, ok := r.registry.Lookup(name); ok && holder != s {
		if err := r.accounts.discard(ctx, name); err != nil {
			slog.Error("failed to undo registration", "user", name, "err", err)
		}
		r.fail(s, protocol.Error(fmt.Sprintf("register %q: %v", name, model.ErrNameTaken)))
		return
	}
	r.metrics.Registrations.Add(1)
	slog.Info("account registered", "user", name, "session", s.ID)
	r.events.Publish(Event{Kind: EventRegistered, Username: name})
	r.reply(s, protocol.RegisterSuccess(name))
}

func (r *Router) changePassword(ctx context.Context, s *Session, cmd protocol.Command) {
	name, ok := r.requireAuth(s)
	if !ok {
		return
	}
	if err := r.accounts.ChangePassword(ctx, name, cmd.Password, cmd.NewPassword); err != nil {
		r.fail(s, protocol.Error(err.Error()))
		return
	}
	slog.Info("password changed", "user", name)
	r.reply(s, protocol.PasswordChanged())
}

func (r *Router) unregister(ctx context.Context, s *Session, cmd protocol.Command) {
	name, ok := r.requireAuth(s)
	if !ok {
		return
	}
	if err := r.accounts.Delete(ctx, name, cmd.Password); err != nil {
		r.fail(s, protocol.Error(err.Error()))
		return
	}
	r.metrics.AccountsDeleted.Add(1)
	slog.Info("account deleted", "user", name)
	r.reply(s, protocol.AccountDeleted(name))
	r.Disconnect(s, true)
	r.events.Publish(Event{Kind: EventDeleted, Username: name})
}

func (r *Router) listGroups(s *Session) {
	name, ok := r.requireAuth(s)
	if !ok {
		return
	}
	ids := r.groups.GroupsOf(name)
	entries := make([]protocol.GroupEntry, 0, len(ids))
	for _, id := range ids {
		g, err := r.groups.Get(id)
		if err != nil {
			continue // deleted since GroupsOf
		}
		entries = append(entries, protocol.GroupEntry{ID: g.ID, Note: g.Name})
	}
	r.reply(s, protocol.GroupList(entries))
}

func (r *Router) groupLabel(groupID string) string {
	if g, err := r.groups.Get(groupID); err == nil {
		return g.Name + " (" + g.ID + ")"
	}
	return groupID
}

func (r *Router) groupOp(s *Session, cmd protocol.Command) {
	name, ok := r.requireAuth(s)
	if !ok {
		return
	}
	gid, target := cmd.GroupID, cmd.User

	var err error
	switch cmd.Op {
	case protocol.OpCreate:
		var g *model.Group
		if g, err = r.groups.CreateGroup(cmd.Content, name); err == nil {
			r.metrics.GroupsCreated.Add(1)
			slog.Info("group created", "group", g.ID, "name", g.Name, "user", name)
			r.reply(s, protocol.GroupCreated(g.ID, g.Name))
			return
		}

	case protocol.OpDelete:
		var g *model.Group
		if g, err = r.groups.DeleteGroup(gid, name); err == nil {
			r.metrics.GroupsDeleted.Add(1)
			slog.Info("group deleted", "group", g.ID, "user", name)
			for _, m := range g.Members {
				if m != name {
					r.notify(m, fmt.Sprintf("%s deleted group %s (%s)", name, g.Name, g.ID))
				}
			}
			r.reply(s, protocol.GroupSuccess(cmd.Op, gid, ""))
			return
		}

	case protocol.OpAdd:
		if err = r.groups.AddMember(gid, target, name); err == nil {
			r.notify(target, fmt.Sprintf("%s added you to group %s", name, r.groupLabel(gid)))
			r.reply(s, protocol.GroupSuccess(cmd.Op, gid, target))
			return
		}

	case protocol.OpRemove:
		if err = r.groups.RemoveMember(gid, target, name); err == nil {
			if target != name {
				r.notify(target, fmt.Sprintf("%s removed you from group %s", name, r.groupLabel(gid)))
			}
			r.reply(s, protocol.GroupSuccess(cmd.Op, gid, target))
			return
		}

	case protocol.OpLeave:
		if err = r.groups.RemoveMember(gid, name, name); err == nil {
			r.reply(s, protocol.GroupSuccess(cmd.Op, gid, ""))
			return
		}

	case protocol.OpPromote, protocol.OpDemote:
		verb := "promoted you to admin in"
		apply := r.groups.Promote
		if cmd.Op == protocol.OpDemote {
			verb = "demoted you to member in"
			apply = r.groups.Demote
		}
		if err = apply(gid, target, name); err == nil {
			r.notify(target, fmt.Sprintf("%s %s group %s", name, verb, r.groupLabel(gid)))
			r.reply(s, protocol.GroupSuccess(cmd.Op, gid, target))
			return
		}

	case protocol.OpRename:
		if err = r.groups.Rename(gid, cmd.Content, name); err == nil {
			r.reply(s, protocol.GroupSuccess(cmd.Op, gid, ""))
			return
		}

	case protocol.OpMembers:
		var g *model.Group
		if g, err = r.groups.Get(gid); err == nil {
			err = rbac.Authorize(g, name, model.PermListMembers)
		}
		if err == nil {
			entries := make([]protocol.GroupEntry, 0, len(g.Members))
			for _, m := range g.Members {
				role, _ := g.RoleOf(m)
				entries = append(entries, protocol.GroupEntry{ID: m, Note: role.String()})
			}
			r.reply(s, protocol.MemberList(g.ID, entries))
			return
		}
	}

	if err == nil {
		err = fmt.Errorf("unsupported group operation %s: %w", cmd.Op, model.ErrInvalidState)
	}
	slog.Debug("group operation failed", "op", cmd.Op, "group", gid, "user", name, "err", err)
	r.fail(s, protocol.Error(err.Error()))
}
