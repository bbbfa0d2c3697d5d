package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/linechat/pkg/crypto"
	"github.com/NicolasHaas/linechat/pkg/datastore"
	"github.com/NicolasHaas/linechat/pkg/model"
)

// Accounts keeps registered users in memory and writes the whole set back to
// the credential store after every mutation.
type Accounts struct {
	mu    sync.Mutex
	users map[string]model.UserRecord
	store datastore.CredentialStore
	now   func() time.Time
}

// NewAccounts creates an empty account set backed by store.
func NewAccounts(store datastore.CredentialStore) *Accounts {
	return &Accounts{
		users: make(map[string]model.UserRecord),
		store: store,
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	}
}

// Load replaces the in-memory set with the store's contents.
func (a *Accounts) Load(ctx context.Context) error {
	users, err := a.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("accounts: load: %w", err)
	}
	a.mu.Lock()
	a.users = users
	a.mu.Unlock()
	return nil
}

// saveLocked persists the current set. On failure the caller restores its
// previous state with rollback.
func (a *Accounts) saveLocked(ctx context.Context) error {
	snapshot := make(map[string]model.UserRecord, len(a.users))
	for k, v := range a.users {
		snapshot[k] = v
	}
	return a.store.Save(ctx, snapshot)
}

// IsRegistered reports whether username has an account.
func (a *Accounts) IsRegistered(username string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.users[username]
	return ok
}

// Get returns the account record for username.
func (a *Accounts) Get(username string) (model.UserRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.users[username]
	return u, ok
}

// All returns every account sorted by username.
func (a *Accounts) All() []model.UserRecord {
	a.mu.Lock()
	out := make([]model.UserRecord, 0, len(a.users))
	for _, u := range a.users {
		out = append(out, u)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Register creates an account.
func (a *Accounts) Register(ctx context.Context, username, password string) error {
	if err := model.ValidateUsername(username); err != nil {
		return fmt.Errorf("accounts: register: %w: %w", model.ErrInvalidState, err)
	}
	if err := model.ValidatePassword(password); err != nil {
		return fmt.Errorf("accounts: register: %w: %w", model.ErrInvalidState, err)
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return fmt.Errorf("accounts: register: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[username]; ok {
		return fmt.Errorf("accounts: register %q: %w", username, model.ErrAlreadyExists)
	}
	a.users[username] = model.UserRecord{
		Username:     username,
		PasswordHash: hash,
		RegisteredAt: a.now(),
	}
	if err := a.saveLocked(ctx); err != nil {
		delete(a.users, username)
		return fmt.Errorf("accounts: register %q: %w", username, err)
	}
	return nil
}

// discard removes username without a password check. It undoes a
// registration that lost a race for the name.
func (a *Accounts) discard(ctx context.Context, username string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev, ok := a.users[username]
	if !ok {
		return nil
	}
	delete(a.users, username)
	if err := a.saveLocked(ctx); err != nil {
		a.users[username] = prev
		return fmt.Errorf("accounts: discard %q: %w", username, err)
	}
	return nil
}

// Authenticate checks password for a registered username. registered is false
// for names without an account, in which case the password is ignored.
func (a *Accounts) Authenticate(username, password string) (registered bool, err error) {
	u, ok := a.Get(username)
	if !ok {
		return false, nil
	}
	if err := checkPassword(u, password); err != nil {
		return true, fmt.Errorf("accounts: login %q: %w", username, err)
	}
	return true, nil
}

func checkPassword(u model.UserRecord, password string) error {
	match, err := crypto.VerifyPassword(u.PasswordHash, password)
	if err != nil {
		return err
	}
	if !match {
		return fmt.Errorf("%w: wrong password", model.ErrPermissionDenied)
	}
	return nil
}

// ChangePassword replaces the password after verifying the old one.
func (a *Accounts) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	if err := model.ValidatePassword(newPassword); err != nil {
		return fmt.Errorf("accounts: passwd: %w: %w", model.ErrInvalidState, err)
	}
	u, ok := a.Get(username)
	if !ok {
		return fmt.Errorf("accounts: passwd %q: %w", username, model.ErrNotFound)
	}
	if err := checkPassword(u, oldPassword); err != nil {
		return fmt.Errorf("accounts: passwd %q: %w", username, err)
	}
	hash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("accounts: passwd: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	prev, ok := a.users[username]
	if !ok {
		return fmt.Errorf("accounts: passwd %q: %w", username, model.ErrNotFound)
	}
	next := prev
	next.PasswordHash = hash
	a.users[username] = next
	if err := a.saveLocked(ctx); err != nil {
		a.users[username] = prev
		return fmt.Errorf("accounts: passwd %q: %w", username, err)
	}
	return nil
}

// Delete removes an account after verifying its password.
func (a *Accounts) Delete(ctx context.Context, username, password string) error {
	u, ok := a.Get(username)
	if !ok {
		return fmt.Errorf("accounts: delete %q: %w", username, model.ErrNotFound)
	}
	if err := checkPassword(u, password); err != nil {
		return fmt.Errorf("accounts: delete %q: %w", username, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	prev, ok := a.users[username]
	if !ok {
		return fmt.Errorf("accounts: delete %q: %w", username, model.ErrNotFound)
	}
	delete(a.users, username)
	if err := a.saveLocked(ctx); err != nil {
		a.users[username] = prev
		return fmt.Errorf("accounts: delete %q: %w", username, err)
	}
	return nil
}

// HandleEvent records login and logout times for registered users.
func (a *Accounts) HandleEvent(ev Event) {
	if ev.Kind != EventOnline && ev.Kind != EventOffline {
		return
	}
	at := ev.At.UTC().Truncate(time.Second)

	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.users[ev.Username]
	if !ok {
		return
	}
	if ev.Kind == EventOnline {
		u.LastLoginAt = at
	} else {
		u.LastLogoutAt = at
	}
	a.users[ev.Username] = u
	if err := a.saveLocked(context.Background()); err != nil {
		slog.Warn("failed to persist presence time", "user", ev.Username, "err", err)
	}
}

// Flush writes the current set to the store.
func (a *Accounts) Flush(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.saveLocked(ctx); err != nil {
		return fmt.Errorf("accounts: flush: %w", err)
	}
	return nil
}
