// Package datastore persists registered accounts for linechat.
package datastore

import (
	"context"

	"github.com/NicolasHaas/linechat/pkg/model"
)

// CredentialStore is the boundary between the server and account persistence.
// The server loads every record at startup and saves the full set after each
// registration, password change or deletion.
type CredentialStore interface {
	Load(ctx context.Context) (map[string]model.UserRecord, error)
	Save(ctx context.Context, users map[string]model.UserRecord) error
	Close() error
}

type DataProviderFactory interface {
	CredentialStore
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines row-level access to user records. Implementations include
// the default SQLite store; MemoryStore covers tests at the CredentialStore level.
type DataStore interface {
	UserReadProvider
	UserWriteProvider
}

// Compile-time checks.
var _ DataProviderFactory = (*ProviderFactory)(nil)
var _ CredentialStore = (*MemoryStore)(nil)

type UserReadProvider interface {
	ListUsers(ctx context.Context) ([]model.UserRecord, error)
}

type UserWriteProvider interface {
	UpsertUser(ctx context.Context, user model.UserRecord) error
	DeleteUser(ctx context.Context, username string) error
}
