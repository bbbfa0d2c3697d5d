package datastore_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/NicolasHaas/linechat/pkg/datastore"
	"github.com/NicolasHaas/linechat/pkg/model"

	"github.com/google/go-cmp/cmp"
)

func NewTestSqlConn(t *testing.T) (*datastore.ProviderFactory, error) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore_test: failed to open db: %w", err)
	}

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			fmt.Printf("Error closing database: %v\n", err)
		}
	})

	return st, nil
}

// withStores runs fn against the SQLite and the in-memory credential stores.
func withStores(t *testing.T, fn func(t *testing.T, st datastore.CredentialStore)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		st, err := NewTestSqlConn(t)
		if err != nil {
			t.Fatalf("failed to open test connection: %v", err)
		}
		fn(t, st)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, datastore.NewMemory())
	})
}

func testRecord(username string) model.UserRecord {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return model.UserRecord{
		Username:     username,
		PasswordHash: "argon2id$v=19$m=65536,t=1,p=4$c2FsdA$a2V5",
		RegisteredAt: base,
		LastLoginAt:  base.Add(time.Hour),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	withStores(t, func(t *testing.T, st datastore.CredentialStore) {
		ctx := context.Background()
		want := map[string]model.UserRecord{
			"alice": testRecord("alice"),
			"bob":   testRecord("bob"),
		}

		if err := st.Save(ctx, want); err != nil {
			t.Fatalf("Save: unexpected error: %v", err)
		}
		got, err := st.Load(ctx)
		if err != nil {
			t.Fatalf("Load: unexpected error: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Load mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestSaveReplacesPreviousSet(t *testing.T) {
	withStores(t, func(t *testing.T, st datastore.CredentialStore) {
		ctx := context.Background()
		if err := st.Save(ctx, map[string]model.UserRecord{"alice": testRecord("alice"), "bob": testRecord("bob")}); err != nil {
			t.Fatalf("Save: unexpected error: %v", err)
		}
		if err := st.Save(ctx, map[string]model.UserRecord{"bob": testRecord("bob")}); err != nil {
			t.Fatalf("Save: unexpected error: %v", err)
		}

		got, err := st.Load(ctx)
		if err != nil {
			t.Fatalf("Load: unexpected error: %v", err)
		}
		if _, ok := got["alice"]; ok || len(got) != 1 {
			t.Fatalf("Load after replace = %v, want only bob", got)
		}
	})
}

func TestSaveRejectsInvalidRecord(t *testing.T) {
	tcases := map[string]model.UserRecord{
		"injection_username": {Username: "' OR '1'='1", PasswordHash: "x"},
		"empty_username":     {Username: "", PasswordHash: "x"},
		"empty_hash":         {Username: "carol"},
	}

	for name, rec := range tcases {
		t.Run(name, func(t *testing.T) {
			withStores(t, func(t *testing.T, st datastore.CredentialStore) {
				ctx := context.Background()
				if err := st.Save(ctx, map[string]model.UserRecord{"alice": testRecord("alice")}); err != nil {
					t.Fatalf("Save: unexpected error: %v", err)
				}
				if err := st.Save(ctx, map[string]model.UserRecord{"alice": testRecord("alice"), "bad": rec}); err == nil {
					t.Fatalf("Save: expected error, got nil")
				}
				got, err := st.Load(ctx)
				if err != nil {
					t.Fatalf("Load: unexpected error: %v", err)
				}
				if _, ok := got["alice"]; !ok || len(got) != 1 {
					t.Fatalf("failed Save must leave the previous set intact, got %v", got)
				}
			})
		})
	}
}

func TestDeleteUser(t *testing.T) {
	st, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()

	if err := st.NonTx().UpsertUser(ctx, testRecord("alice")); err != nil {
		t.Fatalf("UpsertUser: unexpected error: %v", err)
	}
	if err := st.NonTx().DeleteUser(ctx, "alice"); err != nil {
		t.Fatalf("DeleteUser: unexpected error: %v", err)
	}
	if err := st.NonTx().DeleteUser(ctx, "alice"); err != nil {
		t.Fatalf("DeleteUser(absent): unexpected error: %v", err)
	}
	users, err := st.NonTx().ListUsers(ctx)
	if err != nil || len(users) != 0 {
		t.Fatalf("ListUsers after delete = %v, %v; want empty", users, err)
	}
}

func TestSaveAppliesChangesOnly(t *testing.T) {
	st, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()

	first := map[string]model.UserRecord{
		"alice": testRecord("alice"),
		"bob":   testRecord("bob"),
		"carol": testRecord("carol"),
	}
	if err := st.Save(ctx, first); err != nil {
		t.Fatalf("Save: %v", err)
	}

	alice := testRecord("alice")
	alice.LastLogoutAt = alice.LastLoginAt.Add(30 * time.Minute)
	second := map[string]model.UserRecord{
		"alice": alice,
		"carol": testRecord("carol"),
		"dave":  testRecord("dave"),
	}
	if err := st.Save(ctx, second); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := st.NonTx().ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	want := []model.UserRecord{alice, testRecord("carol"), testRecord("dave")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stored users mismatch (-want +got):\n%s", diff)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	st, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		t.Fatalf("NewProviderFactory: %v", err)
	}
	if err := st.Save(ctx, map[string]model.UserRecord{"alice": testRecord("alice")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = datastore.NewProviderFactory(dbPath)
	if err != nil {
		t.Fatalf("NewProviderFactory(reopen): %v", err)
	}
	defer func() { _ = st.Close() }()

	got, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := got["alice"]; !ok {
		t.Fatalf("alice lost across reopen")
	}
}
