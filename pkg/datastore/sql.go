package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/linechat/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory provides SQLite-backed access to user records.
type ProviderFactory struct {
	DB *sql.DB
}

func (sf *ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB: sf.DB,
		},
	}
}

func (sf *ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("datastore: begin tx: %w", err)
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB: tx,
		},
		tx: tx,
	}, nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &ProviderFactory{DB: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *ProviderFactory) Close() error {
	return s.DB.Close()
}

// Load returns every stored account keyed by username.
func (s *ProviderFactory) Load(ctx context.Context) (map[string]model.UserRecord, error) {
	users, err := s.NonTx().ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	result := make(map[string]model.UserRecord, len(users))
	for _, u := range users {
		result[u.Username] = u
	}
	return result, nil
}

// Save replaces the stored accounts with users in a single transaction.
// Rows that are absent from users are deleted and unchanged rows are not
// rewritten.
func (s *ProviderFactory) Save(ctx context.Context, users map[string]model.UserRecord) error {
	tx, err := s.Tx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := tx.ListUsers(ctx)
	if err != nil {
		return err
	}
	current := make(map[string]model.UserRecord, len(stored))
	for _, u := range stored {
		if _, keep := users[u.Username]; !keep {
			if err := tx.DeleteUser(ctx, u.Username); err != nil {
				return err
			}
			continue
		}
		current[u.Username] = u
	}
	for _, u := range users {
		if prev, ok := current[u.Username]; ok && sameRecord(prev, u) {
			continue
		}
		if err := tx.UpsertUser(ctx, u); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("datastore: commit: %w", err)
	}
	return nil
}

// sameRecord compares records at the precision the users table stores.
func sameRecord(a, b model.UserRecord) bool {
	return a.Username == b.Username &&
		a.PasswordHash == b.PasswordHash &&
		formatDBTime(a.RegisteredAt) == formatDBTime(b.RegisteredAt) &&
		equalPtr(nullableDBTime(a.LastLoginAt), nullableDBTime(b.LastLoginAt)) &&
		equalPtr(nullableDBTime(a.LastLogoutAt), nullableDBTime(b.LastLogoutAt))
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *ProviderFactory) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		username       TEXT NOT NULL PRIMARY KEY CHECK(length(username) > 0 AND length(username) <= 32),
		password_hash  TEXT NOT NULL,
		registered_at  TEXT NOT NULL DEFAULT (datetime('now')),
		last_login_at  TEXT,
		last_logout_at TEXT
	);
	`
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version:    1,
			statements: []string{schema},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("datastore: migrate v%d: %w", m.version, err)
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

// nullableDBTime maps the zero time to NULL.
func nullableDBTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := formatDBTime(t)
	return &s
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

func parseNullableDBTime(value *string) (time.Time, error) {
	if value == nil {
		return time.Time{}, nil
	}
	return parseDBTime(*value)
}

// ---- Users ----

const userColumns = "username, password_hash, registered_at, last_login_at, last_logout_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (model.UserRecord, error) {
	var u model.UserRecord
	var registeredAt string
	var lastLogin, lastLogout *string
	if err := row.Scan(&u.Username, &u.PasswordHash, &registeredAt, &lastLogin, &lastLogout); err != nil {
		return u, err
	}
	var err error
	if u.RegisteredAt, err = parseDBTime(registeredAt); err != nil {
		return u, err
	}
	if u.LastLoginAt, err = parseNullableDBTime(lastLogin); err != nil {
		return u, err
	}
	if u.LastLogoutAt, err = parseNullableDBTime(lastLogout); err != nil {
		return u, err
	}
	return u, nil
}

// ListUsers returns all users ordered by username.
func (s *baseProvider) ListUsers(ctx context.Context) ([]model.UserRecord, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.UserRecord
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpsertUser inserts a user or overwrites the stored row with the same username.
// It validates the username before writing.
func (s *baseProvider) UpsertUser(ctx context.Context, u model.UserRecord) error {
	if err := model.ValidateUsername(u.Username); err != nil {
		return fmt.Errorf("datastore: upsert user: %w", err)
	}
	if u.PasswordHash == "" {
		return fmt.Errorf("datastore: upsert user %q: empty password hash", u.Username)
	}
	registeredAt := u.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = time.Now()
	}
	_, err := s.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, registered_at, last_login_at, last_logout_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			password_hash = excluded.password_hash,
			registered_at = excluded.registered_at,
			last_login_at = excluded.last_login_at,
			last_logout_at = excluded.last_logout_at`,
		u.Username, u.PasswordHash, formatDBTime(registeredAt),
		nullableDBTime(u.LastLoginAt), nullableDBTime(u.LastLogoutAt))
	if err != nil {
		return fmt.Errorf("datastore: upsert user: %w", err)
	}
	return nil
}

// DeleteUser deletes a user by username; deleting an absent user is not an error.
func (s *baseProvider) DeleteUser(ctx context.Context, username string) error {
	if _, err := s.ExecContext(ctx, "DELETE FROM users WHERE username = ?", username); err != nil {
		return fmt.Errorf("datastore: delete user: %w", err)
	}
	return nil
}
