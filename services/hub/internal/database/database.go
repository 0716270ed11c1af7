// Package database persists hub users and their encrypted auth state
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var ErrNotFound = errors.New("not found")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
        name          TEXT PRIMARY KEY,
        asserted      TEXT NOT NULL DEFAULT '',
        admin         BOOLEAN NOT NULL DEFAULT FALSE,
        created       TIMESTAMP NOT NULL,
        last_activity TIMESTAMP
    )`,
	`CREATE TABLE IF NOT EXISTS auth_state (
        name  TEXT PRIMARY KEY REFERENCES users(name) ON DELETE CASCADE,
        state TEXT NOT NULL
    )`,
}

type User struct {
	Name         string       `db:"name"`
	// Asserted is the identity of the most recent login, e.g. an eppn
	Asserted     string       `db:"asserted"`
	Admin        bool         `db:"admin"`
	Created      time.Time    `db:"created"`
	LastActivity sql.NullTime `db:"last_activity"`
}

type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// ParseURL maps a hub db_url onto a database/sql driver name and data source
func ParseURL(dbURL string) (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(dbURL, "sqlite:///"):
		path := strings.TrimPrefix(dbURL, "sqlite:///")
		if path == "" {
			return "", "", fmt.Errorf("db_url %q has no path", dbURL)
		}
		return "sqlite", path, nil
	case dbURL == "sqlite://":
		return "sqlite", ":memory:", nil
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		return "postgres", dbURL, nil
	}
	return "", "", fmt.Errorf("unsupported db_url %q", dbURL)
}

// Open connects to db_url and creates the tables when missing
func Open(ctx context.Context, dbURL string) (*Store, error) {
	driver, dsn, err := ParseURL(dbURL)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s database: %w", driver, err)
	}
	if driver == "sqlite" {
		// one writer at a time
		db.SetMaxOpenConns(1)
	}

	s := New(db)
	if err := s.EnsureTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("Opened database", "driver", driver)
	return s, nil
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) EnsureTables(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure tables: %w", err)
		}
	}
	return nil
}

// UpsertUser records a login, creating the user on first sight and refreshing the asserted identity and
// admin flag otherwise
func (s *Store) UpsertUser(ctx context.Context, name, asserted string, admin bool) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO users (name, asserted, admin, created, last_activity)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT (name)
         DO UPDATE SET asserted = excluded.asserted, admin = excluded.admin, last_activity = excluded.last_activity`),
		name, asserted, admin, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", name, err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, name string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, s.db.Rebind(
		`SELECT name, asserted, admin, created, last_activity FROM users WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", name, err)
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	users := []User{}
	if err := s.db.SelectContext(ctx, &users,
		`SELECT name, asserted, admin, created, last_activity FROM users ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// Touch updates the last activity time of an existing user
func (s *Store) Touch(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE users SET last_activity = ? WHERE name = ?`), s.now().UTC(), name)
	if err != nil {
		return fmt.Errorf("touch user %s: %w", name, err)
	}
	return expectOneRow(res, name)
}

func (s *Store) DeleteUser(ctx context.Context, name string) error {
	// sqlite only honours ON DELETE CASCADE with foreign_keys enabled
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM auth_state WHERE name = ?`), name); err != nil {
		return fmt.Errorf("delete auth state %s: %w", name, err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM users WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("delete user %s: %w", name, err)
	}
	return expectOneRow(res, name)
}

// SaveAuthState stores already encrypted auth state for name
func (s *Store) SaveAuthState(ctx context.Context, name, state string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO auth_state (name, state)
         VALUES (?, ?)
         ON CONFLICT (name)
         DO UPDATE SET state = excluded.state`),
		name, state,
	)
	if err != nil {
		return fmt.Errorf("save auth state %s: %w", name, err)
	}
	return nil
}

func (s *Store) LoadAuthState(ctx context.Context, name string) (string, error) {
	var state string
	err := s.db.GetContext(ctx, &state, s.db.Rebind(`SELECT state FROM auth_state WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("auth state %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("load auth state %s: %w", name, err)
	}
	return state, nil
}

func expectOneRow(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", name, ErrNotFound)
	}
	return nil
}
