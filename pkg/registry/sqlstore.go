// Copyright 2024-2026 Aiku AI

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"gopkg.in/yaml.v3"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLStore persists the registry in SQLite (embedded) or Postgres (hosted).
type SQLStore struct {
	db *dbutil.Database
}

var _ Store = (*SQLStore)(nil)

const (
	createUsersTable = `
		CREATE TABLE IF NOT EXISTS registered_users (
			user_id       BIGINT PRIMARY KEY,
			username      TEXT NOT NULL DEFAULT '',
			first_name    TEXT NOT NULL DEFAULT '',
			last_name     TEXT NOT NULL DEFAULT '',
			registered_at BIGINT NOT NULL
		)`
	createEventsTable = `
		CREATE TABLE IF NOT EXISTS user_registration_log (
			id        TEXT PRIMARY KEY,
			user_id   BIGINT NOT NULL,
			action    TEXT NOT NULL,
			details   TEXT NOT NULL DEFAULT '',
			logged_at BIGINT NOT NULL
		)`
	createEventsIndex = `
		CREATE INDEX IF NOT EXISTS idx_registration_log_logged_at
			ON user_registration_log (logged_at)`

	userColumns = `user_id, username, first_name, last_name, registered_at`

	upsertUserQuery = `
		INSERT INTO registered_users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			registered_at = excluded.registered_at`
	getUserQuery     = `SELECT ` + userColumns + ` FROM registered_users WHERE user_id = $1`
	listUsersQuery   = `SELECT ` + userColumns + ` FROM registered_users ORDER BY registered_at, user_id`
	recentUsersQuery = `SELECT ` + userColumns + ` FROM registered_users ORDER BY registered_at DESC, user_id DESC LIMIT $1`
	deleteUserQuery  = `DELETE FROM registered_users WHERE user_id = $1`

	insertEventQuery = `
		INSERT INTO user_registration_log (id, user_id, action, details, logged_at)
		VALUES ($1, $2, $3, $4, $5)`
	eventColumns      = `id, user_id, action, details, logged_at`
	recentEventsQuery = `SELECT ` + eventColumns + ` FROM user_registration_log ORDER BY logged_at DESC, id DESC LIMIT $1`
	allEventsQuery    = `SELECT ` + eventColumns + ` FROM user_registration_log ORDER BY logged_at, id`
)

// OpenSQL opens the database, creates the tables if needed and returns the
// store. For sqlite the DSN is a file path or ":memory:".
func OpenSQL(ctx context.Context, driver, dsn string, log zerolog.Logger) (*SQLStore, error) {
	var dialect string
	switch driver {
	case DriverSQLite:
		dialect = "sqlite3"
	case DriverPostgres:
		dialect = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	rawDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// A second connection to ":memory:" would be a different database.
		rawDB.SetMaxOpenConns(1)
	}
	if err = rawDB.PingContext(ctx); err != nil {
		_ = rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db, err := dbutil.NewWithDB(rawDB, dialect)
	if err != nil {
		_ = rawDB.Close()
		return nil, fmt.Errorf("failed to wrap database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "database").Logger())

	s := &SQLStore{db: db}
	if err = s.migrate(ctx, driver); err != nil {
		_ = rawDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context, driver string) error {
	if driver == DriverSQLite {
		if _, err := s.db.Exec(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("failed to enable WAL: %w", err)
		}
	}
	for _, stmt := range []string{createUsersTable, createEventsTable, createEventsIndex} {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var registeredAt int64
	if err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &registeredAt); err != nil {
		return nil, err
	}
	u.RegisteredAt = time.UnixMilli(registeredAt)
	return &u, nil
}

func (s *SQLStore) queryUsers(ctx context.Context, query string, args ...any) ([]User, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *SQLStore) ListUsers(ctx context.Context) ([]User, error) {
	return s.queryUsers(ctx, listUsersQuery)
}

func (s *SQLStore) RecentUsers(ctx context.Context, limit int) ([]User, error) {
	return s.queryUsers(ctx, recentUsersQuery, limit)
}

func (s *SQLStore) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(s.db.QueryRow(ctx, getUserQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return u, err
}

func (s *SQLStore) PutUser(ctx context.Context, u User) error {
	_, err := s.db.Exec(ctx, upsertUserQuery, u.ID, u.Username, u.FirstName, u.LastName, u.RegisteredAt.UnixMilli())
	return err
}

func (s *SQLStore) DeleteUser(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, deleteUserQuery, id)
	return err
}

func (s *SQLStore) AppendEvent(ctx context.Context, evt Event) error {
	_, err := s.db.Exec(ctx, insertEventQuery, evt.ID, evt.UserID, string(evt.Action), evt.Details, evt.Timestamp.UnixMilli())
	return err
}

func (s *SQLStore) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	return s.queryEvents(ctx, recentEventsQuery, limit)
}

func (s *SQLStore) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var evt Event
		var action string
		var loggedAt int64
		if err = rows.Scan(&evt.ID, &evt.UserID, &action, &evt.Details, &loggedAt); err != nil {
			return nil, err
		}
		evt.Action = Action(action)
		evt.Timestamp = time.UnixMilli(loggedAt)
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Backup uses VACUUM INTO on sqlite. On postgres it writes a YAML dump of
// both tables in the FileStore format.
func (s *SQLStore) Backup(ctx context.Context, dest string) error {
	if s.db.Dialect == dbutil.SQLite {
		_, err := s.db.Exec(ctx, "VACUUM INTO $1", dest)
		return err
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		return err
	}
	events, err := s.queryEvents(ctx, allEventsQuery)
	if err != nil {
		return err
	}
	return writeYAMLFile(dest, fileDocument{Users: users, Events: events})
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// writeYAMLFile atomically replaces path with the YAML encoding of v.
func writeYAMLFile(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
