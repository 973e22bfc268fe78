// Package userstore maps channel identifiers to canonical user ids. The
// same (type, normalized identifier) always resolves to the same user,
// including under concurrent first-contact races. Cross-identifier
// merging is an offline tool's job; the store only ever creates and
// links.
package userstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/sqlitedb"
)

// User is one canonical identity.
type User struct {
	UserID     string
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// Paths locates a user's on-disk runtime tree under an employee root.
type Paths struct {
	Root           string
	StateDir       string
	TasksDBPath    string
	MemoryDir      string
	MailRoot       string
	WorkspacesRoot string
}

// Store is the SQLite-backed identity store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the store at path.
func Open(path string) (*Store, error) {
	return OpenWithClock(path, nil)
}

// OpenWithClock opens the store with an injected clock for tests.
func OpenWithClock(path string, now func() time.Time) (*Store, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, now: now}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS user_identifiers (
			identifier_type TEXT NOT NULL,
			identifier TEXT NOT NULL,
			user_id TEXT NOT NULL REFERENCES users(user_id),
			created_at TEXT NOT NULL,
			PRIMARY KEY (identifier_type, identifier)
		);
		CREATE INDEX IF NOT EXISTS idx_user_identifiers_user
			ON user_identifiers(user_id);
	`)
	if err != nil {
		return fmt.Errorf("ensure user schema: %w", err)
	}
	return nil
}

// GetOrCreate resolves an identifier to its user, creating the user on
// first contact. Concurrent first calls with the same identifier resolve
// to one user via the unique index: the losing insert re-reads.
func (s *Store) GetOrCreate(ctx context.Context, ident channel.Identifier) (User, error) {
	normalized, err := channel.Normalize(ident.Type, ident.Value)
	if err != nil {
		return User{}, fmt.Errorf("invalid identifier: %w", err)
	}

	var user User
	err = sqlitedb.RetryOnBusy(ctx, 5, func() error {
		if u, lookupErr := s.lookup(ctx, ident.Type, normalized); lookupErr == nil {
			user = u
			return s.touch(ctx, &user)
		} else if !errors.Is(lookupErr, sql.ErrNoRows) {
			return lookupErr
		}

		now := s.now().UTC().Format(sqlitedb.TimeFormat)
		userID := uuid.NewString()
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin user tx: %w", txErr)
		}
		defer func() { _ = tx.Rollback() }()

		if _, execErr := tx.ExecContext(ctx, `
			INSERT INTO users (user_id, created_at, last_seen_at) VALUES (?, ?, ?);
		`, userID, now, now); execErr != nil {
			return fmt.Errorf("insert user: %w", execErr)
		}
		if _, execErr := tx.ExecContext(ctx, `
			INSERT INTO user_identifiers (identifier_type, identifier, user_id, created_at)
			VALUES (?, ?, ?, ?);
		`, string(ident.Type), normalized, userID, now); execErr != nil {
			if sqlitedb.IsUniqueViolation(execErr) {
				// Lost the race: another caller created this identifier.
				_ = tx.Rollback()
				u, lookupErr := s.lookup(ctx, ident.Type, normalized)
				if lookupErr != nil {
					return lookupErr
				}
				user = u
				return s.touch(ctx, &user)
			}
			return fmt.Errorf("insert identifier: %w", execErr)
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("commit user tx: %w", commitErr)
		}
		t := s.now().UTC()
		user = User{UserID: userID, CreatedAt: t, LastSeenAt: t}
		return nil
	})
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// AddIdentifier links an additional identifier to an existing user. Used
// by the offline merge tool, never by the ingest path.
func (s *Store) AddIdentifier(ctx context.Context, userID string, ident channel.Identifier) error {
	normalized, err := channel.Normalize(ident.Type, ident.Value)
	if err != nil {
		return fmt.Errorf("invalid identifier: %w", err)
	}
	return sqlitedb.RetryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO user_identifiers (identifier_type, identifier, user_id, created_at)
			VALUES (?, ?, ?, ?);
		`, string(ident.Type), normalized, userID, s.now().UTC().Format(sqlitedb.TimeFormat))
		if execErr != nil {
			if sqlitedb.IsUniqueViolation(execErr) {
				return fmt.Errorf("identifier %s already mapped", ident)
			}
			return fmt.Errorf("add identifier: %w", execErr)
		}
		return nil
	})
}

// ListUserIDs returns every user id ordered by creation.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM users ORDER BY created_at, user_id;`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) lookup(ctx context.Context, t channel.IdentifierType, normalized string) (User, error) {
	var (
		user      User
		createdAt string
		lastSeen  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT u.user_id, u.created_at, u.last_seen_at
		FROM user_identifiers i JOIN users u ON u.user_id = i.user_id
		WHERE i.identifier_type = ? AND i.identifier = ?;
	`, string(t), normalized).Scan(&user.UserID, &createdAt, &lastSeen)
	if err != nil {
		return User{}, err
	}
	if user.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return User{}, fmt.Errorf("parse created_at: %w", err)
	}
	if user.LastSeenAt, err = time.Parse(time.RFC3339Nano, lastSeen); err != nil {
		return User{}, fmt.Errorf("parse last_seen_at: %w", err)
	}
	return user, nil
}

func (s *Store) touch(ctx context.Context, user *User) error {
	now := s.now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE users SET last_seen_at = ? WHERE user_id = ?;
	`, now.Format(sqlitedb.TimeFormat), user.UserID); err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	user.LastSeenAt = now
	return nil
}

// PathsFor lays out the per-user tree under usersRoot.
func PathsFor(usersRoot, userID string) Paths {
	root := filepath.Join(usersRoot, userID)
	return Paths{
		Root:           root,
		StateDir:       filepath.Join(root, "state"),
		TasksDBPath:    filepath.Join(root, "state", "tasks.db"),
		MemoryDir:      filepath.Join(root, "memory"),
		MailRoot:       filepath.Join(root, "mail"),
		WorkspacesRoot: filepath.Join(root, "workspaces"),
	}
}
