package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle and exposes the persistence operations the
// chat server depends on.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// User represents a row in the users table. TeamID is zero when the user
// does not belong to a team.
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	Email        string
	Role         string
	TeamID       int64
	PasswordHash []byte
	CreatedAt    time.Time
}

// NewUser carries the fields needed to insert a user.
type NewUser struct {
	Username     string
	DisplayName  string
	Email        string
	Role         string
	PasswordHash []byte
}

// Team represents a row in the teams table.
type Team struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

const (
	RoleMember = "MEMBER"
	RoleAdmin  = "ADMIN"
)

var (
	// ErrUserExists is returned when attempting to insert a duplicate username.
	ErrUserExists = errors.New("user already exists")
	// ErrTeamNotFound is returned when a team id does not reference a team.
	ErrTeamNotFound = errors.New("team not found")
)

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "teamchat.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements. Timestamps are stored as unix
// milliseconds so range comparisons stay numeric.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS teams (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'MEMBER',
			team_id INTEGER NULL,
			password_hash BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY(team_id) REFERENCES teams(id) ON DELETE SET NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_users_team ON users(team_id);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			team_id INTEGER NULL UNIQUE,
			pair_key TEXT NULL UNIQUE,
			created_at INTEGER NOT NULL,
			FOREIGN KEY(team_id) REFERENCES teams(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS room_participants (
			room_id TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_room_participants_user ON room_participants(user_id);`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			room_id TEXT NOT NULL,
			sender_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			attachments TEXT NOT NULL DEFAULT '[]',
			links TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL,
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE,
			FOREIGN KEY(sender_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			actor_id INTEGER NOT NULL DEFAULT 0,
			room_id TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			read_at INTEGER NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, read_at);`,
		`CREATE TABLE IF NOT EXISTS room_reads (
			room_id TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			last_read_at INTEGER NOT NULL,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateUser inserts a new user. ErrUserExists is returned on conflicts.
func (s *Store) CreateUser(ctx context.Context, user NewUser) (int64, error) {
	role := user.Role
	if role == "" {
		role = RoleMember
	}
	displayName := user.DisplayName
	if displayName == "" {
		displayName = user.Username
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO users(username, display_name, email, role, password_hash, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		user.Username, displayName, user.Email, role, user.PasswordHash, s.now().UnixMilli())
	if err != nil {
		if isConstraintError(err) {
			return 0, ErrUserExists
		}
		return 0, err
	}
	return result.LastInsertId()
}

const userColumns = `id, username, display_name, email, role, team_id, password_hash, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		user      User
		teamID    sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&user.ID, &user.Username, &user.DisplayName, &user.Email, &user.Role, &teamID, &user.PasswordHash, &createdAt); err != nil {
		return nil, err
	}
	user.TeamID = teamID.Int64
	user.CreatedAt = time.UnixMilli(createdAt)
	return &user, nil
}

// GetUserByUsername fetches a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return user, err
}

// GetUserByID fetches a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return user, err
}

// CreateTeam inserts a team and returns its id.
func (s *Store) CreateTeam(ctx context.Context, name string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `INSERT INTO teams(name, created_at) VALUES(?, ?)`, name, s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetTeam fetches a team by id.
func (s *Store) GetTeam(ctx context.Context, id int64) (*Team, error) {
	var (
		team      Team
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM teams WHERE id = ?`, id).Scan(&team.ID, &team.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	team.CreatedAt = time.UnixMilli(createdAt)
	return &team, nil
}

// SetUserTeam moves a user into a team. A zero teamID clears the membership.
func (s *Store) SetUserTeam(ctx context.Context, userID, teamID int64) error {
	var value any
	if teamID != 0 {
		value = teamID
	}
	_, err := s.db.ExecContext(ctx, `UPDATE users SET team_id = ? WHERE id = ?`, value, userID)
	if err != nil && isConstraintError(err) {
		return ErrTeamNotFound
	}
	return err
}

// ListTeamMemberIDs returns the ids of every user in the team, ascending.
func (s *Store) ListTeamMemberIDs(ctx context.Context, teamID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users WHERE team_id = ? ORDER BY id ASC`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
