package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore implements Store over a single-connection modernc.org/sqlite
// database, matching the teacher's pragma and connection-pool discipline:
// one connection, WAL journaling, busy timeout, foreign keys on.
type SQLiteStore struct {
	db *sql.DB
}

// New opens dbPath, applies pragmas, and creates the schema if absent.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { return s.db.Close() }

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	return err
}

func (s *SQLiteStore) DeleteConfig(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM config WHERE key = ?", key)
	return err
}

func (s *SQLiteStore) ListConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM config")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT user_id, user_state, is_blocked, block_count, topic_id, user_info_json FROM users WHERE user_id = ?",
		userID)
	return scanUser(row)
}

func (s *SQLiteStore) GetUserByTopic(ctx context.Context, topicID int) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT user_id, user_state, is_blocked, block_count, topic_id, user_info_json FROM users WHERE topic_id = ?",
		topicID)
	return scanUser(row)
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, u *User) error {
	infoJSON, err := json.Marshal(u.Info)
	if err != nil {
		return fmt.Errorf("marshal user info: %w", err)
	}
	var topicID any
	if u.TopicID != nil {
		topicID = *u.TopicID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, user_state, is_blocked, block_count, topic_id, user_info_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			user_state = excluded.user_state,
			is_blocked = excluded.is_blocked,
			block_count = excluded.block_count,
			topic_id = excluded.topic_id,
			user_info_json = excluded.user_info_json
	`, u.UserID, string(u.State), boolInt(u.IsBlocked), u.BlockCount, topicID, string(infoJSON))
	return err
}

func (s *SQLiteStore) DeleteUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE user_id = ?", userID)
	return err
}

func (s *SQLiteStore) ListBlockedUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, user_state, is_blocked, block_count, topic_id, user_info_json FROM users WHERE is_blocked = 1")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanUser(scanner interface{ Scan(...any) error }) (*User, error) {
	var (
		userID, stateStr, infoJSON string
		isBlocked, blockCount      int
		topicID                    sql.NullInt64
	)
	err := scanner.Scan(&userID, &stateStr, &isBlocked, &blockCount, &topicID, &infoJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u := &User{
		UserID:     userID,
		State:      UserState(stateStr),
		IsBlocked:  isBlocked != 0,
		BlockCount: blockCount,
	}
	if topicID.Valid {
		v := int(topicID.Int64)
		u.TopicID = &v
	}
	if infoJSON != "" {
		if err := json.Unmarshal([]byte(infoJSON), &u.Info); err != nil {
			return nil, fmt.Errorf("unmarshal user info for %s: %w", userID, err)
		}
	}
	return u, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (s *SQLiteStore) InsertMessage(ctx context.Context, m *MessageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (user_id, message_id, text, date) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, message_id) DO UPDATE SET text = excluded.text, date = excluded.date
	`, m.UserID, m.MessageID, m.Text, m.Date)
	return err
}

func (s *SQLiteStore) GetMessage(ctx context.Context, userID string, messageID int) (*MessageRecord, error) {
	var m MessageRecord
	var text sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, message_id, text, date FROM messages WHERE user_id = ? AND message_id = ?",
		userID, messageID).Scan(&m.UserID, &m.MessageID, &text, &m.Date)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if text.Valid {
		m.Text = &text.String
	}
	return &m, nil
}

func (s *SQLiteStore) PurgeOldMessages(ctx context.Context, olderThanUnix int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE date < ?", olderThanUnix)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
