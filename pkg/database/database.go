package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aeolun/relaychat/pkg/chat"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DB is the SQLite store
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
	logger    *log.Logger
}

var pragmas = []string{
	// WAL allows multiple readers and one writer at the same time
	"PRAGMA journal_mode = WAL",
	// Wait and retry instead of failing immediately with SQLITE_BUSY
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

// OpenSQLite opens the SQLite database at path and migrates the schema.
func OpenSQLite(path string) (*DB, error) {
	conn, err := openConn(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	writeConn, err := openConn(path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	db := &DB{conn: conn, writeConn: writeConn}

	if err := runMigrations(writeConn); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

func openConn(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return conn, nil
}

// SetLogger enables slow query logging.
func (db *DB) SetLogger(logger *log.Logger) {
	db.logger = logger
}

func (db *DB) logSlow(op string, start time.Time) {
	if elapsed := time.Since(start); db.logger != nil && elapsed > 100*time.Millisecond {
		db.logger.Printf("DB: %s took %v", op, elapsed)
	}
}

// Close closes both connections
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// migrations are applied in order; schema_version records how many ran.
var migrations = []string{
	`
CREATE TABLE Server (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE Channel (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	server_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	description TEXT,
	created_by TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (server_id, name),
	FOREIGN KEY (server_id) REFERENCES Server(id) ON DELETE CASCADE
);

CREATE TABLE Message (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	channel_id INTEGER NOT NULL,
	user_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (channel_id) REFERENCES Channel(id) ON DELETE CASCADE
);

CREATE INDEX idx_messages_channel ON Message(channel_id, created_at DESC, seq DESC);
CREATE INDEX idx_channels_server ON Channel(server_id);
`,
}

func runMigrations(conn *sql.DB) error {
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var version int
	err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := conn.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	for i := version; i < len(migrations); i++ {
		tx, err := conn.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version = ?`, i+1); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// ListServers returns every server, oldest first
func (db *DB) ListServers(ctx context.Context) ([]chat.Server, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, name, owner_id, created_at FROM Server ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	servers := []chat.Server{}
	for rows.Next() {
		var s chat.Server
		var createdAt int64
		if err := rows.Scan(&s.ID, &s.Name, &s.OwnerID, &createdAt); err != nil {
			return nil, err
		}
		s.CreatedAt = fromMillis(createdAt)
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

// CreateServer inserts a server
func (db *DB) CreateServer(ctx context.Context, name, ownerID string) (chat.Server, error) {
	defer db.logSlow("CreateServer", time.Now())

	now := nowMillis()
	result, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO Server (name, owner_id, created_at) VALUES (?, ?, ?)
	`, name, ownerID, now)
	if err != nil {
		return chat.Server{}, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return chat.Server{}, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return chat.Server{ID: id, Name: name, OwnerID: ownerID, CreatedAt: fromMillis(now)}, nil
}

// ListChannels returns the channels of serverID ordered by name
func (db *DB) ListChannels(ctx context.Context, serverID int64) ([]chat.Channel, error) {
	if err := db.requireServer(ctx, serverID); err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, server_id, name, description, created_by, created_at
		FROM Channel
		WHERE server_id = ?
		ORDER BY name ASC
	`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channels := []chat.Channel{}
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// GetChannel returns a channel by ID
func (db *DB) GetChannel(ctx context.Context, channelID int64) (chat.Channel, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, server_id, name, description, created_by, created_at
		FROM Channel WHERE id = ?
	`, channelID)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Channel{}, ErrChannelNotFound
	}
	return ch, err
}

// CreateChannel inserts a channel into an existing server
func (db *DB) CreateChannel(ctx context.Context, channel chat.Channel) (chat.Channel, error) {
	defer db.logSlow("CreateChannel", time.Now())

	if err := db.requireServer(ctx, channel.ServerID); err != nil {
		return chat.Channel{}, err
	}

	desc := sql.NullString{String: channel.Description, Valid: channel.Description != ""}
	now := nowMillis()
	result, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO Channel (server_id, name, description, created_by, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, channel.ServerID, channel.Name, desc, channel.CreatedBy, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return chat.Channel{}, ErrChannelExists
		}
		return chat.Channel{}, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return chat.Channel{}, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	channel.ID = id
	channel.CreatedAt = fromMillis(now)
	return channel, nil
}

// ListMessages returns the newest limit messages of channelID, oldest first
func (db *DB) ListMessages(ctx context.Context, channelID int64, limit int) ([]chat.Message, error) {
	if _, err := db.GetChannel(ctx, channelID); err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, channel_id, user_id, display_name, content, created_at
		FROM Message
		WHERE channel_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?
	`, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []chat.Message{}
	for rows.Next() {
		var m chat.Message
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.UserID, &m.DisplayName, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMillis(createdAt)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reverse(messages)
	return messages, nil
}

// InsertMessage stores draft and returns the stored row
func (db *DB) InsertMessage(ctx context.Context, draft chat.Draft) (chat.Message, error) {
	defer db.logSlow("InsertMessage", time.Now())

	msg := chat.Message{
		ID:          uuid.NewString(),
		Content:     draft.Content,
		DisplayName: draft.DisplayName,
		UserID:      draft.UserID,
		ChannelID:   draft.ChannelID,
		CreatedAt:   fromMillis(nowMillis()),
	}

	_, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO Message (id, channel_id, user_id, display_name, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ChannelID, msg.UserID, msg.DisplayName, msg.Content, msg.CreatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return chat.Message{}, ErrChannelNotFound
		}
		return chat.Message{}, err
	}
	return msg, nil
}

func (db *DB) requireServer(ctx context.Context, serverID int64) error {
	var exists bool
	err := db.conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM Server WHERE id = ?)`, serverID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrServerNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanChannel(row scanner) (chat.Channel, error) {
	var ch chat.Channel
	var desc sql.NullString
	var createdAt int64
	if err := row.Scan(&ch.ID, &ch.ServerID, &ch.Name, &desc, &ch.CreatedBy, &createdAt); err != nil {
		return chat.Channel{}, err
	}
	if desc.Valid {
		ch.Description = desc.String
	}
	ch.CreatedAt = fromMillis(createdAt)
	return ch, nil
}

func reverse(msgs []chat.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
