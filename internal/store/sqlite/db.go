package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens a SQLite database with the given DSN. SQLite allows a single
// writer, so the pool is limited to one connection; this also keeps
// ":memory:" databases alive for the life of the pool.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, pragma := range []string{
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA busy_timeout = 5000;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// Migrate runs idempotent CREATE TABLE / CREATE INDEX statements.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			username VARCHAR(50) UNIQUE NOT NULL,
			display_name VARCHAR(100) NOT NULL DEFAULT '',
			email VARCHAR(100) UNIQUE,
			hashed_password VARCHAR(255) NOT NULL,
			role VARCHAR(20) NOT NULL DEFAULT 'student',
			avatar_url TEXT DEFAULT NULL,
			status TEXT DEFAULT NULL,
			timezone VARCHAR(64) DEFAULT NULL,
			locale VARCHAR(16) DEFAULT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_online BOOLEAN NOT NULL DEFAULT FALSE,
			created_at DATETIME NOT NULL,
			last_seen DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY,
			name VARCHAR(100),
			type VARCHAR(20) NOT NULL,
			created_by INTEGER NOT NULL,
			is_encrypted BOOLEAN NOT NULL DEFAULT FALSE,
			last_seq INTEGER NOT NULL DEFAULT 0,
			last_message_id INTEGER DEFAULT NULL,
			last_message_at DATETIME DEFAULT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			direct_key VARCHAR(64) DEFAULT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (created_by) REFERENCES users(id)
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			joined_at DATETIME NOT NULL,
			is_pinned BOOLEAN NOT NULL DEFAULT FALSE,
			is_muted BOOLEAN NOT NULL DEFAULT FALSE,
			is_archived BOOLEAN NOT NULL DEFAULT FALSE,
			last_read_seq INTEGER NOT NULL DEFAULT 0,
			unread_count INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (user_id) REFERENCES users(id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY,
			conversation_id INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			sender_id INTEGER NOT NULL,
			type VARCHAR(20) NOT NULL,
			content TEXT NOT NULL,
			reply_to_id INTEGER DEFAULT NULL,
			thread_id INTEGER DEFAULT NULL,
			metadata TEXT DEFAULT NULL,
			is_encrypted BOOLEAN NOT NULL DEFAULT FALSE,
			client_key VARCHAR(36) DEFAULT NULL,
			created_at DATETIME NOT NULL,
			edited_at DATETIME DEFAULT NULL,
			is_edited BOOLEAN NOT NULL DEFAULT FALSE,
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (conversation_id, seq),
			UNIQUE (conversation_id, sender_id, client_key),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (sender_id) REFERENCES users(id)
		);`,
		`CREATE TABLE IF NOT EXISTS message_reactions (
			message_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			emoji VARCHAR(64) NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (message_id, user_id, emoji),
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS message_mentions (
			message_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			PRIMARY KEY (message_id, user_id),
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id VARCHAR(36) PRIMARY KEY,
			message_id INTEGER NOT NULL,
			filename TEXT NOT NULL,
			type VARCHAR(20) NOT NULL,
			url TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			mime_type VARCHAR(255) NOT NULL,
			thumbnail_url TEXT DEFAULT NULL,
			download_url TEXT DEFAULT NULL,
			version INTEGER DEFAULT NULL,
			is_encrypted BOOLEAN NOT NULL DEFAULT FALSE,
			checksum VARCHAR(128) DEFAULT NULL,
			uploaded_by INTEGER NOT NULL,
			uploaded_at DATETIME NOT NULL,
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_users_username ON users(username);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_type ON conversations(type);`,
		`CREATE INDEX IF NOT EXISTS idx_conv_participants_user ON conversation_participants(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id);`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// Databases created before direct_key existed get the column added in place.
	if err := addColumn(db, "conversations", "direct_key", "VARCHAR(64) DEFAULT NULL"); err != nil {
		return err
	}
	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_direct_key ON conversations(direct_key);`); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func addColumn(db *sql.DB, table, column, decl string) error {
	var n int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column,
	).Scan(&n); err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}
