package postgres

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	db.SetConnMaxLifetime(time.Hour)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL migrations for the chat schema on PostgreSQL.
func Migrate(db *sql.DB) error {
	stmts := []string{
		// Users
		`CREATE TABLE IF NOT EXISTS users (
			id               BIGSERIAL    PRIMARY KEY,
			username         VARCHAR(50)  UNIQUE NOT NULL,
			display_name     VARCHAR(100) NOT NULL DEFAULT '',
			email            VARCHAR(100) UNIQUE,
			hashed_password  VARCHAR(255) NOT NULL,
			role             VARCHAR(20)  NOT NULL DEFAULT 'student',
			avatar_url       TEXT,
			status           TEXT,
			timezone         VARCHAR(64),
			locale           VARCHAR(16),
			is_active        BOOLEAN      NOT NULL DEFAULT TRUE,
			is_online        BOOLEAN      NOT NULL DEFAULT FALSE,
			created_at       TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			last_seen        TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		)`,

		// Conversations
		`CREATE TABLE IF NOT EXISTS conversations (
			id              BIGSERIAL    PRIMARY KEY,
			name            VARCHAR(100),
			type            VARCHAR(20)  NOT NULL,
			created_by      BIGINT       NOT NULL REFERENCES users(id),
			is_encrypted    BOOLEAN      NOT NULL DEFAULT FALSE,
			last_seq        BIGINT       NOT NULL DEFAULT 0,
			last_message_id BIGINT,
			last_message_at TIMESTAMPTZ,
			metadata        JSONB        NOT NULL DEFAULT '{}'::jsonb,
			direct_key      VARCHAR(64),
			created_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		)`,
		`ALTER TABLE conversations ADD COLUMN IF NOT EXISTS direct_key VARCHAR(64)`,

		// Conversation participants, with the member's own view settings
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id BIGINT       NOT NULL REFERENCES conversations(id),
			user_id         BIGINT       NOT NULL REFERENCES users(id),
			joined_at       TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			is_pinned       BOOLEAN      NOT NULL DEFAULT FALSE,
			is_muted        BOOLEAN      NOT NULL DEFAULT FALSE,
			is_archived     BOOLEAN      NOT NULL DEFAULT FALSE,
			last_read_seq   BIGINT       NOT NULL DEFAULT 0,
			unread_count    INTEGER      NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
			PRIMARY KEY (conversation_id, user_id)
		)`,

		// Messages
		`CREATE TABLE IF NOT EXISTS messages (
			id              BIGSERIAL    PRIMARY KEY,
			conversation_id BIGINT       NOT NULL REFERENCES conversations(id),
			seq             BIGINT       NOT NULL,
			sender_id       BIGINT       NOT NULL REFERENCES users(id),
			type            VARCHAR(20)  NOT NULL,
			content         TEXT         NOT NULL,
			reply_to_id     BIGINT,
			thread_id       BIGINT,
			metadata        JSONB,
			is_encrypted    BOOLEAN      NOT NULL DEFAULT FALSE,
			client_key      VARCHAR(36),
			created_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			edited_at       TIMESTAMPTZ,
			is_edited       BOOLEAN      NOT NULL DEFAULT FALSE,
			is_deleted      BOOLEAN      NOT NULL DEFAULT FALSE,
			UNIQUE (conversation_id, seq),
			UNIQUE (conversation_id, sender_id, client_key)
		)`,

		`CREATE TABLE IF NOT EXISTS message_reactions (
			message_id BIGINT      NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id    BIGINT      NOT NULL REFERENCES users(id),
			emoji      VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (message_id, user_id, emoji)
		)`,

		`CREATE TABLE IF NOT EXISTS message_mentions (
			message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id    BIGINT NOT NULL REFERENCES users(id),
			PRIMARY KEY (message_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS attachments (
			id            VARCHAR(36)  PRIMARY KEY,
			message_id    BIGINT       NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			filename      TEXT         NOT NULL,
			type          VARCHAR(20)  NOT NULL,
			url           TEXT         NOT NULL,
			size_bytes    BIGINT       NOT NULL,
			mime_type     VARCHAR(255) NOT NULL,
			thumbnail_url TEXT,
			download_url  TEXT,
			version       INTEGER,
			is_encrypted  BOOLEAN      NOT NULL DEFAULT FALSE,
			checksum      VARCHAR(128),
			uploaded_by   BIGINT       NOT NULL REFERENCES users(id),
			uploaded_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		)`,

		// Indexes
		`CREATE INDEX IF NOT EXISTS idx_users_username ON users(username)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_type ON conversations(type)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_direct_key ON conversations(direct_key)`,
		`CREATE INDEX IF NOT EXISTS idx_conv_participants_user ON conversation_participants(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}
