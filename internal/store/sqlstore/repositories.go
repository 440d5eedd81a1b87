package sqlstore

import (
	"database/sql"
	"fmt"

	"portalchat/internal/logger"
	"portalchat/internal/store/postgres"
	"portalchat/internal/store/sqlite"
)

// Repositories bundles the repositories sharing one database handle.
type Repositories struct {
	DB            *DB
	Users         *UserRepo
	Conversations *ConversationRepo
	Messages      *MessageRepo
}

func NewRepositories(db *DB) *Repositories {
	return &Repositories{
		DB:            db,
		Users:         NewUserRepo(db),
		Conversations: NewConversationRepo(db),
		Messages:      NewMessageRepo(db),
	}
}

// Open connects to the configured database and applies migrations.
func Open(driver, dsn string, maxConns int, log logger.Logger) (*DB, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}

	var (
		db      *sql.DB
		migrate func(*sql.DB) error
	)
	switch dialect {
	case Postgres:
		db, err = postgres.Open(dsn, maxConns)
		migrate = postgres.Migrate
	default:
		db, err = sqlite.Open(dsn)
		migrate = sqlite.Migrate
	}
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info("database ready", "driver", driver)
	return Wrap(db, dialect, log), nil
}
