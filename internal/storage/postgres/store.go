// Package postgres implements the crmsync store contracts over PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/brightpath/crmsync/internal/common"
)

const operationTimeout = 5 * time.Second

// Store implements CredentialStore, ChannelStore, SyncStore, and
// StatusStore over one database handle.
type Store struct {
	db     *sql.DB
	logger *common.Logger
}

// NewStore opens the database and ensures the schema exists.
func NewStore(logger *common.Logger, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty DSN")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	logger.Info().Msg("Postgres store opened")
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS oauth_credentials (
			user_id       TEXT NOT NULL,
			provider      TEXT NOT NULL,
			access_token  TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			expires_at    TIMESTAMPTZ NOT NULL,
			scopes        TEXT NOT NULL DEFAULT '',
			needs_reauth  BOOLEAN NOT NULL DEFAULT FALSE,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_channels (
			id             TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL,
			resource       TEXT NOT NULL,
			resource_token TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			expires_at     TIMESTAMPTZ NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS webhook_channels_user_resource_idx
			ON webhook_channels (user_id, resource)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS webhook_channels_one_active_idx
			ON webhook_channels (user_id, resource) WHERE status = 'active'`,
		`CREATE TABLE IF NOT EXISTS sync_cursors (
			user_id    TEXT NOT NULL,
			resource   TEXT NOT NULL,
			position   TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, resource)
		)`,
		`CREATE TABLE IF NOT EXISTS synced_entities (
			user_id          TEXT NOT NULL,
			resource         TEXT NOT NULL,
			external_id      TEXT NOT NULL,
			content_hash     TEXT NOT NULL DEFAULT '',
			payload          BYTEA,
			sync_state       TEXT NOT NULL DEFAULT 'synced',
			last_modified_at TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, external_id)
		)`,
		`CREATE INDEX IF NOT EXISTS synced_entities_user_resource_idx
			ON synced_entities (user_id, resource)`,
		`CREATE TABLE IF NOT EXISTS sync_status (
			user_id      TEXT NOT NULL,
			resource     TEXT NOT NULL,
			state        TEXT NOT NULL,
			last_error   TEXT NOT NULL DEFAULT '',
			last_sync_at TIMESTAMPTZ,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, resource)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// opCtx derives a bounded context for one store operation.
func opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, operationTimeout)
}
