package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/brightpath/crmsync/internal/models"
)

// SyncStore implements interfaces.SyncStore.
type SyncStore struct {
	db *sql.DB
}

// Sync returns the sync store view.
func (s *Store) Sync() *SyncStore {
	return &SyncStore{db: s.db}
}

// GetCursor returns the cursor row for (user, resource).
func (y *SyncStore) GetCursor(ctx context.Context, userID, resource string) (*models.SyncCursor, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	row := y.db.QueryRowContext(ctx, `
		SELECT user_id, resource, position, updated_at
		FROM sync_cursors WHERE user_id = $1 AND resource = $2`, userID, resource)

	var cur models.SyncCursor
	err := row.Scan(&cur.UserID, &cur.Resource, &cur.Position, &cur.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cursor for user '%s' resource '%s': %w", userID, resource, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return &cur, nil
}

// DeleteCursor discards an invalidated cursor ahead of a forced bootstrap.
func (y *SyncStore) DeleteCursor(ctx context.Context, userID, resource string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	_, err := y.db.ExecContext(ctx, `
		DELETE FROM sync_cursors WHERE user_id = $1 AND resource = $2`, userID, resource)
	if err != nil {
		return fmt.Errorf("failed to delete cursor: %w", err)
	}
	return nil
}

// ApplyPage applies one page of changes and the cursor advance in a single
// transaction. Re-applying the same page converges: upserts overwrite by
// (user, externalId) and deletes are no-ops the second time.
func (y *SyncStore) ApplyPage(ctx context.Context, userID, resource string, upserts []models.SyncedEntity, deletes []string, nextCursor string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	tx, err := y.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for i := range upserts {
		e := &upserts[i]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO synced_entities
				(user_id, resource, external_id, content_hash, payload, sync_state, last_modified_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			ON CONFLICT (user_id, external_id) DO UPDATE SET
				resource         = EXCLUDED.resource,
				content_hash     = EXCLUDED.content_hash,
				payload          = EXCLUDED.payload,
				sync_state       = EXCLUDED.sync_state,
				last_modified_at = EXCLUDED.last_modified_at,
				updated_at       = NOW()`,
			userID, resource, e.ExternalID, e.ContentHash, e.Payload,
			e.SyncState, e.LastModifiedAt); err != nil {
			return fmt.Errorf("failed to upsert entity '%s': %w", e.ExternalID, err)
		}
	}

	for _, externalID := range deletes {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM synced_entities WHERE user_id = $1 AND external_id = $2`,
			userID, externalID); err != nil {
			return fmt.Errorf("failed to delete entity '%s': %w", externalID, err)
		}
	}

	if nextCursor != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_cursors (user_id, resource, position, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (user_id, resource) DO UPDATE SET
				position = EXCLUDED.position, updated_at = NOW()`,
			userID, resource, nextCursor); err != nil {
			return fmt.Errorf("failed to advance cursor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit page: %w", err)
	}
	committed = true
	return nil
}

// GetEntity returns one mirrored entity by external ID.
func (y *SyncStore) GetEntity(ctx context.Context, userID, externalID string) (*models.SyncedEntity, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	row := y.db.QueryRowContext(ctx, `
		SELECT user_id, resource, external_id, content_hash, payload, sync_state, last_modified_at, updated_at
		FROM synced_entities WHERE user_id = $1 AND external_id = $2`, userID, externalID)

	var e models.SyncedEntity
	err := row.Scan(&e.UserID, &e.Resource, &e.ExternalID, &e.ContentHash,
		&e.Payload, &e.SyncState, &e.LastModifiedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity '%s' for user '%s': %w", externalID, userID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return &e, nil
}

// CountEntities returns the mirror size for (user, resource).
func (y *SyncStore) CountEntities(ctx context.Context, userID, resource string) (int, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var count int
	err := y.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM synced_entities WHERE user_id = $1 AND resource = $2`,
		userID, resource).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return count, nil
}
