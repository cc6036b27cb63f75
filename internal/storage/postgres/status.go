package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/brightpath/crmsync/internal/models"
)

// StatusStore implements interfaces.StatusStore.
type StatusStore struct {
	db *sql.DB
}

// Status returns the status store view.
func (s *Store) Status() *StatusStore {
	return &StatusStore{db: s.db}
}

// Set upserts the health record for (user, resource). A zero lastSyncAt
// preserves the previously recorded sync time.
func (t *StatusStore) Set(ctx context.Context, userID, resource, state, lastError string, lastSyncAt time.Time) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var syncAt interface{}
	if !lastSyncAt.IsZero() {
		syncAt = lastSyncAt
	}

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO sync_status (user_id, resource, state, last_error, last_sync_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id, resource) DO UPDATE SET
			state        = EXCLUDED.state,
			last_error   = EXCLUDED.last_error,
			last_sync_at = COALESCE(EXCLUDED.last_sync_at, sync_status.last_sync_at),
			updated_at   = NOW()`,
		userID, resource, state, lastError, syncAt)
	if err != nil {
		return fmt.Errorf("failed to set sync status: %w", err)
	}
	return nil
}

// Get returns the health record for (user, resource).
func (t *StatusStore) Get(ctx context.Context, userID, resource string) (*models.ResourceStatus, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	row := t.db.QueryRowContext(ctx, `
		SELECT resource, state, last_error, last_sync_at
		FROM sync_status WHERE user_id = $1 AND resource = $2`, userID, resource)

	var st models.ResourceStatus
	var lastSync sql.NullTime
	err := row.Scan(&st.Resource, &st.State, &st.LastError, &lastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("status for user '%s' resource '%s': %w", userID, resource, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync status: %w", err)
	}
	if lastSync.Valid {
		st.LastSyncAt = lastSync.Time
	}
	st.RemediationHint = models.RemediationFor(st.State)
	return &st, nil
}
