package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/brightpath/crmsync/internal/models"
)

// ChannelStore implements interfaces.ChannelStore.
type ChannelStore struct {
	db *sql.DB
}

// Channels returns the channel store view.
func (s *Store) Channels() *ChannelStore {
	return &ChannelStore{db: s.db}
}

const channelColumns = `id, user_id, resource, resource_token, status, expires_at, created_at, updated_at`

func scanChannel(row interface{ Scan(...interface{}) error }) (*models.WebhookChannel, error) {
	var ch models.WebhookChannel
	err := row.Scan(&ch.ID, &ch.UserID, &ch.Resource, &ch.ResourceToken,
		&ch.Status, &ch.ExpiresAt, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// Get returns a channel by provider-issued ID.
func (c *ChannelStore) Get(ctx context.Context, channelID string) (*models.WebhookChannel, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	row := c.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM webhook_channels WHERE id = $1`, channelID)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel '%s': %w", channelID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return ch, nil
}

// GetActive returns the single active channel for (user, resource).
func (c *ChannelStore) GetActive(ctx context.Context, userID, resource string) (*models.WebhookChannel, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	row := c.db.QueryRowContext(ctx, `
		SELECT `+channelColumns+` FROM webhook_channels
		WHERE user_id = $1 AND resource = $2 AND status = 'active'`, userID, resource)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active channel for user '%s' resource '%s': %w", userID, resource, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active channel: %w", err)
	}
	return ch, nil
}

// Save persists a channel registration. Within one transaction any other
// active channel for the same (user, resource) is revoked first, keeping
// the at-most-one-active invariant.
func (c *ChannelStore) Save(ctx context.Context, ch *models.WebhookChannel) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if ch.Status == models.ChannelActive {
		if _, err := tx.ExecContext(ctx, `
			UPDATE webhook_channels SET status = 'revoked', updated_at = NOW()
			WHERE user_id = $1 AND resource = $2 AND status = 'active' AND id <> $3`,
			ch.UserID, ch.Resource, ch.ID); err != nil {
			return fmt.Errorf("failed to supersede active channel: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO webhook_channels
			(id, user_id, resource, resource_token, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			resource_token = EXCLUDED.resource_token,
			status         = EXCLUDED.status,
			expires_at     = EXCLUDED.expires_at,
			updated_at     = NOW()`,
		ch.ID, ch.UserID, ch.Resource, ch.ResourceToken, ch.Status, ch.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save channel: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit channel save: %w", err)
	}
	committed = true
	return nil
}

// UpdateStatus transitions a channel's lifecycle state.
func (c *ChannelStore) UpdateStatus(ctx context.Context, channelID, status string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	_, err := c.db.ExecContext(ctx, `
		UPDATE webhook_channels SET status = $2, updated_at = NOW()
		WHERE id = $1`, channelID, status)
	if err != nil {
		return fmt.Errorf("failed to update channel status: %w", err)
	}
	return nil
}

// ListActive returns every active channel across users, soonest expiry first.
func (c *ChannelStore) ListActive(ctx context.Context) ([]*models.WebhookChannel, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	rows, err := c.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM webhook_channels WHERE status = 'active' ORDER BY expires_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active channels: %w", err)
	}
	defer rows.Close()

	return collectChannels(rows)
}

// ListByUser returns every channel row for one user, newest first.
func (c *ChannelStore) ListByUser(ctx context.Context, userID string) ([]*models.WebhookChannel, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	rows, err := c.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM webhook_channels WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	return collectChannels(rows)
}

func collectChannels(rows *sql.Rows) ([]*models.WebhookChannel, error) {
	var out []*models.WebhookChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}
