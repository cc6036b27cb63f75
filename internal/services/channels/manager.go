// Package channels manages provider push channels: registration, renewal
// ahead of expiry, notification validation, and teardown.
package channels

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/brightpath/crmsync/internal/common"
	"github.com/brightpath/crmsync/internal/interfaces"
	"github.com/brightpath/crmsync/internal/models"
)

// Quota scope for watch and stop calls.
const scopeChannelAdmin = "channel_admin"

// resourceStateSync is the provider's registration acknowledgment ping.
// It confirms delivery works and carries no change signal.
const resourceStateSync = "sync"

// Manager implements interfaces.ChannelManager. A renewal loop driven by
// the injected clock re-registers channels ahead of expiry with bounded
// exponential backoff on failure.
type Manager struct {
	store    interfaces.ChannelStore
	vault    interfaces.TokenVault
	client   interfaces.ProviderClient
	syncs    interfaces.SyncEngine
	governor interfaces.RateGovernor
	clock    common.Clock
	logger   *common.Logger

	callbackURL string
	settings    common.ChannelSettings
	scheduler   *renewalScheduler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a channel manager. Start must be called before
// renewals are processed.
func NewManager(
	store interfaces.ChannelStore,
	vault interfaces.TokenVault,
	client interfaces.ProviderClient,
	syncs interfaces.SyncEngine,
	governor interfaces.RateGovernor,
	clock common.Clock,
	logger *common.Logger,
	callbackURL string,
	settings common.ChannelSettings,
) *Manager {
	if clock == nil {
		clock = common.NewSystemClock()
	}
	return &Manager{
		store:       store,
		vault:       vault,
		client:      client,
		syncs:       syncs,
		governor:    governor,
		clock:       clock,
		logger:      logger,
		callbackURL: callbackURL,
		settings:    settings,
		scheduler:   newRenewalScheduler(),
	}
}

// safeGo launches a goroutine with panic recovery and logging.
func (m *Manager) safeGo(name string, fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in channel manager goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the renewal loop and reschedules renewals for channels
// that were active before a restart.
func (m *Manager) Start() {
	if m.cancel != nil {
		m.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	active, err := m.store.ListActive(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to load active channels for renewal rescheduling")
	}
	for _, ch := range active {
		m.scheduler.schedule(ch.ID, ch.UserID, ch.Resource, m.renewalDue(ch.ExpiresAt), 0)
	}

	m.safeGo("renewal-loop", func() { m.renewalLoop(ctx) })

	m.logger.Info().
		Int("rescheduled", len(active)).
		Str("renewal_margin", m.settings.GetRenewalMargin().String()).
		Msg("Channel manager started")
}

// Stop cancels the renewal loop and waits for in-flight renewals.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.wg.Wait()
	m.logger.Info().Msg("Channel manager stopped")
}

// Register establishes the active channel for (user, resource), replacing
// any previous one. Safe to call repeatedly.
func (m *Manager) Register(ctx context.Context, userID, resource string) (*models.WebhookChannel, error) {
	if !models.ValidResource(resource) {
		return nil, fmt.Errorf("unknown resource '%s'", resource)
	}

	token, err := m.vault.GetValidAccessToken(ctx, userID, models.ProviderGoogle)
	if err != nil {
		return nil, err
	}

	previous, err := m.store.GetActive(ctx, userID, resource)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	if err := m.governor.Acquire(ctx, scopeChannelAdmin, 1); err != nil {
		return nil, err
	}
	ch, err := m.client.Watch(ctx, token, userID, resource, m.callbackURL, m.settings.GetLifetime())
	if err != nil {
		return nil, fmt.Errorf("failed to register channel: %w", err)
	}
	ch.UserID = userID
	ch.Resource = resource
	ch.Status = models.ChannelActive

	if err := m.store.Save(ctx, ch); err != nil {
		return nil, err
	}

	// The store already demoted the previous row; stopping it at the
	// provider is best effort.
	if previous != nil && previous.ID != ch.ID {
		m.stopAtProvider(ctx, token, previous)
		m.scheduler.remove(previous.ID)
	}

	m.scheduler.schedule(ch.ID, userID, resource, m.renewalDue(ch.ExpiresAt), 0)

	m.logger.Info().
		Str("user_id", userID).
		Str("resource", resource).
		Str("channel_id", ch.ID).
		Time("expires_at", ch.ExpiresAt).
		Msg("Webhook channel registered")

	return ch, nil
}

// Unregister tears down the active channel for (user, resource). Missing
// channels are not an error.
func (m *Manager) Unregister(ctx context.Context, userID, resource string) error {
	ch, err := m.store.GetActive(ctx, userID, resource)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return err
	}
	return m.revokeChannel(ctx, ch)
}

// DeactivateUser revokes every channel the user holds, called when the
// credential is disconnected.
func (m *Manager) DeactivateUser(ctx context.Context, userID string) error {
	list, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	var lastErr error
	for _, ch := range list {
		if ch.Status != models.ChannelActive {
			continue
		}
		if err := m.revokeChannel(ctx, ch); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// revokeChannel marks a channel revoked, removes its renewal, silences any
// in-flight sync pass for the key, and makes a best-effort stop call at
// the provider.
func (m *Manager) revokeChannel(ctx context.Context, ch *models.WebhookChannel) error {
	if err := m.store.UpdateStatus(ctx, ch.ID, models.ChannelRevoked); err != nil {
		return err
	}
	m.scheduler.remove(ch.ID)
	m.syncs.CancelKey(ch.UserID, ch.Resource)

	if token, err := m.vault.GetValidAccessToken(ctx, ch.UserID, models.ProviderGoogle); err == nil {
		m.stopAtProvider(ctx, token, ch)
	}

	m.logger.Info().
		Str("user_id", ch.UserID).
		Str("resource", ch.Resource).
		Str("channel_id", ch.ID).
		Msg("Webhook channel revoked")
	return nil
}

func (m *Manager) stopAtProvider(ctx context.Context, token string, ch *models.WebhookChannel) {
	if err := m.governor.Acquire(ctx, scopeChannelAdmin, 1); err != nil {
		m.logger.Warn().Err(err).Str("channel_id", ch.ID).Msg("Skipping provider stop call")
		return
	}
	if err := m.client.Stop(ctx, token, ch.ID, ch.ResourceToken); err != nil {
		m.logger.Warn().Err(err).Str("channel_id", ch.ID).Msg("Provider stop call failed")
	}
}

// lookupLiveChannel resolves a notification's channel, classifying stale
// references against the error taxonomy.
func (m *Manager) lookupLiveChannel(ctx context.Context, channelID string) (*models.WebhookChannel, error) {
	ch, err := m.store.Get(ctx, channelID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("channel '%s': %w", channelID, models.ErrChannelUnknown)
		}
		return nil, err
	}
	if !ch.Active(m.clock.Now()) {
		return nil, fmt.Errorf("channel '%s' (status %s): %w", channelID, ch.Status, models.ErrChannelExpired)
	}
	return ch, nil
}

// HandleNotification validates an inbound push and triggers a sync pass
// for a live channel. Unknown, stale, and acknowledgment pings are
// ignored; ingress always acknowledges, so nothing is returned.
func (m *Manager) HandleNotification(ctx context.Context, channelID, resourceState string) {
	ch, err := m.lookupLiveChannel(ctx, channelID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrChannelUnknown):
			m.logger.Debug().Str("channel_id", channelID).Msg("Notification for unknown channel ignored")
		case errors.Is(err, models.ErrChannelExpired):
			m.logger.Debug().Err(err).Str("channel_id", channelID).Msg("Notification for inactive channel ignored")
		default:
			m.logger.Warn().Err(err).Str("channel_id", channelID).Msg("Channel lookup failed for notification")
		}
		return
	}
	if resourceState == resourceStateSync {
		m.logger.Debug().Str("channel_id", channelID).Msg("Channel registration confirmed")
		return
	}

	m.syncs.TriggerSync(ch.UserID, ch.Resource)
}

// renewalDue places the renewal ahead of expiry by the configured margin.
func (m *Manager) renewalDue(expiresAt time.Time) time.Time {
	due := expiresAt.Add(-m.settings.GetRenewalMargin())
	if now := m.clock.Now(); due.Before(now) {
		return now
	}
	return due
}

// renewalLoop waits on the earliest scheduled renewal and processes due
// entries. Schedule changes nudge the loop through the scheduler's wake
// channel so the timer is recomputed.
func (m *Manager) renewalLoop(ctx context.Context) {
	for {
		var timer <-chan time.Time
		if next, ok := m.scheduler.next(); ok {
			wait := next.due.Sub(m.clock.Now())
			if wait < 0 {
				wait = 0
			}
			timer = m.clock.After(wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-m.scheduler.wake:
			continue
		case <-timer:
			for _, e := range m.scheduler.popDue(m.clock.Now()) {
				entry := e
				m.safeGo("renew-"+entry.channelID, func() { m.renew(ctx, entry) })
			}
		}
	}
}

// renew replaces a channel nearing expiry with a fresh registration. A
// failed attempt is retried with exponential backoff until the retry
// budget is spent, after which the channel is marked expired.
func (m *Manager) renew(ctx context.Context, e *renewalEntry) {
	current, err := m.store.Get(ctx, e.channelID)
	if err != nil || current.Status != models.ChannelActive {
		return
	}

	replacement, err := m.renewOnce(ctx, current)
	if err == nil {
		m.scheduler.schedule(replacement.ID, e.userID, e.resource, m.renewalDue(replacement.ExpiresAt), 0)
		m.logger.Info().
			Str("user_id", e.userID).
			Str("resource", e.resource).
			Str("channel_id", replacement.ID).
			Time("expires_at", replacement.ExpiresAt).
			Msg("Webhook channel renewed")
		return
	}
	if ctx.Err() != nil {
		return
	}

	if errors.Is(err, models.ErrAuthExpired) {
		m.logger.Warn().
			Str("user_id", e.userID).
			Str("resource", e.resource).
			Msg("Channel renewal blocked pending re-authorization")
		m.expireChannel(ctx, e.channelID)
		return
	}

	attempt := e.attempt + 1
	if attempt >= m.settings.GetMaxRetries() {
		m.logger.Error().
			Err(err).
			Str("user_id", e.userID).
			Str("resource", e.resource).
			Int("attempts", attempt).
			Msg("Channel renewal retry budget spent, marking expired")
		m.expireChannel(ctx, e.channelID)
		return
	}

	backoff := m.settings.GetRetryBase() << uint(e.attempt)
	m.logger.Warn().
		Err(err).
		Str("channel_id", e.channelID).
		Int("attempt", attempt).
		Str("backoff", backoff.String()).
		Msg("Channel renewal failed, will retry")
	m.scheduler.schedule(e.channelID, e.userID, e.resource, m.clock.Now().Add(backoff), attempt)
}

// renewOnce performs one renewal attempt: register the replacement, then
// best-effort stop the old channel.
func (m *Manager) renewOnce(ctx context.Context, current *models.WebhookChannel) (*models.WebhookChannel, error) {
	token, err := m.vault.GetValidAccessToken(ctx, current.UserID, models.ProviderGoogle)
	if err != nil {
		return nil, err
	}
	if err := m.governor.Acquire(ctx, scopeChannelAdmin, 1); err != nil {
		return nil, err
	}

	replacement, err := m.client.Watch(ctx, token, current.UserID, current.Resource, m.callbackURL, m.settings.GetLifetime())
	if err != nil {
		return nil, err
	}
	replacement.UserID = current.UserID
	replacement.Resource = current.Resource
	replacement.Status = models.ChannelActive

	if err := m.store.Save(ctx, replacement); err != nil {
		return nil, err
	}
	if replacement.ID != current.ID {
		m.stopAtProvider(ctx, token, current)
	}
	return replacement, nil
}

func (m *Manager) expireChannel(ctx context.Context, channelID string) {
	if err := m.store.UpdateStatus(ctx, channelID, models.ChannelExpired); err != nil {
		m.logger.Warn().Err(err).Str("channel_id", channelID).Msg("Failed to mark channel expired")
	}
}
