// Package syncengine reconciles remote mailbox and calendar state into the
// local mirror. Passes are triggered by webhook notifications or manual
// refresh and coalesce per (user, resource).
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/brightpath/crmsync/internal/clients/google"
	"github.com/brightpath/crmsync/internal/common"
	"github.com/brightpath/crmsync/internal/interfaces"
	"github.com/brightpath/crmsync/internal/models"
)

const keySep = "\x00"

// keyState tracks the coalescing flags for one (user, resource). A trigger
// landing while a pass runs sets pending; the pass loops exactly once more
// when it finishes, so bursts of notifications cost one follow-up pass.
// cancelled converts the in-flight pass to a no-op after channel teardown.
type keyState struct {
	running   bool
	pending   bool
	cancelled bool
}

// Engine implements interfaces.SyncEngine.
type Engine struct {
	store    interfaces.SyncStore
	statuses interfaces.StatusStore
	vault    interfaces.TokenVault
	client   interfaces.ProviderClient
	governor interfaces.RateGovernor
	events   interfaces.EventPublisher
	clock    common.Clock
	logger   *common.Logger
	config   common.SyncConfig

	mu     sync.Mutex
	states map[string]*keyState
	sem    chan struct{} // bounds concurrent passes across all keys

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a sync engine.
func NewEngine(
	store interfaces.SyncStore,
	statuses interfaces.StatusStore,
	vault interfaces.TokenVault,
	client interfaces.ProviderClient,
	governor interfaces.RateGovernor,
	events interfaces.EventPublisher,
	clock common.Clock,
	logger *common.Logger,
	config common.SyncConfig,
) *Engine {
	if clock == nil {
		clock = common.NewSystemClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    store,
		statuses: statuses,
		vault:    vault,
		client:   client,
		governor: governor,
		events:   events,
		clock:    clock,
		logger:   logger,
		config:   config,
		states:   make(map[string]*keyState),
		sem:      make(chan struct{}, config.GetMaxInFlight()),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// scopeFor maps a resource to its quota scope.
func scopeFor(resource string) string {
	if resource == models.ResourceCalendar {
		return "calendar_read"
	}
	return "mailbox_read"
}

// TriggerSync requests a sync pass for (user, resource). Returns
// immediately; at most one pass runs per key and at most one follow-up is
// queued.
func (e *Engine) TriggerSync(userID, resource string) {
	if !models.ValidResource(resource) {
		e.logger.Warn().Str("resource", resource).Msg("Sync trigger for unknown resource ignored")
		return
	}
	key := userID + keySep + resource

	e.mu.Lock()
	st, ok := e.states[key]
	if !ok {
		st = &keyState{}
		e.states[key] = st
	}
	if st.running {
		st.pending = true
		e.mu.Unlock()
		return
	}
	st.running = true
	st.cancelled = false
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error().
					Str("user_id", userID).
					Str("resource", resource).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in sync pass")
				e.mu.Lock()
				st.running = false
				st.pending = false
				e.mu.Unlock()
			}
		}()
		e.runLoop(userID, resource, st)
	}()
}

// CancelKey converts the in-flight pass for (user, resource) into a no-op:
// fetched pages are discarded instead of applied or announced, and any
// queued follow-up is dropped. Called when the channel behind the key is
// torn down; the next explicit trigger starts fresh.
func (e *Engine) CancelKey(userID, resource string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[userID+keySep+resource]; ok && st.running {
		st.cancelled = true
		st.pending = false
	}
}

// keyCancelled reports whether the running pass for the key was cancelled.
func (e *Engine) keyCancelled(userID, resource string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[userID+keySep+resource]
	return ok && st.cancelled
}

// Drain blocks until every in-flight pass completes.
func (e *Engine) Drain() {
	e.wg.Wait()
}

// Stop cancels in-flight passes and waits for them to exit.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// runLoop executes passes for one key until no trigger is pending.
func (e *Engine) runLoop(userID, resource string, st *keyState) {
	for {
		select {
		case e.sem <- struct{}{}:
		case <-e.ctx.Done():
			e.mu.Lock()
			st.running = false
			st.pending = false
			e.mu.Unlock()
			return
		}
		err := e.syncPass(e.ctx, userID, resource)
		<-e.sem

		if err != nil && e.ctx.Err() == nil {
			e.logger.Warn().
				Err(err).
				Str("user_id", userID).
				Str("resource", resource).
				Msg("Sync pass failed")
		}

		e.mu.Lock()
		if st.pending && e.ctx.Err() == nil {
			st.pending = false
			e.mu.Unlock()
			continue
		}
		st.running = false
		st.pending = false
		e.mu.Unlock()
		return
	}
}

// syncPass fetches and applies remote changes until the provider reports
// no more pages. Each page commits atomically with its cursor advance, so
// a crash mid-pass re-fetches at most one page.
func (e *Engine) syncPass(ctx context.Context, userID, resource string) error {
	cursor := ""
	if cur, err := e.store.GetCursor(ctx, userID, resource); err == nil {
		cursor = cur.Position
	} else if !errors.Is(err, models.ErrNotFound) {
		return err
	}

	pageToken := ""
	rebootstrapped := false
	scope := scopeFor(resource)
	applied := 0

	for {
		// The token is re-acquired per page so a credential revoked mid-pass
		// stops the pass before its next page is applied or announced.
		token, err := e.vault.GetValidAccessToken(ctx, userID, models.ProviderGoogle)
		if err != nil {
			if errors.Is(err, models.ErrAuthExpired) {
				e.setStatus(ctx, userID, resource, models.StatusAuthRequired, err.Error(), false)
			}
			return err
		}

		if e.keyCancelled(userID, resource) {
			e.logger.Debug().Str("user_id", userID).Str("resource", resource).Msg("Sync pass cancelled before fetch")
			return nil
		}

		page, err := e.fetchPage(ctx, token, userID, resource, scope, cursor, pageToken)
		if err != nil {
			switch {
			case errors.Is(err, models.ErrCursorInvalid) && !rebootstrapped:
				// The provider aged the cursor out. Discard it and restart
				// this pass as a bootstrap; the mirror converges by upsert.
				e.logger.Info().
					Str("user_id", userID).
					Str("resource", resource).
					Msg("Cursor invalidated, re-bootstrapping mirror")
				if err := e.store.DeleteCursor(ctx, userID, resource); err != nil {
					return err
				}
				cursor, pageToken = "", ""
				rebootstrapped = true
				continue
			case errors.Is(err, models.ErrAuthExpired):
				e.setStatus(ctx, userID, resource, models.StatusAuthRequired, err.Error(), false)
				return err
			default:
				e.setStatus(ctx, userID, resource, models.StatusDegraded, err.Error(), false)
				return err
			}
		}

		// Channel teardown mid-fetch discards the page unapplied; the
		// cursor stays put so nothing is lost if the key syncs again.
		if e.keyCancelled(userID, resource) {
			e.logger.Debug().Str("user_id", userID).Str("resource", resource).Msg("Sync pass cancelled, discarding fetched page")
			return nil
		}

		upserts, deletes := e.classify(ctx, userID, resource, page.Changes)
		if err := e.store.ApplyPage(ctx, userID, resource, upserts, deletes, page.NextCursor); err != nil {
			e.setStatus(ctx, userID, resource, models.StatusDegraded, err.Error(), false)
			return err
		}
		applied += len(page.Changes)

		// Events only fire after the page is durable, so a consumer never
		// hears about state that could be rolled back.
		e.publishEvents(userID, resource, page.Changes)

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	e.setStatus(ctx, userID, resource, models.StatusOK, "", true)
	e.logger.Debug().
		Str("user_id", userID).
		Str("resource", resource).
		Int("changes", applied).
		Msg("Sync pass completed")
	return nil
}

// fetchPage lists one change page under the quota governor, retrying
// transient failures with exponential backoff.
func (e *Engine) fetchPage(ctx context.Context, token, userID, resource, scope, cursor, pageToken string) (*models.ChangePage, error) {
	var lastErr error
	for attempt := 0; attempt < e.config.GetMaxRetries(); attempt++ {
		if attempt > 0 {
			backoff := e.config.GetRetryBase() << uint(attempt-1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-e.clock.After(backoff):
			}
		}

		if err := e.governor.Acquire(ctx, scope, 1); err != nil {
			lastErr = err
			continue
		}

		page, err := e.client.ListChanges(ctx, token, userID, resource, cursor, pageToken, e.config.GetPageSize())
		if err == nil {
			return page, nil
		}
		if !google.IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("change fetch exhausted retries: %w", lastErr)
}

// classify splits a page into entity upserts and deletions, resolving
// write conflicts last-writer-wins on the provider's modification time.
// An identical timestamp with differing content is flagged as a conflict
// for later manual review.
func (e *Engine) classify(ctx context.Context, userID, resource string, changes []models.RemoteChange) ([]models.SyncedEntity, []string) {
	var upserts []models.SyncedEntity
	var deletes []string
	now := e.clock.Now()

	for _, change := range changes {
		if change.Kind == models.ChangeDeleted {
			deletes = append(deletes, change.ExternalID)
			continue
		}

		state := models.SyncStateSynced
		if existing, err := e.store.GetEntity(ctx, userID, change.ExternalID); err == nil {
			if existing.LastModifiedAt.After(change.ModifiedAt) {
				// Stale change replayed out of order; the mirror already
				// holds the newer write.
				continue
			}
			if existing.LastModifiedAt.Equal(change.ModifiedAt) && existing.ContentHash != change.ContentHash {
				state = models.SyncStateConflict
			}
		}

		upserts = append(upserts, models.SyncedEntity{
			UserID:         userID,
			Resource:       resource,
			ExternalID:     change.ExternalID,
			ContentHash:    change.ContentHash,
			Payload:        change.Payload,
			SyncState:      state,
			LastModifiedAt: change.ModifiedAt,
			UpdatedAt:      now,
		})
	}
	return upserts, deletes
}

// publishEvents emits one domain event per applied change.
func (e *Engine) publishEvents(userID, resource string, changes []models.RemoteChange) {
	now := e.clock.Now()
	for _, change := range changes {
		var event models.DomainEvent
		if resource == models.ResourceCalendar {
			event = models.NewCalendarEvent(userID, change, now)
		} else {
			event = models.NewMailboxEvent(userID, change, now)
		}
		e.events.Publish(event)
	}
}

// setStatus records integration health, never failing the pass over a
// bookkeeping write. A zero sync time preserves the previously recorded
// one in the store.
func (e *Engine) setStatus(ctx context.Context, userID, resource, state, lastError string, syncedNow bool) {
	var syncAt time.Time
	if syncedNow {
		syncAt = e.clock.Now()
	}
	if err := e.statuses.Set(ctx, userID, resource, state, lastError, syncAt); err != nil {
		e.logger.Warn().Err(err).Str("user_id", userID).Str("resource", resource).Msg("Failed to record sync status")
	}
}
