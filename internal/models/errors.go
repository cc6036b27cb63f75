package models

import "errors"

// Error taxonomy for the integration core. Handlers and services match on
// these with errors.Is; provider client errors are wrapped around them.
var (
	// ErrAuthExpired means the provider rejected the refresh token. The user
	// must re-run authorization; the caller must not retry.
	ErrAuthExpired = errors.New("authorization expired")

	// ErrChannelUnknown means a notification referenced a channel this server
	// has no record of. Acknowledged and ignored.
	ErrChannelUnknown = errors.New("unknown webhook channel")

	// ErrChannelExpired means a notification referenced a channel that is no
	// longer active. Acknowledged and ignored.
	ErrChannelExpired = errors.New("webhook channel expired")

	// ErrRateLimited means a quota scope stayed exhausted past the bounded
	// acquire wait. The caller should retry after a delay.
	ErrRateLimited = errors.New("provider quota exhausted")

	// ErrCursorInvalid means the provider reported the sync cursor as too old
	// to resume from. The engine discards it and re-bootstraps.
	ErrCursorInvalid = errors.New("sync cursor invalidated by provider")

	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")
)
