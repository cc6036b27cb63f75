package models

import "time"

// SyncCursor marks the last fully-processed position in a remote change
// stream. It only ever advances; the sole rewind is a forced full resync
// after the provider invalidates it.
type SyncCursor struct {
	UserID    string    `json:"user_id"`
	Resource  string    `json:"resource"`
	Position  string    `json:"position"` // opaque provider token
	UpdatedAt time.Time `json:"updated_at"`
}

// Sync states for mirrored entities.
const (
	SyncStateSynced   = "synced"
	SyncStateConflict = "conflict"
)

// SyncedEntity is the local mirror of one remote item (email or calendar
// event), unique per (user, externalId). Only the sync engine writes these.
type SyncedEntity struct {
	UserID         string    `json:"user_id"`
	Resource       string    `json:"resource"`
	ExternalID     string    `json:"external_id"`
	ContentHash    string    `json:"content_hash"`
	Payload        []byte    `json:"payload"` // provider item snapshot, JSON
	SyncState      string    `json:"sync_state"`
	LastModifiedAt time.Time `json:"last_modified_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Remote change classification.
const (
	ChangeCreated = "created"
	ChangeUpdated = "updated"
	ChangeDeleted = "deleted"
)

// RemoteChange is one item in a provider delta page.
type RemoteChange struct {
	ExternalID  string    `json:"external_id"`
	Kind        string    `json:"kind"` // created, updated, deleted
	ContentHash string    `json:"content_hash"`
	Payload     []byte    `json:"payload"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// ChangePage is one page of a bootstrap or delta fetch. NextCursor is the
// position valid after every change in the page is applied; NextPageToken
// is non-empty while more pages remain in the same pass.
type ChangePage struct {
	Changes       []RemoteChange `json:"changes"`
	NextPageToken string         `json:"next_page_token"`
	NextCursor    string         `json:"next_cursor"`
}
