// Package storage provides the top-level StorageManager over the
// relational store backing credentials, channels, cursors, and mirrors.
package storage

import (
	"fmt"

	"github.com/brightpath/crmsync/internal/common"
	"github.com/brightpath/crmsync/internal/interfaces"
	"github.com/brightpath/crmsync/internal/storage/postgres"
)

// Manager implements interfaces.StorageManager over one postgres store.
type Manager struct {
	store  *postgres.Store
	logger *common.Logger
}

// NewManager opens the relational store and ensures the schema.
func NewManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	store, err := postgres.NewStore(logger, config.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open relational store: %w", err)
	}

	logger.Info().Msg("Storage manager initialized")

	return &Manager{
		store:  store,
		logger: logger,
	}, nil
}

func (m *Manager) CredentialStore() interfaces.CredentialStore {
	return m.store.Credentials()
}

func (m *Manager) ChannelStore() interfaces.ChannelStore {
	return m.store.Channels()
}

func (m *Manager) SyncStore() interfaces.SyncStore {
	return m.store.Sync()
}

func (m *Manager) StatusStore() interfaces.StatusStore {
	return m.store.Status()
}

func (m *Manager) Close() error {
	return m.store.Close()
}
