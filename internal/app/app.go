// Package app wires configuration, storage, clients, and services into one
// composition root shared by the server binary and the tests.
package app

import (
	"fmt"
	"os"
	"time"

	"github.com/brightpath/crmsync/internal/clients/google"
	"github.com/brightpath/crmsync/internal/common"
	"github.com/brightpath/crmsync/internal/interfaces"
	"github.com/brightpath/crmsync/internal/services/channels"
	"github.com/brightpath/crmsync/internal/services/fanout"
	"github.com/brightpath/crmsync/internal/services/rategovernor"
	"github.com/brightpath/crmsync/internal/services/syncengine"
	"github.com/brightpath/crmsync/internal/services/tokenvault"
	"github.com/brightpath/crmsync/internal/storage"
)

// App holds all initialized services and clients.
type App struct {
	Config   *common.Config
	Logger   *common.Logger
	Storage  interfaces.StorageManager
	OAuth    interfaces.OAuthExchanger
	Provider interfaces.ProviderClient
	Governor interfaces.RateGovernor
	Vault    interfaces.TokenVault
	Hub      *fanout.Hub
	Sync     *syncengine.Engine
	Channels interfaces.ChannelManager

	StartupTime time.Time
}

// NewApp initializes storage, clients, and services. configPath may be
// empty, in which case CRMSYNC_CONFIG and defaults are consulted.
func NewApp(configPath string) (*App, error) {
	startupStart := time.Now()

	if configPath == "" {
		configPath = os.Getenv("CRMSYNC_CONFIG")
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := common.NewLogger(config.Logging.Level)

	storageManager, err := storage.NewManager(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	clock := common.NewSystemClock()

	oauth := google.NewOAuth(config.Provider, config.Server.PublicURL+"/auth/google/callback", logger)
	provider := google.NewClient(
		google.WithBaseURL(config.Provider.APIBaseURL),
		google.WithLogger(logger),
		google.WithTimeout(config.Provider.GetTimeout()),
	)

	governor := rategovernor.NewGovernor(logger, config.Provider.Quotas)
	vault := tokenvault.NewVault(storageManager.CredentialStore(), oauth, clock, config.Auth.GetSafetyMargin(), logger)
	hub := fanout.NewHub(logger)

	engine := syncengine.NewEngine(
		storageManager.SyncStore(),
		storageManager.StatusStore(),
		vault,
		provider,
		governor,
		hub,
		clock,
		logger,
		config.Sync,
	)

	channelManager := channels.NewManager(
		storageManager.ChannelStore(),
		vault,
		provider,
		engine,
		governor,
		clock,
		logger,
		config.Server.PublicURL+"/webhooks/google",
		config.Provider.Channel,
	)

	// Disconnecting a credential tears down the user's push channels.
	vault.RegisterRevokeHook(channelManager.DeactivateUser)

	a := &App{
		Config:      config,
		Logger:      logger,
		Storage:     storageManager,
		OAuth:       oauth,
		Provider:    provider,
		Governor:    governor,
		Vault:       vault,
		Hub:         hub,
		Sync:        engine,
		Channels:    channelManager,
		StartupTime: startupStart,
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("App initialized")

	return a, nil
}

// Start launches the background loops: the event hub and the channel
// renewal loop, which also reschedules renewals persisted before restart.
func (a *App) Start() {
	go a.Hub.Run()
	a.Channels.Start()
}

// Close shuts the background services down in dependency order: no new
// renewals, then drain sync passes, then stop fan-out, then storage.
func (a *App) Close() {
	a.Channels.Stop()
	a.Sync.Stop()
	a.Hub.Stop()

	if err := a.Storage.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Storage close failed")
	}
}

// Uptime returns the time since app initialization.
func (a *App) Uptime() time.Duration {
	return time.Since(a.StartupTime)
}
