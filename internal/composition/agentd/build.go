// Package agentd assembles the full agent runtime: storage, vault,
// permission matrix, consent broker, mediator and backend transport.
package agentd

import (
	"fmt"
	"log/slog"
	"os"

	"vibe/go-agent/internal/agent"
	"vibe/go-agent/internal/config"
	"vibe/go-agent/internal/consent"
	"vibe/go-agent/internal/identity"
	"vibe/go-agent/internal/mediator"
	"vibe/go-agent/internal/permission"
	"vibe/go-agent/internal/platform/privacylog"
	"vibe/go-agent/internal/storage"
	"vibe/go-agent/internal/transport"
	"vibe/go-agent/internal/vault"
)

const defaultAppNamespace = "default"

// Runtime is the wired agent with the handles the daemon surface needs.
type Runtime struct {
	Config config.Config
	Logger *slog.Logger
	Agent  *agent.Agent
	Broker *consent.Broker
	Socket *transport.Mux
}

// Build loads configuration and wires every component. dataDir, when
// non-empty, overrides the configured directory.
func Build(configPath, dataDir string) (*Runtime, error) {
	cfg := config.LoadFromPath(configPath)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	logger := slog.New(privacylog.WrapHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}),
	))
	slog.SetDefault(logger)

	backendURL, err := config.NormalizeEndpoint(cfg.BackendURL)
	if err != nil {
		return nil, err
	}

	namespace := cfg.AppID
	if namespace == "" {
		namespace = defaultAppNamespace
	}
	store, err := storage.NewStore(cfg.DataDir, namespace)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	v := vault.New(store)
	idents, err := identity.NewManager(v, store)
	if err != nil {
		return nil, fmt.Errorf("identity manager: %w", err)
	}
	grants, err := permission.NewStore(store)
	if err != nil {
		return nil, fmt.Errorf("permission store: %w", err)
	}

	broker := consent.NewBroker(cfg.PromptTimeout)
	coordinator := consent.NewCoordinator(broker, grants, logger)
	gate := mediator.NewWithRate(grants, broker, logger, cfg.AskRPS, cfg.AskBurst)

	// The token source closes over the agent built below; the client is
	// constructed first because the agent needs it.
	var ag *agent.Agent
	client, err := transport.NewClient(backendURL, cfg.AppID, func() string {
		if ag == nil {
			return ""
		}
		return ag.Token()
	}, logger)
	if err != nil {
		return nil, err
	}
	socket := transport.NewMux(client.SocketURL, transport.RefetchPolicy{Reader: client}, logger)

	ag = agent.New(v, idents, coordinator, gate, client, socket, store, grants, agent.Options{
		Origin:    cfg.Origin,
		ClaimCode: cfg.ClaimCode,
	}, logger)

	return &Runtime{
		Config: cfg,
		Logger: logger,
		Agent:  ag,
		Broker: broker,
		Socket: socket,
	}, nil
}
