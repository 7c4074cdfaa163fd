// Package application wires the execution core together: configuration,
// logging, the session store, the event bus, the LLM router, the grounding
// client, the OS-automation client, the tool catalog and the agent loop.
package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/ngoclaw/agentcore/internal/domain/agent"
	"github.com/ngoclaw/agentcore/internal/domain/geometry"
	domaintool "github.com/ngoclaw/agentcore/internal/domain/tool"
	"github.com/ngoclaw/agentcore/internal/infrastructure/config"
	"github.com/ngoclaw/agentcore/internal/infrastructure/eventbus"
	"github.com/ngoclaw/agentcore/internal/infrastructure/grounding"
	"github.com/ngoclaw/agentcore/internal/infrastructure/llm"
	_ "github.com/ngoclaw/agentcore/internal/infrastructure/llm/anthropic" // register anthropic provider factory
	_ "github.com/ngoclaw/agentcore/internal/infrastructure/llm/gemini"    // register gemini provider factory
	_ "github.com/ngoclaw/agentcore/internal/infrastructure/llm/openai"    // register openai provider factory
	"github.com/ngoclaw/agentcore/internal/infrastructure/osautomation"
	"github.com/ngoclaw/agentcore/internal/infrastructure/policystore"
	"github.com/ngoclaw/agentcore/internal/infrastructure/store"
	"github.com/ngoclaw/agentcore/internal/infrastructure/tiler"
	httpserver "github.com/ngoclaw/agentcore/internal/interfaces/http"
	"github.com/ngoclaw/agentcore/internal/interfaces/websocket"
)

// App is the dependency-injection container.
type App struct {
	config *config.Config
	logger *zap.Logger

	store        *store.Store
	bus          eventbus.Bus
	emitter      *eventbus.Emitter
	llmRouter    *llm.Router
	genaiClient  *genai.Client
	computer     *osautomation.Client
	toolRegistry domaintool.Registry
	policies     *policystore.Store
	watcher      *config.Watcher

	loop       *agent.Loop
	service    *Service
	httpServer *httpserver.Server
	wsHandler  *websocket.Handler
}

// NewApp builds the container.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}
	if err := app.initAgent(); err != nil {
		return nil, fmt.Errorf("failed to init agent: %w", err)
	}
	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}
	return app, nil
}

func (app *App) initInfrastructure() error {
	app.logger.Info("Initializing infrastructure")
	cfg := app.config

	st, err := store.New(cfg.Store.Root, app.logger)
	if err != nil {
		return err
	}
	app.store = st

	// Event bus: WAL-backed when a directory is configured, so a restarted
	// process can replay persistent_message/session_status events to
	// late-joining subscribers.
	if cfg.Events.WALDir != "" {
		bus, err := eventbus.NewPersistentBus(eventbus.PersistentBusConfig{
			WALDir:     cfg.Events.WALDir,
			BufferSize: cfg.Events.BufferSize,
		}, app.logger)
		if err != nil {
			return err
		}
		app.bus = bus
	} else {
		app.bus = eventbus.NewInMemoryBus(app.logger, cfg.Events.BufferSize)
	}
	app.emitter = eventbus.NewEmitter(app.bus)

	// LLM router with every configured provider, in configuration order (the
	// router tries them in that order; Priority is passed through but does
	// not reorder them).
	app.llmRouter = llm.NewRouter(app.logger)
	for _, p := range cfg.Agent.Providers {
		provider, err := llm.CreateProvider(llm.ProviderConfig{
			Name:     p.Name,
			Type:     p.Type,
			BaseURL:  p.BaseURL,
			APIKey:   p.APIKey,
			Models:   p.Models,
			Priority: p.Priority,
		}, app.logger)
		if err != nil {
			app.logger.Error("Failed to create LLM provider",
				zap.String("name", p.Name),
				zap.String("type", p.Type),
				zap.Error(err),
			)
			continue
		}
		app.llmRouter.AddProvider(provider)
	}
	app.logger.Info("LLM router initialized",
		zap.Int("providers", len(cfg.Agent.Providers)),
	)

	// Grounding client (schema-constrained JSON calls).
	genaiClient, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.Grounding.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("create grounding client: %w", err)
	}
	app.genaiClient = genaiClient

	app.computer = osautomation.NewClient(cfg.OSAutomation.BaseURL, cfg.OSAutomation.Timeout)

	app.toolRegistry = domaintool.NewInMemoryRegistry()
	if err := domaintool.RegisterCatalog(app.toolRegistry); err != nil {
		return err
	}

	policies, err := policystore.Open(cfg.Policy.DBPath)
	if err != nil {
		return err
	}
	app.policies = policies

	watcher, err := config.NewWatcher(cfg.Agent.AutoAccept, app.logger)
	if err != nil {
		app.logger.Warn("Config watcher unavailable, auto-accept defaults are static", zap.Error(err))
	} else {
		app.watcher = watcher
	}

	return nil
}

func (app *App) initAgent() error {
	app.logger.Info("Initializing agent loop")
	cfg := app.config

	deps := agent.Deps{
		Store:     app.store,
		LLM:       app.llmRouter,
		Assembler: Assembler{Images: app.store},
		Computer:  computerAdapter{client: app.computer},
		Registry:  app.toolRegistry,
		NewTiler: func(geo *geometry.Geometry) agent.ScreenTiler {
			return screenTilerAdapter{t: tiler.New(geo)}
		},
		NewDetector: app.newDetector,
		Events:      app.emitter,
	}

	app.loop = agent.NewLoop(deps, agent.Config{
		Model:       cfg.Agent.DefaultModel,
		Temperature: cfg.Agent.Temperature,
	}, app.logger)

	autoAccept := func() []string { return cfg.Agent.AutoAccept }
	if app.watcher != nil {
		autoAccept = app.watcher.AutoAccept
	}
	app.service = NewService(app.store, app.loop, app.emitter, autoAccept, app.policies, app.logger)
	return nil
}

// newDetector builds a per-turn grounding pipeline and records the model
// choice in the policy history.
func (app *App) newDetector(sessionID string, geo *geometry.Geometry, tiles [][]byte, stream func(thought, text string)) domaintool.Detector {
	model := app.config.Grounding.Model
	if err := app.policies.RecordGroundingModel(sessionID, model); err != nil {
		app.logger.Debug("grounding history write failed", zap.Error(err))
	}
	return grounding.New(app.genaiClient, model, geo, tiles, grounding.StreamSink(stream))
}

func (app *App) initInterfaces() error {
	app.logger.Info("Initializing interfaces")
	cfg := app.config

	app.wsHandler = websocket.NewHandler(app.bus, app.logger)
	app.httpServer = httpserver.NewServer(
		httpserver.Config{
			Host: cfg.Gateway.Host,
			Port: cfg.Gateway.Port,
			Mode: cfg.Gateway.Mode,
		},
		app.service,
		app.wsHandler,
		app.logger,
	)
	return nil
}

// Start brings the transport up.
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")
	if err := app.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	app.logger.Info("Application started")
	return nil
}

// Stop shuts everything down in reverse dependency order.
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	app.service.Shutdown()

	if err := app.httpServer.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}
	if app.watcher != nil {
		app.watcher.Stop()
	}
	if app.policies != nil {
		if err := app.policies.Close(); err != nil {
			app.logger.Error("Failed to close policy store", zap.Error(err))
		}
	}
	app.bus.Close()

	app.logger.Info("Application stopped")
	return nil
}

// Service exposes the orchestrator (used by tests and alternate frontends).
func (app *App) Service() *Service { return app.service }

// Logger returns the application logger.
func (app *App) Logger() *zap.Logger { return app.logger }

// computerAdapter bridges the osautomation client to the loop's Computer
// interface.
type computerAdapter struct {
	client *osautomation.Client
}

func (a computerAdapter) Screenshot(ctx context.Context) ([]byte, error) {
	return a.client.Screenshot(ctx)
}

func (a computerAdapter) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	return a.client.ExecuteArgs(ctx, args)
}

// screenTilerAdapter narrows tiler.Tiler to the loop's ScreenTiler surface,
// pinning the default highlight style.
type screenTilerAdapter struct {
	t *tiler.Tiler
}

func (s screenTilerAdapter) Tile(png []byte) ([][]byte, error) {
	return s.t.Tile(png)
}

func (s screenTilerAdapter) HighlightBox(png []byte, tileIndex int, box geometry.Box) ([]byte, error) {
	return s.t.HighlightBox(png, tileIndex, box, tiler.HighlightOptions{})
}
