// app.go assembles the services of a claudegram process from its config.
package cli

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/berth-dev/claudegram/internal/backend"
	"github.com/berth-dev/claudegram/internal/commands"
	"github.com/berth-dev/claudegram/internal/config"
	"github.com/berth-dev/claudegram/internal/conversation"
	"github.com/berth-dev/claudegram/internal/facade"
	"github.com/berth-dev/claudegram/internal/log"
	"github.com/berth-dev/claudegram/internal/monitor"
	"github.com/berth-dev/claudegram/internal/security"
	"github.com/berth-dev/claudegram/internal/session"
	"github.com/berth-dev/claudegram/internal/toolbridge"
	"github.com/berth-dev/claudegram/internal/tools"
	"github.com/berth-dev/claudegram/prompts"
)

// app holds the wired services of one process.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	audit   log.Auditor
	allowed []string

	store    session.Storage
	sessions *session.Manager
	gate     *security.Gate
	tracker  *security.Tracker
	registry *tools.Registry
	tgTools  *tools.Telegram
	server   *toolbridge.Server
	adapter  *backend.Adapter
	convs    *conversation.Coordinator
	monitor  *monitor.Monitor
	cmdStore *commands.Store
	executor *commands.Executor
	facade   *facade.Integration

	renderers atomic.Pointer[tools.RendererLookup]
}

// loadConfig resolves and validates the config for the project directory.
func loadConfig() (*config.Config, error) {
	dir, err := projectDir()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openStore returns the configured session store.
func openStore(cfg *config.Config) (session.Storage, error) {
	if cfg.Storage.Driver == "sqlite" {
		return session.NewSQLiteStore(cfg.StoragePath())
	}
	return session.NewMemoryStore(), nil
}

// newApp wires every service. The tool bridge server is created but not
// started.
func newApp(cfg *config.Config) (*app, error) {
	logger, err := log.NewZap(debug)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, tracker: security.NewTracker()}

	dataDir := config.DataDir(cfg.ApprovedDirectory)
	if cfg.Security.AuditLog {
		audit, err := log.NewLogger(dataDir)
		if err != nil {
			return nil, err
		}
		a.audit = audit
	}

	a.store, err = openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	a.sessions = session.NewManager(a.store, session.Options{
		TimeoutHours: cfg.Sessions.TimeoutHours,
		MaxPerUser:   cfg.Sessions.MaxPerUser,
	}, logger, a.audit)

	a.gate, err = security.NewGate(security.DefaultRules(), logger, a.audit)
	if err != nil {
		return nil, err
	}

	a.registry = tools.NewRegistry(time.Duration(cfg.Tools.TimeoutSeconds)*time.Second, logger)
	a.allowed = cfg.Claude.AllowedTools
	if cfg.Tools.EnableTelegram {
		a.tgTools = tools.NewTelegram(a.renderer, logger)
		if err := a.tgTools.Register(a.registry); err != nil {
			return nil, err
		}
		for _, name := range a.registry.List() {
			a.allowed = config.MergeTools(a.allowed, []string{tools.MCPName(name)})
		}
	}

	a.server, err = toolbridge.NewServer(a.registry, a.gate, logger)
	if err != nil {
		return nil, err
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}
	files := toolbridge.Files{
		Dir:   dataDir,
		Exe:   exe,
		Addr:  a.server.Addr(),
		Tools: cfg.Tools.EnableTelegram,
		Hooks: cfg.Security.EnableHooks,
	}

	a.adapter = backend.NewAdapter(backend.NewCLI(cfg.Claude.Binary, cfg.Claude.APIKey, logger), backend.AdapterOptions{
		Timeout:     time.Duration(cfg.Claude.TimeoutSeconds) * time.Second,
		ToolTimeout: time.Duration(cfg.Claude.ToolTimeoutSeconds) * time.Second,
		Base: backend.Options{
			WorkDir:        cfg.ApprovedDirectory,
			Model:          cfg.Claude.Model,
			MaxTurns:       cfg.Claude.MaxTurns,
			AllowedTools:   a.allowed,
			PermissionMode: cfg.Claude.PermissionMode,
			SystemPrompt:   prompts.SystemPrompt,
		},
		Prepare: files.Prepare,
	}, logger)

	a.convs = conversation.NewCoordinator(a.adapter, a.sessions, logger, a.audit)
	a.monitor = monitor.New(a.allowed, a.gate.RuleSet(), logger, a.audit)

	if cfg.Commands.Enabled {
		a.cmdStore = commands.NewStore(cfg.CommandsDir(), logger)
		a.executor = commands.NewExecutor(a.cmdStore, logger)
	}

	a.facade = facade.New(facade.Deps{
		Commands:      a.executor,
		Sessions:      a.sessions,
		Conversations: a.convs,
		Fallback:      a.adapter,
		Monitor:       a.monitor,
		Logger:        logger,
		Audit:         a.audit,
		AllowedTools:  a.allowed,
		EnvDir:        cfg.ApprovedDirectory,
	})

	logger.Info("claudegram ready",
		zap.String("approved_directory", cfg.ApprovedDirectory),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("stub_backend", a.adapter.IsStub()),
		zap.Int("commands", len(a.commandNames())),
		zap.String("bridge_addr", a.server.Addr()),
	)
	return a, nil
}

// setRenderers installs the chat surface that draws Telegram tool output.
func (a *app) setRenderers(fn tools.RendererLookup) {
	a.renderers.Store(&fn)
}

func (a *app) renderer(userID int64) tools.Renderer {
	fn := a.renderers.Load()
	if fn == nil {
		return nil
	}
	return (*fn)(userID)
}

func (a *app) commandNames() []string {
	if a.executor == nil {
		return nil
	}
	return a.executor.ListCommands()
}

// startServer serves the tool bridge until ctx is done.
func (a *app) startServer(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- a.server.Start() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Stop(stopCtx); err != nil {
		a.logger.Warn("stopping tool bridge", zap.Error(err))
	}
	return <-errc
}

// close shuts down backend clients and releases the store.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.facade.Shutdown(ctx); err != nil {
		a.logger.Warn("shutdown", zap.Error(err))
	}
	if c, ok := a.store.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("closing session store", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
