// serve.go implements "claudegram serve", which runs the Telegram bot.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/berth-dev/claudegram/internal/commands"
	"github.com/berth-dev/claudegram/internal/git"
	"github.com/berth-dev/claudegram/internal/telegram"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Telegram bot",
	Long: `Start the bot and long-poll Telegram until interrupted.

The token comes from telegram.token in .claudegram/config.yaml or
TELEGRAM_BOT_TOKEN. Only users listed in telegram.allowed_users are
answered.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Telegram.Token == "" {
		return errors.New("no bot token: set telegram.token or TELEGRAM_BOT_TOKEN")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return fmt.Errorf("connecting to Telegram: %w", err)
	}
	api.Debug = debug
	a.logger.Info("authorized", zap.String("bot", api.Self.UserName))

	deps := telegram.Deps{
		API:           api,
		Claude:        a.facade,
		Conversations: a.convs,
		Gate:          a.gate,
		Tracker:       a.tracker,
		Tools:         a.tgTools,
		Repo:          repoStatus,
		Logger:        a.logger,
	}
	if a.executor != nil {
		deps.Commands = a.executor
	}
	bot := telegram.New(deps, telegram.Options{
		AllowedUsers: cfg.Telegram.AllowedUsers,
		WorkDir:      cfg.ApprovedDirectory,
		AllowedTools: a.allowed,
		PollTimeout:  cfg.Telegram.PollTimeout,
	})
	a.setRenderers(bot.Renderer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.startServer(gctx) })
	g.Go(func() error { return bot.Start(gctx) })

	a.sessions.StartSweeper(gctx, time.Duration(cfg.Sessions.CleanupIntervalMinutes)*time.Minute)

	if a.cmdStore != nil && cfg.Commands.Watch {
		w, err := commands.NewWatcher(a.cmdStore, a.logger)
		if err != nil {
			a.logger.Warn("template watcher unavailable", zap.Error(err))
		} else if err := w.Start(gctx); err != nil {
			a.logger.Warn("starting template watcher", zap.Error(err))
		} else {
			defer func() {
				w.Stop()
				a.logger.Debug("template watcher stopped", zap.Int("reloads", w.Reloads()))
			}()
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		stats := a.facade.ToolStats()
		a.logger.Info("shutting down",
			zap.Int("running_conversations", a.convs.ActiveCount()),
			zap.Int("open_clients", a.adapter.ActiveCount()),
			zap.Int("tool_calls", stats.TotalCalls),
			zap.Int("security_violations", stats.SecurityViolations),
			zap.Int("primary_failures", a.facade.FailureCount()),
		)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func repoStatus(dir string) (string, error) {
	st, err := git.Inspect(dir)
	if err != nil {
		return "", err
	}
	return st.String(), nil
}
