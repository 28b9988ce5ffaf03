// console.go implements "claudegram console", a local terminal chat.
package cli

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/berth-dev/claudegram/internal/console"
)

var consoleUserID int64

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Chat with Claude from the terminal",
	Long: `Open a terminal chat that uses the same sessions, templates and
security checks as the bot. Messages are sent as --user-id, which
defaults to the first allowed Telegram user.`,
	RunE: runConsole,
}

func init() {
	consoleCmd.Flags().Int64Var(&consoleUserID, "user-id", 0, "Telegram user ID to chat as")
}

func runConsole(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	userID := consoleUserID
	if userID == 0 {
		if len(cfg.Telegram.AllowedUsers) == 0 {
			return errors.New("no --user-id given and telegram.allowed_users is empty")
		}
		userID = cfg.Telegram.AllowedUsers[0]
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.startServer(gctx) })
	g.Go(func() error {
		defer stop()
		return console.Run(gctx, a.facade, a.convs, userID, cfg.ApprovedDirectory)
	})
	return g.Wait()
}
