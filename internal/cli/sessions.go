// sessions.go implements "claudegram sessions", for inspecting and pruning
// stored sessions.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/berth-dev/claudegram/internal/cleanup"
	"github.com/berth-dev/claudegram/internal/config"
	"github.com/berth-dev/claudegram/internal/session"
	"github.com/berth-dev/claudegram/internal/ui"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored sessions",
	Long: `List or clean up the sessions in the configured store. Only the
sqlite store outlives the bot process, so these commands are useful
with storage.driver: sqlite.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list <user-id>",
	Short: "List a user's sessions",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsList,
}

var sessionsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsCleanup,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsCleanupCmd)
}

// sessionDB is a session store opened without the rest of the app.
type sessionDB struct {
	cfg   *config.Config
	store session.Storage
	mgr   *session.Manager
}

func openManager() (*sessionDB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	mgr := session.NewManager(store, session.Options{
		TimeoutHours: cfg.Sessions.TimeoutHours,
		MaxPerUser:   cfg.Sessions.MaxPerUser,
	}, nil, nil)
	return &sessionDB{cfg: cfg, store: store, mgr: mgr}, nil
}

func (db *sessionDB) close() {
	if c, ok := db.store.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid user id %q", args[0])
	}
	db, err := openManager()
	if err != nil {
		return err
	}
	defer db.close()

	sessions, err := db.mgr.UserSessions(cmd.Context(), userID)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}
	return renderSessions(os.Stdout, sessions, db.cfg.Sessions.TimeoutHours, time.Now())
}

func renderSessions(w io.Writer, sessions []*session.Session, timeoutHours int, now time.Time) error {
	t := &ui.Table{Headers: []string{"", "SESSION", "PROJECT", "MESSAGES", "COST", "AGE", "LAST USED"}}
	for _, s := range sessions {
		icon := ui.IconOK
		if s.ExpiredAt(now, timeoutHours) {
			icon = ui.IconExpired
		}
		t.AddRow(icon, s.ID, s.ProjectPath, strconv.Itoa(s.MessageCount), ui.FormatCost(s.TotalCost), ui.FormatDuration(now.Sub(s.CreatedAt)), ui.FormatAge(s.LastUsed, now))
	}
	return t.Render(w)
}

func runSessionsCleanup(cmd *cobra.Command, args []string) error {
	db, err := openManager()
	if err != nil {
		return err
	}
	defer db.close()

	n, dirs, err := db.cleanup(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Println(ui.SuccessStyle.Render(fmt.Sprintf("Removed %d expired sessions.", n)))
	if len(dirs) > 0 {
		fmt.Println(ui.DimStyle.Render(fmt.Sprintf("Pruned config for users %s.", strings.Join(dirs, ", "))))
	}
	return nil
}

// cleanup deletes expired sessions, then the Claude config directories of
// users left without any session.
func (db *sessionDB) cleanup(ctx context.Context) (int, []string, error) {
	n, err := db.mgr.CleanupExpired(ctx)
	if err != nil {
		return 0, nil, err
	}
	remaining, err := db.store.All(ctx)
	if err != nil {
		return n, nil, fmt.Errorf("listing sessions: %w", err)
	}
	active := make(map[int64]bool, len(remaining))
	for _, s := range remaining {
		active[s.UserID] = true
	}
	minAge := time.Duration(db.cfg.Sessions.TimeoutHours) * time.Hour
	root := cleanup.UserDirs(config.DataDir(db.cfg.ApprovedDirectory))
	dirs, err := cleanup.PruneUserDirs(root, active, minAge, false)
	if err != nil {
		return n, dirs, err
	}
	return n, dirs, nil
}
