// commands.go implements "claudegram commands", which lists the slash
// command templates users can run.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/berth-dev/claudegram/internal/commands"
	"github.com/berth-dev/claudegram/internal/ui"
)

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List slash command templates",
	Args:  cobra.NoArgs,
	RunE:  runCommands,
}

func runCommands(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Commands.Enabled {
		fmt.Println("Slash command templates are disabled (commands.enabled: false).")
		return nil
	}
	store := commands.NewStore(cfg.CommandsDir(), nil)
	return listTemplates(os.Stdout, store)
}

func listTemplates(w io.Writer, store *commands.Store) error {
	if _, err := os.Stat(store.Dir()); err != nil {
		fmt.Fprintf(w, "%s %s not found\n", ui.IconFailed, store.Dir())
		return nil
	}
	names := store.List()
	if len(names) == 0 {
		fmt.Fprintf(w, "No templates in %s\n", store.Dir())
		return nil
	}
	t := &ui.Table{Headers: []string{"COMMAND", "FIRST LINE"}}
	for _, name := range names {
		tmpl, _ := store.Template(name)
		first, _, _ := strings.Cut(strings.TrimSpace(tmpl), "\n")
		t.AddRow("/"+name, first)
	}
	return t.Render(w)
}
