// bridge.go implements the hidden subcommands Claude spawns: the MCP stdio
// bridge for Telegram tools and the PreToolUse hook.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/berth-dev/claudegram/internal/security"
	"github.com/berth-dev/claudegram/internal/toolbridge"
	"github.com/berth-dev/claudegram/internal/tools"
)

var (
	bridgeAddr   string
	bridgeUserID int64
)

var bridgeCmd = &cobra.Command{
	Use:    toolbridge.BridgeCommand,
	Hidden: true,
	Short:  "MCP stdio bridge to the bot's tool server (internal use only)",
	RunE:   runBridge,
}

var hookCmd = &cobra.Command{
	Use:    toolbridge.HookCommand,
	Hidden: true,
	Short:  "PreToolUse hook that asks the bot for a decision (internal use only)",
	RunE:   runHook,
}

func init() {
	for _, c := range []*cobra.Command{bridgeCmd, hookCmd} {
		c.Flags().StringVar(&bridgeAddr, "addr", "", "Tool server address (host:port)")
		c.Flags().Int64Var(&bridgeUserID, "user-id", 0, "Telegram user the session belongs to")
		_ = c.MarkFlagRequired("user-id")
	}
	_ = bridgeCmd.MarkFlagRequired("addr")
}

func runBridge(cmd *cobra.Command, args []string) error {
	// Definitions only: calls are executed by the bot process.
	reg := tools.NewRegistry(0, nil)
	if err := tools.NewTelegram(nil, nil).Register(reg); err != nil {
		return err
	}
	return toolbridge.NewBridge(bridgeAddr, bridgeUserID, reg.Definitions()).Run(os.Stdin, os.Stdout)
}

func runHook(cmd *cobra.Command, args []string) error {
	gate, err := security.NewGate(security.DefaultRules(), nil, nil)
	if err != nil {
		return err
	}
	return toolbridge.NewHook(bridgeAddr, bridgeUserID, gate).Run(cmd.Context(), os.Stdin, os.Stdout)
}
