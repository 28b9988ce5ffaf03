// Package cli defines Cobra command definitions for the claudegram CLI.
// This file contains the root command, version flag, and help output.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	debug   bool
	rootDir string
	version = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "claudegram",
	Short: "Telegram bot for Claude Code",
	Long: `claudegram lets approved Telegram users work with Claude Code in one
project directory. It keeps per-user sessions, expands slash command
templates from .claude/commands and checks shell commands against a
security policy before Claude runs them.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// projectDir returns --dir, or the working directory when it is unset.
func projectDir() (string, error) {
	if rootDir != "" {
		return rootDir, nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting current directory: %w", err)
	}
	return dir, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&rootDir, "dir", "", "Project directory (defaults to the current directory)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(commandsCmd)
	rootCmd.AddCommand(bridgeCmd)
	rootCmd.AddCommand(hookCmd)
}
