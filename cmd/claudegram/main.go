// Command claudegram runs a Telegram bot in front of Claude Code.
package main

import "github.com/berth-dev/claudegram/internal/cli"

func main() {
	cli.Execute()
}
