// Command vigil runs the live execution control and streaming server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Live control and streaming for step-driven executions",
	Long: `vigil runs step-driven executions in the background and lets observers
pause, resume and stop them while watching live events and screencast frames
over MCP and websockets.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: $VIGIL_CONFIG, ./config/vigil.jsonc, ~/.vigil/config/vigil.jsonc)")
}
