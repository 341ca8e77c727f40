package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "deck",
	Short: "marketdeck - market dashboard BFF",
	Long: `marketdeck serves the market dashboard: cached index klines with
regime overlays, sector heat, news events and backend analysis jobs.

Usage:
  go run ./cmd/deck [command]

Examples:
  go run ./cmd/deck api
  go run ./cmd/deck resolve --window 3y`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
