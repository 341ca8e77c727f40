package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/junho-song/marketdeck/internal/timeframe"
)

// resolveCmd prints the concrete date range of a window selector
var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve window selectors to date ranges",
	Long: `Resolves window selectors against today's date and prints the
concrete ranges the cache keys on.

Example:
  go run ./cmd/deck resolve
  go run ./cmd/deck resolve --window 3y`,
	RunE: runResolve,
}

var resolveWindow string

func init() {
	rootCmd.AddCommand(resolveCmd)

	resolveCmd.Flags().StringVar(&resolveWindow, "window", "", "window selector (1y|3y|5y), all when empty")
}

func runResolve(cmd *cobra.Command, args []string) error {
	windows := timeframe.Windows()
	if resolveWindow != "" {
		windows = []timeframe.Window{timeframe.Window(resolveWindow)}
	}

	now := time.Now()
	for _, w := range windows {
		r, err := timeframe.Resolve(w, now)
		if err != nil {
			return err
		}
		fmt.Printf("%-4s %s .. %s\n", w, r.StartDate(), r.EndDate())
	}

	return nil
}
