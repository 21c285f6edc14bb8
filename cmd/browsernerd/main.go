// browserNERD is the browser automation orchestration daemon: it
// resolves browser profiles, runs declarative scripts with
// progressive DOM-to-vision escalation, and streams progress to
// observers.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"browsernerd/internal/config"
	"browsernerd/internal/logging"
)

var (
	configPath string
	verbose    bool
)

// errConfig marks configuration errors so main can exit with 2
// instead of the generic failure code.
var errConfig = errors.New("invalid configuration")

var rootCmd = &cobra.Command{
	Use:   "browsernerd",
	Short: "browserNERD - browser automation orchestration core",
	Long: `browserNERD runs declarative browser-automation scripts against real
browsers with persistent identities.

Actions resolve through a progressive escalation ladder: free DOM
checks first, locator heuristics next, paid vision calls only for the
tail. Profiles carry logins between runs; sessions hold them
exclusively.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Initialize(verbose)
	},
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", errConfig, err)
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(profileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, errConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
