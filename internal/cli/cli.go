package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/config"
)

var configPath string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mailsync",
	Short: "Incremental mailbox synchronization",
	Long: `mailsync mirrors new messages of one Gmail or Outlook mailbox into a
local store, driven by provider push notifications and a polling fallback.

Examples:
  mailsync serve                  # run the sync engine and push endpoints
  mailsync once                   # run a single sync pass and exit
  mailsync authorize              # obtain a refresh token interactively`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./"+config.DefaultPath+")")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(authorizeCmd)
}

// loadConfig reads the configuration and sets up logging. Commands that
// sync also require a valid configuration.
func loadConfig(validate bool) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Log.Apply(); err != nil {
		return nil, err
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return cfg, nil
}
