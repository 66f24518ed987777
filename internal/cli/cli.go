// Package cli holds the cobra commands of the relay binary.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gmail-webhook-relay/internal/app"
	"gmail-webhook-relay/internal/config"
)

var configPath string

// rootCmd represents the base command. Without a subcommand it serves.
var rootCmd = &cobra.Command{
	Use:   "gmail-webhook-relay",
	Short: "Poll Gmail and forward matching messages to webhooks",
	Long: `gmail-webhook-relay watches a Gmail mailbox, filters new messages by
subject and sender, and posts each matching message once to every active
webhook target.

Examples:
  gmail-webhook-relay serve                 # run the poller and HTTP API
  gmail-webhook-relay auth url              # print the consent page URL
  gmail-webhook-relay auth exchange --code X
  gmail-webhook-relay auth status
  gmail-webhook-relay auth reset`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

// serveCmd runs the relay until interrupted
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the poll scheduler and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return app.Run(cfg)
	},
}

// Execute runs the CLI
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	app.SetupLogging(cfg.Log)
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config.yaml or ./config/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(authCmd)
}
