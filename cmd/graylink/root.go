package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/graylink/internal/infrastructure/config"
	"github.com/nerrad567/graylink/internal/infrastructure/database"
)

// defaultConfigPath is used when neither --config nor GRAYLINK_CONFIG is set.
const defaultConfigPath = "configs/graylink.yaml"

// rootOptions holds global flags for all commands.
type rootOptions struct {
	configPath string
}

// newRootCommand creates the root command for the graylink CLI.
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "graylink",
		Short: "graylink - reliable MQTT and WebSocket connections",
		Long: `graylink keeps configured broker and socket connections alive across
network loss, persists every inbound message before delivery, and replays
undelivered messages after reconnecting.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"path to configuration file (default $GRAYLINK_CONFIG or "+defaultConfigPath+")")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newBacklogCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// resolveConfigPath returns the --config flag, then GRAYLINK_CONFIG, then
// the default path.
func (o *rootOptions) resolveConfigPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	if path := os.Getenv("GRAYLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadConfig loads the configuration named by the flags.
func (o *rootOptions) loadConfig() (*config.Config, string, error) {
	path := o.resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// databaseConfig maps the database section onto store settings.
func databaseConfig(cfg config.DatabaseConfig) database.Config {
	return database.Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
		Synchronous: cfg.Synchronous,
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "graylink %s (commit %s, built %s)\n", version, commit, date)
			return err
		},
	}
}
