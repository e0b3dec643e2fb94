package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/agentgate/internal/config"
	"github.com/ehrlich-b/agentgate/internal/transport"
)

var (
	userFlag   string
	homeFlag   string
	socketFlag string
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	root := &cobra.Command{
		Use:           "agentgate",
		Short:         "agentgate: chat gateway for AI coding CLIs",
		Long:          "Routes chat messages to claude, gemini and opencode sessions confined to a working directory.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&userFlag, "user", envOr("AGENTGATE_USER", "local"), "user id sent with every request")
	root.PersistentFlags().StringVar(&homeFlag, "home", "", "state directory (default $AGENTGATE_HOME or ~/.agentgate)")
	root.PersistentFlags().StringVar(&socketFlag, "socket", "", "gateway socket path")

	root.AddCommand(
		serveCmd(),
		initCmd(),
		askCmd(),
		sessionCmd(),
		execCmd(),
		statusCmd(),
		auditCmd(),
		notifyCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// stateDir resolves --home or the default state directory.
func stateDir() (string, error) {
	if homeFlag != "" {
		return config.ExpandHome(homeFlag), nil
	}
	return config.Dir()
}

func loadConfig() (*config.Config, string, error) {
	dir, err := stateDir()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(config.ConfigPath(dir))
	if err != nil {
		return nil, "", err
	}
	if socketFlag != "" {
		cfg.Socket = config.ExpandHome(socketFlag)
	}
	return cfg, dir, nil
}

func newClient() (*transport.Client, error) {
	cfg, dir, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return transport.NewClient(cfg.SocketPath(dir), userFlag), nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml to the state directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := stateDir()
			if err != nil {
				return err
			}
			if err := config.EnsureDir(dir); err != nil {
				return err
			}
			path := config.ConfigPath(dir)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			cfg := config.Default()
			cfg.AllowedUsers = []string{userFlag}
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Printf("wrote %s (allowed_users: %s)\n", path, userFlag)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}
