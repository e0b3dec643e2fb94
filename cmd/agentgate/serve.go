package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/agentgate/internal/config"
	"github.com/ehrlich-b/agentgate/internal/daemon"
	"github.com/ehrlich-b/agentgate/internal/logger"
)

func serveCmd() *cobra.Command {
	var workDir string
	var backend string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway on its unix socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dir, err := loadConfig()
			if err != nil {
				return err
			}
			if workDir != "" {
				cfg.WorkingDir = config.ExpandHome(workDir)
			}
			if backend != "" {
				cfg.DefaultBackend = backend
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			if err := config.EnsureDir(dir); err != nil {
				return fmt.Errorf("state dir: %w", err)
			}

			closer, err := logger.Init(os.Stderr, cfg.Logging.Level, cfg.Logging.File)
			if err != nil {
				return err
			}
			defer closer.Close()

			return daemon.Run(cfg, daemon.Paths{Dir: dir, Config: config.ConfigPath(dir)})
		},
	}
	cmd.Flags().StringVarP(&workDir, "dir", "C", "", "working directory sessions are confined to")
	cmd.Flags().StringVar(&backend, "backend", "", "default backend: claude, gemini or opencode")
	return cmd
}
