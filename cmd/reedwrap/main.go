package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reedfamily/reedwrap/internal/supervisor"

	// Register game adapters
	_ "github.com/reedfamily/reedwrap/internal/game/minecraft"
	_ "github.com/reedfamily/reedwrap/internal/game/vintagestory"
)

const (
	exitFailure     = 1
	exitLaunchError = 2
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "reedwrap:", err)
		var launchErr *supervisor.LaunchError
		if errors.As(err, &launchErr) {
			os.Exit(exitLaunchError)
		}
		os.Exit(exitFailure)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "reedwrap",
		Short:         "Supervise a game server with scheduled saves, backups and restarts",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", envOr("REEDWRAP_CONFIG", "reedwrap.yaml"), "path to the YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start the game server and keep it running (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), configPath)
			},
		},
		newBackupsCmd(&configPath),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
