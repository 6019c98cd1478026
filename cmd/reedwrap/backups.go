package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/reedfamily/reedwrap/internal/backup"
	"github.com/reedfamily/reedwrap/internal/config"
	"github.com/reedfamily/reedwrap/internal/db"
)

func newBackupsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Inspect and manage world backups",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackups(*configPath, func(cfg *config.Config, svc *backup.Service) error {
				backups, err := svc.List(cmd.Context())
				if err != nil {
					return err
				}
				return printBackups(cmd.OutOrStdout(), backups, time.Now())
			})
		},
	}

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete backups older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackups(*configPath, func(cfg *config.Config, svc *backup.Service) error {
				retention := olderThan
				if retention <= 0 {
					retention = cfg.AutoBackup.Retention
				}
				n, err := svc.PruneOlderThan(cmd.Context(), retention)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d backup(s) older than %s\n", n, retention)
				return nil
			})
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 0, "retention period (default: auto_backup.retention)")

	restore := &cobra.Command{
		Use:   "restore <id>",
		Short: "Replace the world directory with a backup; reedwrap must not be running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackups(*configPath, func(cfg *config.Config, svc *backup.Service) error {
				return restoreBackup(cmd.Context(), cmd.OutOrStdout(), cfg, svc, args[0])
			})
		},
	}

	cmd.AddCommand(list, prune, restore)
	return cmd
}

func withBackups(configPath string, fn func(*config.Config, *backup.Service) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	database, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(cfg, backup.NewService(database, cfg.DataDir))
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	database, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

func restoreBackup(ctx context.Context, out io.Writer, cfg *config.Config, svc *backup.Service, id string) error {
	unlock, err := lockDataDir(cfg.DataDir)
	if err != nil {
		return err
	}
	defer unlock()

	b, err := svc.Get(ctx, id)
	if err != nil {
		return err
	}
	dest := cfg.WorldDir()
	if err := svc.Restore(ctx, b.ID, dest); err != nil {
		return err
	}
	fmt.Fprintf(out, "restored backup %s from %s into %s\n", b.ID, b.CreatedAt, dest)
	return nil
}

func printBackups(out io.Writer, backups []backup.Backup, now time.Time) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tSIZE\tFILE")
	for _, b := range backups {
		created := b.CreatedAt
		if t, err := time.Parse(time.RFC3339, b.CreatedAt); err == nil {
			created = units.HumanDuration(now.Sub(t)) + " ago"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.ID, created, units.HumanSize(float64(b.SizeBytes)), b.Filename)
	}
	return tw.Flush()
}
