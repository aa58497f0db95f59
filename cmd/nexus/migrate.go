package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/sessions"
)

// buildMigrateCmd creates the "migrate" command group, the schema
// counterpart to "serve": it applies or reports on sessions.Schema
// against cfg.Database.URL without starting the daemon.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Conversation Store's Postgres schema",
		Long: `Apply or inspect the Postgres schema the Conversation Store expects.

The in-memory store (no database.url configured) needs no migration; this
command only applies to deployments backed by Postgres.`,
	}

	cmd.AddCommand(buildMigrateUpCmd())
	cmd.AddCommand(buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var configPath string
	var steps int

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending schema migrations",
		Long: `Apply all pending schema migrations in order.

Each migration runs in its own transaction and is recorded in
schema_migrations so re-running "migrate up" is a no-op once the schema
is current.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd, configPath, steps)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().IntVarP(&steps, "steps", "n", 0, "Number of migrations to apply (0 = all)")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show which schema migrations are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func openMigrator(cmd *cobra.Command, configPath string) (*sessions.Migrator, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database.url is not configured; the in-memory store needs no migration")
	}
	return sessions.NewMigrator(cmd.Context(), cfg.Database.URL)
}

func runMigrateUp(cmd *cobra.Command, configPath string, steps int) error {
	migrator, err := openMigrator(cmd, configPath)
	if err != nil {
		return err
	}
	defer migrator.Close()

	applied, err := migrator.Up(cmd.Context(), steps)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(applied) == 0 {
		fmt.Fprintln(out, "no pending migrations")
		return nil
	}
	for _, id := range applied {
		fmt.Fprintf(out, "applied %s\n", id)
	}
	return nil
}

func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	migrator, err := openMigrator(cmd, configPath)
	if err != nil {
		return err
	}
	defer migrator.Close()

	applied, pending, err := migrator.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("load migration status: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Applied migrations:")
	if len(applied) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, a := range applied {
		fmt.Fprintf(out, "  - %s (%s)\n", a.ID, a.AppliedAt.Format(time.RFC3339))
	}

	fmt.Fprintln(out, "Pending migrations:")
	if len(pending) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, id := range pending {
		fmt.Fprintf(out, "  - %s\n", id)
	}
	return nil
}
