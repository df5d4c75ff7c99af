// Command migrate manages the database schema and stored credentials.
//
// Usage:
//
//	migrate up                 # Apply all pending migrations
//	migrate down               # Roll back the last migration
//	migrate down-all           # Roll back every migration
//	migrate version            # Show the current migration version
//	migrate to N               # Migrate to version N
//	migrate force N            # Force version N (clears a dirty state)
//	migrate create NAME        # Create a new up/down migration pair
//	migrate gen-key            # Print a new TOKEN_ENCRYPTION_KEY
//	migrate rotate-key --old K # Re-encrypt stored tokens with TOKEN_ENCRYPTION_KEY
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"aun-builder/internal/config"
	"aun-builder/internal/database"
	"aun-builder/internal/logging"

	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	logging.Init()
	defer logging.Sync()

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var databaseURL string

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Database migration tool for the app builder",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg := config.Load()
			if databaseURL == "" {
				databaseURL = cfg.DatabaseURL
			}
		},
	}
	root.PersistentFlags().StringVar(&databaseURL, "database-url", "", "PostgreSQL URL (defaults to DATABASE_URL)")

	withRunner := func(fn func(r *database.MigrationRunner) error) error {
		runner, err := database.NewMigrationRunner(&database.MigrationConfig{DatabaseURL: databaseURL})
		if err != nil {
			return fmt.Errorf("failed to create migration runner: %w", err)
		}
		defer runner.Close()
		return fn(runner)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRunner(func(r *database.MigrationRunner) error { return r.RunMigrations() })
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRunner(func(r *database.MigrationRunner) error { return r.RollbackMigration() })
			},
		},
		newDownAllCommand(withRunner),
		&cobra.Command{
			Use:   "version",
			Short: "Show the current migration version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRunner(func(r *database.MigrationRunner) error {
					status, err := r.GetVersion()
					if err != nil {
						return err
					}
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "Version: %d\nDirty:   %v\nApplied: %v\n", status.Version, status.Dirty, status.Applied)
					if status.Dirty {
						fmt.Fprintf(out, "\nDatabase is dirty. Run 'migrate force %d' and retry.\n", status.Version-1)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "to N",
			Short: "Migrate up or down to version N",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid version number: %s", args[0])
				}
				return withRunner(func(r *database.MigrationRunner) error { return r.MigrateToVersion(uint(version)) })
			},
		},
		&cobra.Command{
			Use:   "force N",
			Short: "Force the version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version number: %s", args[0])
				}
				return withRunner(func(r *database.MigrationRunner) error { return r.Force(version) })
			},
		},
		newCreateCommand(),
		&cobra.Command{
			Use:   "gen-key",
			Short: "Print a new base64 TOKEN_ENCRYPTION_KEY",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := config.GenerateMasterKey()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			},
		},
		newRotateKeyCommand(&databaseURL),
	)

	return root
}

func newDownAllCommand(withRunner func(func(*database.MigrationRunner) error) error) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "down-all",
		Short: "Roll back every migration (deletes all data)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				fmt.Fprintln(cmd.ErrOrStderr(), "Rolling back ALL migrations in 5 seconds. Press Ctrl+C to cancel.")
				time.Sleep(5 * time.Second)
			}
			return withRunner(func(r *database.MigrationRunner) error { return r.RollbackAll() })
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "skip the confirmation delay")
	return cmd
}

func newCreateCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a new up/down migration pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			up, down, err := database.CreateMigration(dir, args[0], time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created migration files:\n  %s\n  %s\n", up, down)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "migrations", "migrations directory")
	return cmd
}

func newRotateKeyCommand(databaseURL *string) *cobra.Command {
	var oldKey string
	cmd := &cobra.Command{
		Use:   "rotate-key",
		Short: "Re-encrypt stored Freestyle tokens from --old to TOKEN_ENCRYPTION_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			newKey := os.Getenv("TOKEN_ENCRYPTION_KEY")
			if oldKey == "" || newKey == "" {
				return fmt.Errorf("both --old and TOKEN_ENCRYPTION_KEY are required")
			}

			db, err := gorm.Open(postgres.Open(*databaseURL), &gorm.Config{})
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}

			result, err := config.RotateTokenKey(db, oldKey, newKey)
			if result != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d/%d tokens (%d failed)\n", result.Migrated, result.Total, result.Failed)
				for _, e := range result.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", e)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&oldKey, "old", "", "previous TOKEN_ENCRYPTION_KEY")
	return cmd
}
