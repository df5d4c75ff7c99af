// Package database runs versioned SQL migrations with golang-migrate.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"aun-builder/internal/logging"
	"aun-builder/migrations"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// MigrationConfig holds configuration for the migration runner
type MigrationConfig struct {
	DatabaseURL string

	// Source defaults to the embedded migrations
	Source fs.FS

	Logger *zap.SugaredLogger
}

// MigrationRunner handles database migrations
type MigrationRunner struct {
	config  *MigrationConfig
	migrate *migrate.Migrate
	db      *sql.DB
}

// MigrationStatus represents the current migration state
type MigrationStatus struct {
	Version uint   `json:"version"`
	Dirty   bool   `json:"dirty"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// migrateLogger adapts zap to migrate.Logger
type migrateLogger struct {
	log *zap.SugaredLogger
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Infof(strings.TrimSuffix(format, "\n"), v...)
}

func (l migrateLogger) Verbose() bool {
	return false
}

// NewMigrationRunner opens the database and prepares the migration source
func NewMigrationRunner(config *MigrationConfig) (*MigrationRunner, error) {
	if config == nil {
		return nil, errors.New("migration config is required")
	}
	if config.DatabaseURL == "" {
		return nil, errors.New("database URL is required")
	}
	if config.Logger == nil {
		config.Logger = logging.S().Named("migrate")
	}
	if config.Source == nil {
		config.Source = migrations.FS
	}

	runner := &MigrationRunner{config: config}
	if err := runner.initialize(); err != nil {
		return nil, err
	}
	return runner, nil
}

func (r *MigrationRunner) initialize() error {
	var err error

	r.db, err = sql.Open("postgres", r.config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	driver, err := postgres.WithInstance(r.db, &postgres.Config{})
	if err != nil {
		r.db.Close()
		return fmt.Errorf("failed to create PostgreSQL driver: %w", err)
	}

	source, err := iofs.New(r.config.Source, ".")
	if err != nil {
		r.db.Close()
		return fmt.Errorf("failed to open migration source: %w", err)
	}

	r.migrate, err = migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		r.db.Close()
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	r.migrate.Log = migrateLogger{log: r.config.Logger}

	return nil
}

// RunMigrations applies all pending migrations
func (r *MigrationRunner) RunMigrations() error {
	r.config.Logger.Info("running database migrations")

	if err := r.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.config.Logger.Info("no migrations to apply - database is up to date")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, _ := r.migrate.Version()
	r.config.Logger.Infow("migrations applied", "version", version, "dirty", dirty)
	return nil
}

// MigrateUp applies n migrations
func (r *MigrationRunner) MigrateUp(n int) error {
	if err := r.migrate.Steps(n); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// RollbackMigration rolls back the last migration
func (r *MigrationRunner) RollbackMigration() error {
	if err := r.migrate.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.config.Logger.Info("no migrations to roll back")
			return nil
		}
		return fmt.Errorf("rollback failed: %w", err)
	}

	version, dirty, _ := r.migrate.Version()
	r.config.Logger.Infow("rollback completed", "version", version, "dirty", dirty)
	return nil
}

// RollbackAll rolls back every migration
func (r *MigrationRunner) RollbackAll() error {
	if err := r.migrate.Down(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("rollback all failed: %w", err)
	}
	return nil
}

// MigrateToVersion migrates up or down to a specific version
func (r *MigrationRunner) MigrateToVersion(version uint) error {
	if err := r.migrate.Migrate(version); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migration to version %d failed: %w", version, err)
	}
	return nil
}

// GetVersion returns the current migration version
func (r *MigrationRunner) GetVersion() (MigrationStatus, error) {
	version, dirty, err := r.migrate.Version()

	status := MigrationStatus{
		Version: version,
		Dirty:   dirty,
		Applied: version > 0,
	}

	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return MigrationStatus{}, nil
		}
		status.Error = err.Error()
		return status, err
	}

	return status, nil
}

// Force sets the migration version without running migrations.
// It is meant for clearing a dirty state after a failed migration.
func (r *MigrationRunner) Force(version int) error {
	if err := r.migrate.Force(version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}
	r.config.Logger.Infow("version forced", "version", version)
	return nil
}

// Close closes the migration source and database connection
func (r *MigrationRunner) Close() error {
	if r.migrate != nil {
		srcErr, dbErr := r.migrate.Close()
		if srcErr != nil {
			return fmt.Errorf("failed to close source: %w", srcErr)
		}
		if dbErr != nil {
			return fmt.Errorf("failed to close database: %w", dbErr)
		}
	}
	return nil
}

// RunMigrations applies all embedded migrations against databaseURL
func RunMigrations(databaseURL string) error {
	runner, err := NewMigrationRunner(&MigrationConfig{DatabaseURL: databaseURL})
	if err != nil {
		return err
	}
	defer runner.Close()

	return runner.RunMigrations()
}

// CreateMigration writes an empty up/down pair into dir using the next
// sequence number. It returns the paths of the created files.
func CreateMigration(dir, name string, now time.Time) (string, string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if name == "" {
		return "", "", errors.New("migration name is required")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", fmt.Errorf("failed to read migrations directory: %w", err)
	}

	next := 1
	for _, e := range entries {
		var seq int
		if _, err := fmt.Sscanf(e.Name(), "%06d_", &seq); err == nil && seq >= next {
			next = seq + 1
		}
	}

	base := fmt.Sprintf("%06d_%s", next, name)
	header := fmt.Sprintf("-- %s created %s\n", base, now.UTC().Format(time.RFC3339))

	up := filepath.Join(dir, base+".up.sql")
	down := filepath.Join(dir, base+".down.sql")
	if err := os.WriteFile(up, []byte(header), 0o644); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(down, []byte(header), 0o644); err != nil {
		return "", "", err
	}
	return up, down, nil
}
