package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/roomgate/internal/config"
	"github.com/nextlevelbuilder/roomgate/internal/store/pg"
)

// resolveMigrationsDir picks the migrations directory: the flag, then
// ROOMGATE_MIGRATIONS_DIR, then ./migrations beside the executable, then
// ./migrations in the working directory.
func resolveMigrationsDir(flag string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv("ROOMGATE_MIGRATIONS_DIR"); v != "" {
		return v
	}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Join(filepath.Dir(exe), "migrations")
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir
		}
	}
	return "migrations"
}

// migrationSourceURL turns a directory into a file:// source URL.
// golang-migrate resolves relative file URLs against the host part, so
// the path is made absolute first.
func migrationSourceURL(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve migrations dir: %w", err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}

// planUp decides whether `migrate up` has work to do. It never moves a
// schema backwards: a database ahead of this binary is an error, not a
// rollback.
func planUp(current uint, hasVersion, dirty bool) (bool, error) {
	st := pg.SchemaStatus{CurrentVersion: current, RequiredVersion: pg.RequiredSchemaVersion, Dirty: dirty}
	if !hasVersion {
		return true, nil
	}
	switch err := st.Err(); {
	case errors.Is(err, pg.ErrSchemaOutdated):
		return true, nil
	case err != nil:
		return false, err
	}
	return false, nil
}

// schemaTool is one migrate invocation: a migrator over the message
// database plus the DSN for the compatibility check.
type schemaTool struct {
	dsn string
	m   *migrate.Migrate
}

func openSchemaTool(dirFlag string) (*schemaTool, error) {
	// The DSN is never in the config file; config.Load reads
	// ROOMGATE_POSTGRES_DSN into Database.PostgresDSN.
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	dsn := cfg.Database.PostgresDSN
	if dsn == "" {
		return nil, errors.New("ROOMGATE_POSTGRES_DSN environment variable is not set")
	}

	src, err := migrationSourceURL(resolveMigrationsDir(dirFlag))
	if err != nil {
		return nil, err
	}
	m, err := migrate.New(src, dsn)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return &schemaTool{dsn: dsn, m: m}, nil
}

func (s *schemaTool) Close() {
	if srcErr, dbErr := s.m.Close(); srcErr != nil || dbErr != nil {
		slog.Warn("migrate.close", "source_error", srcErr, "database_error", dbErr)
	}
}

// version reports the recorded migration version. hasVersion is false on
// a database that was never migrated.
func (s *schemaTool) version() (v uint, hasVersion, dirty bool, err error) {
	v, dirty, err = s.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("read migration version: %w", err)
	}
	return v, true, dirty, nil
}

// check runs the same schema check the gateway runs at startup.
func (s *schemaTool) check(ctx context.Context) (pg.SchemaStatus, error) {
	db, err := pg.OpenDB(s.dsn)
	if err != nil {
		return pg.SchemaStatus{}, fmt.Errorf("connect for schema check: %w", err)
	}
	defer db.Close()
	return pg.CheckSchema(ctx, db)
}

// withSchemaTool opens a schemaTool for the duration of fn.
func withSchemaTool(dirFlag *string, fn func(*schemaTool) error) error {
	s, err := openSchemaTool(*dirFlag)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func migrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres message store schema",
	}
	cmd.PersistentFlags().StringVar(&dir, "migrations-dir", "", "path to migrations directory (default: ./migrations)")

	cmd.AddCommand(
		migrateUpCmd(&dir),
		migrateDownCmd(&dir),
		migrateStatusCmd(&dir),
		migrateForceCmd(&dir),
	)
	return cmd
}

func migrateUpCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: fmt.Sprintf("Migrate the schema to v%d, the version this binary requires", pg.RequiredSchemaVersion),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSchemaTool(dir, func(s *schemaTool) error {
				v, hasVersion, dirty, err := s.version()
				if err != nil {
					return err
				}
				apply, err := planUp(v, hasVersion, dirty)
				if err != nil {
					return err
				}
				if apply {
					if err := s.m.Migrate(pg.RequiredSchemaVersion); err != nil && !errors.Is(err, migrate.ErrNoChange) {
						return fmt.Errorf("migrate up: %w", err)
					}
				}

				st, err := s.check(cmd.Context())
				if err != nil {
					return err
				}
				if err := st.Err(); err != nil {
					return err
				}
				slog.Info("migrate.up", "version", st.CurrentVersion, "applied", apply)
				return nil
			})
		},
	}
}

func migrateDownCmd(dir *string) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (the gateway refuses to start until migrated up again)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				return fmt.Errorf("--steps must be positive, got %d", steps)
			}
			return withSchemaTool(dir, func(s *schemaTool) error {
				if err := s.m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("migrate down: %w", err)
				}
				v, _, dirty, err := s.version()
				if err != nil {
					return err
				}
				slog.Info("migrate.down", "steps", steps, "version", v, "dirty", dirty)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps to roll back")
	return cmd
}

func migrateStatusCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the schema version and whether the gateway will accept it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSchemaTool(dir, func(s *schemaTool) error {
				st, err := s.check(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "schema: v%d (required v%d), dirty: %v\n", st.CurrentVersion, st.RequiredVersion, st.Dirty)
				if err := st.Err(); err != nil {
					fmt.Fprintf(out, "incompatible: %v\n", err)
					return nil
				}
				fmt.Fprintln(out, "compatible")
				return nil
			})
		},
	}
}

func migrateForceCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Record a migration version without applying it (recovers a dirty schema)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version: %w", err)
			}
			return withSchemaTool(dir, func(s *schemaTool) error {
				if err := s.m.Force(version); err != nil {
					return fmt.Errorf("force version: %w", err)
				}
				slog.Info("migrate.force", "version", version)
				return nil
			})
		},
	}
}
