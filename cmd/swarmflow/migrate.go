package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// migrateAction runs one subcommand on an opened migrator. positional holds
// arguments such as a target version.
type migrateAction func(ctx context.Context, cli *migration.CLI, positional []string) error

var migrateActions = map[string]migrateAction{
	"up": func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunUp(ctx)
	},
	"down": func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunDown(ctx)
	},
	"reset": func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunDownAll(ctx)
	},
	"status": func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunStatus(ctx)
	},
	"version": func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunVersion(ctx)
	},
	"goto": func(ctx context.Context, cli *migration.CLI, positional []string) error {
		if len(positional) < 1 {
			return errors.New("usage: swarmflow migrate goto <version>")
		}
		v, err := strconv.ParseUint(positional[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", positional[0])
		}
		return cli.RunGoto(ctx, uint(v))
	},
	"force": func(ctx context.Context, cli *migration.CLI, positional []string) error {
		if len(positional) < 1 {
			return errors.New("usage: swarmflow migrate force <version>")
		}
		v, err := strconv.ParseInt(positional[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", positional[0])
		}
		return cli.RunForce(ctx, int(v))
	},
}

// migrateFlags holds the flags shared by every migrate subcommand.
type migrateFlags struct {
	configPath string
	dbType     string
	dbURL      string
	all        bool
}

// parseMigrateArgs parses the arguments after the subcommand. The version
// may appear before or after the flags.
func parseMigrateArgs(sub string, args []string) (migrateFlags, []string, error) {
	var f migrateFlags
	var positional []string
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		positional = append(positional, args[0])
		args = args[1:]
	}

	fs := flag.NewFlagSet("migrate "+sub, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&f.configPath, "config", "", "Path to config file")
	fs.StringVar(&f.dbType, "db-type", "", "Database type (postgres, mysql, sqlite)")
	fs.StringVar(&f.dbURL, "db-url", "", "Database connection URL")
	fs.BoolVar(&f.all, "all", false, "With down: roll back every migration")
	if err := fs.Parse(args); err != nil {
		return f, nil, err
	}
	return f, append(positional, fs.Args()...), nil
}

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string, out io.Writer) error {
	if len(args) < 1 {
		printMigrateUsage(out)
		return errors.New("missing migrate subcommand")
	}

	sub := args[0]
	if sub == "help" || sub == "-h" || sub == "--help" {
		printMigrateUsage(out)
		return nil
	}

	f, positional, err := parseMigrateArgs(sub, args[1:])
	if err != nil {
		return err
	}
	if sub == "down" && f.all {
		sub = "reset"
	}
	action, ok := migrateActions[sub]
	if !ok {
		printMigrateUsage(out)
		return fmt.Errorf("unknown migrate subcommand: %s", sub)
	}

	migrator, err := createMigrator(f)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	cli.SetOutput(out)
	return action(context.Background(), cli, positional)
}

// createMigrator uses --db-type/--db-url when given, otherwise the database
// section of the config file.
func createMigrator(f migrateFlags) (*migration.DefaultMigrator, error) {
	logger := zap.NewNop()

	if f.dbType != "" && f.dbURL != "" {
		return migration.NewMigratorFromURL(f.dbType, f.dbURL, logger)
	}

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	logger, _ = initLogger(cfg.Log)
	if f.dbType != "" {
		cfg.Database.Driver = f.dbType
	}
	return migration.NewMigratorFromConfig(cfg, logger)
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage(out io.Writer) {
	fmt.Fprintln(out, `Database Migration Commands

Usage:
  swarmflow migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration (--all rolls back everything)
  status    Show migration status
  version   Show current migration version
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  swarmflow migrate up
  swarmflow migrate up --config /etc/swarmflow/config.yaml
  swarmflow migrate status --db-type sqlite --db-url "file:swarmflow.db?mode=rwc"
  swarmflow migrate goto 1
  swarmflow migrate force 0`)
}
