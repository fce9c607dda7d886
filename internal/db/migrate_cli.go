package db

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrMigrateUsage is returned for a missing or unknown migrate action.
var ErrMigrateUsage = errors.New("invalid migrate command")

// RunMigrateCommand handles the 'migrate' subcommand. It opens dbPath without
// migrating it, performs the action in args[0] and reports the resulting
// version on w.
func RunMigrateCommand(w io.Writer, args []string, dbPath string) error {
	if len(args) < 1 {
		PrintMigrateHelp(w)
		return ErrMigrateUsage
	}
	action := args[0]
	if action == "help" {
		PrintMigrateHelp(w)
		return nil
	}

	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	switch action {
	case "up":
		err = database.MigrateUp()
	case "down":
		err = database.MigrateDown()
	case "status":
	case "version":
		if len(args) < 2 {
			return fmt.Errorf("%w: usage: tlmboxd migrate version <N>", ErrMigrateUsage)
		}
		target, perr := strconv.ParseUint(args[1], 10, 32)
		if perr != nil {
			return fmt.Errorf("%w: invalid version number %q", ErrMigrateUsage, args[1])
		}
		err = database.MigrateTo(uint(target))
	default:
		PrintMigrateHelp(w)
		return fmt.Errorf("%w: unknown action %q", ErrMigrateUsage, action)
	}
	if err != nil {
		return err
	}

	version, dirty, err := database.MigrateVersion()
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	fmt.Fprintf(w, "Current version: %d (dirty: %v)\n", version, dirty)
	if dirty {
		fmt.Fprintln(w, "WARNING: a migration failed mid-execution; inspect the database before continuing")
	}
	return nil
}

// PrintMigrateHelp writes the migrate subcommand usage to w.
func PrintMigrateHelp(w io.Writer) {
	fmt.Fprintln(w, "Database Migration Commands")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tlmboxd [-db path] migrate <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  up              Apply all pending migrations")
	fmt.Fprintln(w, "  down            Roll back one migration")
	fmt.Fprintln(w, "  status          Show the current migration version")
	fmt.Fprintln(w, "  version <N>     Migrate to version N")
	fmt.Fprintln(w, "  help            Show this help message")
}
