// Package main is the entrypoint for the binaflow router.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"

	"github.com/binaflow/binaflow-go/internal/config"
	"github.com/binaflow/binaflow-go/internal/notes"
	"github.com/binaflow/binaflow-go/internal/server"
	"github.com/binaflow/binaflow-go/pkg/db"
	"github.com/binaflow/binaflow-go/pkg/dispatcher"
	"github.com/binaflow/binaflow-go/pkg/startup"
)

const usage = `Usage: binaflow [command]
       binaflow serve              Start the router (WebSocket, optional COMMS, HTTP health).
       binaflow migrate up         Run database migrations.
       binaflow migrate status     Show migration status.
       binaflow ensure-db [name]   Create the database if missing (default: the one in DATABASE_URL).
       binaflow clear              Delete all notes; schema is preserved.
       binaflow schema check       Load schemas and handlers, print the message type table.

Commands:
  serve           (default) Start the binaflow router.
  migrate up      Run database migrations only.
  migrate status  Show current migration status.
  ensure-db [name] Create database (e.g. binaflow_test) on the same host as DATABASE_URL.
  clear           Delete notes data; schema preserved.
  schema check    Build the schema and handler registries without serving. Exits with the
                  startup code (200-213) when the build fails.

Environment: BINAFLOW_SCHEMA_DIRECTORY (required), BINAFLOW_HTTP_PATH, BINAFLOW_HTTP_ADDR,
DATABASE_URL, MIGRATION_PATH, COMMS_ENABLED, COMMS_URL. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("binaflow migrate: require subcommand (up, status)")
		}
		switch sub := args[1]; sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("binaflow migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(os.Stdout); err != nil {
				log.Fatalf("binaflow migrate status: %v", err)
			}
		default:
			log.Fatalf("binaflow migrate: unknown subcommand %q (use up, status)", sub)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("binaflow clear: %v", err)
		}
		return
	case "ensure-db":
		name := ""
		if len(args) > 1 {
			name = args[1]
		}
		if err := runEnsureDB(name); err != nil {
			log.Fatalf("binaflow ensure-db: %v", err)
		}
		return
	case "schema":
		if len(args) < 2 || args[1] != "check" {
			log.Fatalf("binaflow schema: require subcommand (check)")
		}
		if err := runSchemaCheck(os.Stdout); err != nil {
			exit("binaflow schema check", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		exit("binaflow", err)
	}
}

// exit reports err and terminates with its startup code, or 1.
func exit(prefix string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", prefix, err)
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	if code, ok := startup.CodeOf(err); ok {
		return int(code)
	}
	return 1
}

func runMigrateUp() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrations, err := db.LoadMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus(w io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return db.MigrationStatus(ctx, pool, cfg.MigrationPath, w)
}

func runClear() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := db.ClearNotes(ctx, pool); err != nil {
		return fmt.Errorf("clear notes: %w", err)
	}
	return nil
}

func runEnsureDB(name string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	target, err := db.EnsureDatabase(context.Background(), cfg.DatabaseURL, name)
	if err != nil {
		return err
	}
	dbname, _ := db.DatabaseName(target)
	fmt.Printf("Database %q is ready.\n", dbname)
	return nil
}

func runSchemaCheck(w io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	server.SetupLogging(cfg.LogLevel)
	return schemaCheck(cfg, w)
}

// schemaCheck builds both registries the way serve does and prints the
// message type table.
func schemaCheck(cfg *config.Config, w io.Writer) error {
	src, err := server.Sources(cfg, notes.NewMemoryStore())
	if err != nil {
		return err
	}
	d, err := dispatcher.Start(src, dispatcher.Options{BasePath: cfg.HTTPPath, Verbosity: cfg.Verbosity()})
	if err != nil {
		return err
	}
	printRoutes(w, d.Routes())
	return nil
}

func printRoutes(w io.Writer, routes []dispatcher.Route) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tQUALIFIED NAME\tHANDLER\tSCHEMA")
	bound := 0
	for _, r := range routes {
		h := r.Handler
		switch {
		case h == "":
			h = "-"
		case r.WantsSession:
			h += " (session)"
		}
		if r.Handler != "" {
			bound++
		}
		src := r.Source
		if src == "" {
			src = "built-in"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.TypeName, r.QualifiedName, h, src)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d message type(s), %d bound to a handler\n", len(routes), bound)
}
