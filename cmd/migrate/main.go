// Command migrate manages the refund desk schema.
//
// Usage:
//
//	migrate up              apply every pending migration
//	migrate down            roll back the latest migration
//	migrate up-to <v>       apply migrations up to version v
//	migrate down-to <v>     roll back to version v
//	migrate redo            roll back and re-apply the latest migration
//	migrate status          list migrations and when they were applied
//	migrate version         print the current schema version
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/refunddesk/internal/logging"
	"github.com/mbd888/refunddesk/migrations"
)

const usage = "usage: migrate up | down | up-to <version> | down-to <version> | redo | status | version"

func main() {
	if err := run(os.Args[1:]); err != nil {
		logging.New("info", "text").Error("migrate failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	p, err := migrations.NewProvider(db)
	if err != nil {
		return err
	}

	switch args[0] {
	case "up":
		return report(p.Up(ctx))
	case "down":
		return report1(p.Down(ctx))
	case "up-to", "down-to":
		if len(args) < 2 {
			return errors.New(usage)
		}
		v, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		if args[0] == "up-to" {
			return report(p.UpTo(ctx, v))
		}
		return report(p.DownTo(ctx, v))
	case "redo":
		if err := report1(p.Down(ctx)); err != nil {
			return err
		}
		return report1(p.UpByOne(ctx))
	case "status":
		return printStatus(ctx, p)
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

func report(results []*goose.MigrationResult, err error) error {
	for _, r := range results {
		fmt.Println(r)
	}
	if len(results) == 0 && err == nil {
		fmt.Println("no migrations to run")
	}
	return err
}

func report1(result *goose.MigrationResult, err error) error {
	if result != nil {
		fmt.Println(result)
	}
	return err
}

func printStatus(ctx context.Context, p *goose.Provider) error {
	statuses, err := p.Status(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT\tFILE")
	for _, st := range statuses {
		applied := "-"
		if !st.AppliedAt.IsZero() {
			applied = st.AppliedAt.UTC().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", st.Source.Version, st.State, applied, st.Source.Path)
	}
	return tw.Flush()
}
