package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/duckmesh/sqlagent/internal/config"
	historypostgres "github.com/duckmesh/sqlagent/internal/history/postgres"
	"github.com/duckmesh/sqlagent/internal/migrations"
)

func main() {
	direction := flag.String("direction", "up", "schema direction: up|down|status")
	steps := flag.Int("steps", 0, "number of schema steps; 0 means all for up, 1 for down")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.LoadFromEnv("sqlagent-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if cfg.History.DSN == "" {
		fmt.Fprintln(os.Stderr, "SQLAGENT_HISTORY_DSN is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := historypostgres.Open(ctx, historypostgres.DBConfig{DSN: cfg.History.DSN})
	if err != nil {
		fmt.Fprintf(os.Stderr, "database open error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	schema, err := migrations.QuestionLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "schema load error: %v\n", err)
		os.Exit(1)
	}
	switch *direction {
	case "up":
		applied, err := schema.Upgrade(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "schema upgrade failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("applied %d step(s), latest version %d\n", applied, schema.Latest())
	case "down":
		rolledBack, err := schema.Downgrade(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "schema downgrade failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("rolled back %d step(s)\n", rolledBack)
	case "status":
		current, err := schema.Current(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "schema status failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("question log schema at version %d of %d\n", current, schema.Latest())
	default:
		fmt.Fprintf(os.Stderr, "invalid direction: %s\n", *direction)
		os.Exit(1)
	}
}
