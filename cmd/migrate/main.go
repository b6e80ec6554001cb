// Database schema CLI. Services apply the schema on startup; this tool
// exists for provisioning a database ahead of a deploy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/quantarc/blockflow/internal/config"
	"github.com/quantarc/blockflow/internal/repo"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	timeout := flag.Duration("timeout", 30*time.Second, "migration deadline")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := repo.New(ctx, cfg.Database)
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
