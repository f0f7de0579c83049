package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"shelf/internal/config"
	"shelf/internal/logging"
	"shelf/pkg/idb"
)

func main() {
	configPath := flag.String("config", "", "path to config file (TOML or YAML)")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	backend := flag.String("backend", "", "storage engine: bolt, pebble or leveldb (overrides config)")
	dbName := flag.String("name", "", "database name (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")

	reg := NewCommandRegistry()
	registerCommands(reg)
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		_, _ = fmt.Fprintf(out, "usage: shelf [flags] <command> [args]\n\ncommands:\n%s\nflags:\n", reg.HelpText())
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// CLI flags override config file values
	if *dataDir != "" {
		cfg.Database.DataDir = *dataDir
	}
	if *backend != "" {
		cfg.Database.Backend = *backend
	}
	if *dbName != "" {
		cfg.Database.Name = *dbName
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	logging.Init(cfg.Logging.Level, cfg.Logging.Format)

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	opts, err := idb.OptionsFromConfig(cfg.Database)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	db, err := idb.New(opts)
	if err != nil {
		log.Fatalf("database: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel pending requests on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	err = reg.Dispatch(ctx, db, flag.Args(), os.Stdout)
	if cerr := db.Close(); cerr != nil {
		slog.Warn("closing database", "err", cerr)
	}
	switch {
	case errors.Is(err, errUsage):
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	case err != nil:
		slog.Error("command failed", "command", flag.Arg(0), "err", err)
		os.Exit(1)
	}
}
