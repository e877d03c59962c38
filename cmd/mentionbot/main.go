// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mentionbot is a Telegram bot that mentions every member of a
// group on demand. Group administrators are always mentioned; other members
// opt in with /register.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/telegram-mentionbot/pkg/connector"
	"github.com/aiku/telegram-mentionbot/pkg/registry"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath      = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	generateExample = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
	wantHelp, _     = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		"mentionbot - A Telegram bot that mentions every group member.",
		"mentionbot [-he] [-c <path>]",
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	}

	if *generateExample {
		if err := os.WriteFile(*configPath, []byte(connector.ExampleConfig), 0o600); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(1)
		}
		_, _ = fmt.Fprintln(os.Stderr, "Wrote example config to", *configPath)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// A missing .env file is fine; real deployments set the environment.
	_ = godotenv.Load()

	cfg, err := connector.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if err = cfg.PostProcess(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	zerolog.DefaultContextLogger = log
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("build_time", BuildTime).
		Str("database", cfg.Database.Type).
		Msg("Starting mention bot")

	store, err := openStore(ctx, cfg.Database, *log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close registry store")
		}
	}()

	api := connector.NewTelegramClient(
		cfg.Telegram.Token,
		cfg.Telegram.APIEndpoint,
		time.Duration(cfg.Telegram.RequestTimeout)*time.Second,
		*log,
	)
	bot := connector.NewMentionBot(cfg, api, registry.New(store, *log), *log)
	if err = bot.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bot.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			log.Info().Msg("Shutdown signal received")
		}
		bot.Stop()
		return nil
	})
	err = g.Wait()
	if errors.Is(err, connector.ErrRestartsExhausted) || errors.Is(err, connector.ErrUnreachable) {
		return fmt.Errorf("polling terminated: %w", err)
	}
	return err
}

func openStore(ctx context.Context, cfg connector.DatabaseConfig, log zerolog.Logger) (registry.Store, error) {
	switch cfg.Type {
	case connector.DatabaseSQLite, connector.DatabasePostgres:
		store, err := registry.OpenSQL(ctx, cfg.Type, cfg.URI, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	case connector.DatabaseFile:
		store, err := registry.OpenFile(cfg.URI)
		if err != nil {
			return nil, err
		}
		return store, nil
	case connector.DatabaseMemory:
		log.Warn().Msg("Using in-memory registry, registrations are lost on exit")
		return registry.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.Type)
	}
}
