// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-pinbot archives Matrix messages that get a pushpin
// reaction by quoting them into a single archive room.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/mautrix-pinbot/pkg/pinbot"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	Name    = "mautrix-pinbot"
	Version = "0.1.0"
)

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
var dontSaveConfig = flag.MakeFull("n", "no-update", "Don't save the updated config to disk.", "false").Bool()
var envFile = flag.MakeFull("", "env-file", "Load environment variables from this file if it exists.", ".env").String()
var version = flag.MakeFull("v", "version", "View the version and quit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

func main() {
	flag.SetHelpTitles(
		fmt.Sprintf("%s - Archives pinned Matrix messages.", Name),
		fmt.Sprintf("%s [-hnev] [-c <path>] [--env-file <path>]", Name),
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("%s %s (tag %s, commit %s, built %s)\n", Name, Version, Tag, Commit, BuildTime)
		os.Exit(0)
	} else if *writeExampleConfig {
		if err := writeExample(*configPath); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("Wrote example config to", *configPath)
		os.Exit(0)
	}

	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func writeExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite it", path)
	}
	return os.WriteFile(path, []byte(pinbot.ExampleConfig), 0o600)
}

func run() error {
	// A missing env file is fine, the environment may already be set.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFile, err)
	}
	cfg, err := pinbot.LoadConfig(*configPath, !*dontSaveConfig)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_time", BuildTime).
		Msg("Initializing " + Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bot, err := pinbot.NewBot(ctx, cfg, *log)
	if err != nil {
		return err
	}
	defer bot.Stop()
	if err = bot.Start(ctx); err != nil {
		return err
	}
	err = bot.Run(ctx)
	log.Info().Msg("Shutting down")
	return err
}
