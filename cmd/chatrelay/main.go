// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command chatrelay listens to one chat platform, forwards messages that
// match configured substring patterns through a template, and delivers them
// to a single chat on another platform.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/aiku/chatrelay/pkg/relay"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	boot := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	f := flag.NewFlagSet("chatrelay", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}

	var (
		configPath           string
		saveConfig, generate bool
	)
	f.StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML configuration file")
	f.BoolVar(&saveConfig, "save-config", false, "Write the upgraded configuration back to the file")
	f.BoolVarP(&generate, "generate-config", "g", false, "Write the example configuration to --config and exit")
	f.Bool("version", false, "Show the build version and exit")

	if err := f.Parse(os.Args[1:]); err != nil {
		boot.Fatal().Err(err).Msg("Failed to parse flags")
	}

	if ok, _ := f.GetBool("version"); ok {
		fmt.Printf("chatrelay %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		return
	}

	if generate {
		if err := writeExampleConfig(configPath); err != nil {
			boot.Fatal().Err(err).Msg("Failed to write example config")
		}
		boot.Info().Str("path", configPath).Msg("Wrote example config, edit it and start again")
		return
	}

	cfg, err := loadConfig(configPath, saveConfig, os.Getenv)
	if err != nil {
		boot.Fatal().Err(err).Str("path", configPath).Msg("Invalid configuration")
	}

	log := newLogger(cfg.Logging, os.Stdout)
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting chatrelay")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		cancel()
		log.Fatal().Err(err).Bool("startup", errors.Is(err, relay.ErrStartup)).Msg("Relay stopped")
	}
	log.Info().Msg("Relay stopped")
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg LoggingConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.MinLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	w := out
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// writeExampleConfig writes the embedded example to path unless a file is
// already there.
func writeExampleConfig(path string) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := file.WriteString(ExampleConfig); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
