package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shurlinet/peerd/internal/config"
)

// runConfig dispatches the config subcommands: show, validate, rollback.
func runConfig(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: peerd config <show|validate|rollback> [--root path]")
		os.Exit(1)
	}

	sub := args[0]
	fs := flag.NewFlagSet("config "+sub, flag.ExitOnError)
	rootFlag := fs.String("root", "", "data root (overrides $RAD_HOME)")
	fs.Parse(args[1:])

	root, err := config.ResolveRoot(*rootFlag)
	if err != nil {
		slog.Error("config: resolve root", "err", err)
		os.Exit(1)
	}
	path := config.Path(root)

	switch sub {
	case "show":
		cfg, err := config.Load(path)
		if err != nil {
			slog.Error("config: load", "err", err)
			os.Exit(1)
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			slog.Error("config: marshal", "err", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)

	case "validate":
		cfg, err := config.Load(path)
		if err != nil {
			slog.Error("config: load", "err", err)
			os.Exit(1)
		}
		if err := config.Validate(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("ok")

	case "rollback":
		if !config.HasArchive(path) {
			fmt.Fprintf(os.Stderr, "no last-known-good archive for %s; the daemon writes one on each successful start\n", path)
			os.Exit(1)
		}
		if err := config.Rollback(path); err != nil {
			slog.Error("config: rollback", "err", err)
			os.Exit(1)
		}
		fmt.Printf("restored %s from last-known-good archive\n", path)

	default:
		fmt.Fprintf(os.Stderr, "Unknown config subcommand: %s\n", sub)
		os.Exit(1)
	}
}
