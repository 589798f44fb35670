package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shurlinet/peerd/internal/config"
	"github.com/shurlinet/peerd/internal/keystore"
)

// runInit writes a default config and creates the peer key.
func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	rootFlag := fs.String("root", "", "data root (overrides $RAD_HOME)")
	fs.Parse(args)

	root, err := config.ResolveRoot(*rootFlag)
	if err != nil {
		slog.Error("init: resolve root", "err", err)
		os.Exit(1)
	}

	path := config.Path(root)
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "config already exists at %s\n", path)
		os.Exit(1)
	}

	if err := config.Save(path, config.Default()); err != nil {
		slog.Error("init: write config", "err", err)
		os.Exit(1)
	}

	ks, err := keystore.Open(filepath.Join(root, "keys"))
	if err != nil {
		slog.Error("init: open keystore", "err", err)
		os.Exit(1)
	}
	id, err := ks.PeerID()
	if err != nil {
		slog.Error("init: create peer key", "err", err)
		os.Exit(1)
	}

	fmt.Printf("Initialized peerd at %s\n", root)
	fmt.Printf("Peer ID: %s\n", id)
}

// runWhoami prints the peer ID derived from the stored key.
func runWhoami(args []string) {
	fs := flag.NewFlagSet("whoami", flag.ExitOnError)
	rootFlag := fs.String("root", "", "data root (overrides $RAD_HOME)")
	fs.Parse(args)

	root, err := config.ResolveRoot(*rootFlag)
	if err != nil {
		slog.Error("whoami: resolve root", "err", err)
		os.Exit(1)
	}
	ks, err := keystore.Open(filepath.Join(root, "keys"))
	if err != nil {
		slog.Error("whoami: open keystore", "err", err)
		os.Exit(1)
	}
	if !ks.Initialized(keystore.PurposePeer) {
		fmt.Fprintln(os.Stderr, "no peer key; run 'peerd init' first")
		os.Exit(1)
	}
	id, err := ks.PeerID()
	if err != nil {
		slog.Error("whoami: derive peer ID", "err", err)
		os.Exit(1)
	}
	fmt.Println(id)
}
