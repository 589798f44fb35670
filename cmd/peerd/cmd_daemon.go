package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/shurlinet/peerd/internal/audit"
	"github.com/shurlinet/peerd/internal/config"
	"github.com/shurlinet/peerd/internal/keystore"
	"github.com/shurlinet/peerd/internal/metrics"
	"github.com/shurlinet/peerd/internal/supervisor"
)

// runDaemon boots the service supervisor and blocks until interrupted.
// A hangup signal triggers a supervisor reload; interrupt/terminate shut
// the daemon down cleanly. Supervisor-level errors exit non-zero.
func runDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	rootFlag := fs.String("root", "", "data root (overrides $RAD_HOME)")
	configFlag := fs.String("config", "", "config file (default <root>/config.yaml)")
	sealed := fs.Bool("sealed", false, "boot without a key even if one exists")
	test := fs.Bool("test", false, "use a temporary root with fixture config")
	fs.Parse(args)

	root, cfg, err := resolveRootAndConfig(*rootFlag, *configFlag, *test)
	if err != nil {
		slog.Error("daemon: startup failed", "err", err)
		os.Exit(1)
	}

	ks, err := keystore.Open(filepath.Join(root, "keys"))
	if err != nil {
		slog.Error("daemon: open keystore", "err", err)
		os.Exit(1)
	}

	var key crypto.PrivKey
	if !*sealed && ks.Initialized(keystore.PurposePeer) {
		key, err = ks.Load(keystore.PurposePeer)
		if err != nil {
			slog.Error("daemon: load peer key", "err", err)
			os.Exit(1)
		}
	}
	if !*sealed && key == nil && *test {
		// Test roots always boot unsealed; operators unseal via peerctl.
		key, err = ks.LoadOrCreate(keystore.PurposePeer)
		if err != nil {
			slog.Error("daemon: create test key", "err", err)
			os.Exit(1)
		}
	}

	var auditLog *audit.Logger
	if cfg.Telemetry.Audit.Enabled {
		auditLog = audit.NewLogger(slog.NewJSONHandler(os.Stderr, nil))
	}

	m := metrics.New(version, runtime.Version())

	sup := supervisor.New(root, cfg, ks, supervisor.Options{
		Log:        slog.Default(),
		Audit:      auditLog,
		Metrics:    m,
		Version:    version,
		InitialKey: key,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				slog.Info("daemon: hangup received, reloading")
				sup.Reload()
			}
		}
	}()

	slog.Info("daemon: starting", "root", root, "sealed", key == nil, "version", version)
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon: supervisor failed", "err", err)
		os.Exit(1)
	}
}

// resolveRootAndConfig resolves the data root and loads (or, for --test,
// fabricates) the node config.
func resolveRootAndConfig(rootFlag, configFlag string, test bool) (string, *config.Config, error) {
	if test {
		root, err := os.MkdirTemp("", "peerd-test-*")
		if err != nil {
			return "", nil, fmt.Errorf("create test root: %w", err)
		}
		cfg := config.Default()
		cfg.Network.ListenAddresses = []string{"/ip4/127.0.0.1/tcp/0"}
		cfg.Announce.Interval = cfg.WaitingRoom.Interval * 4
		if err := config.Save(config.Path(root), cfg); err != nil {
			return "", nil, err
		}
		return root, cfg, nil
	}

	root, err := config.ResolveRoot(rootFlag)
	if err != nil {
		return "", nil, err
	}
	path := configFlag
	if path == "" {
		path = config.Path(root)
	}

	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, config.ErrConfigNotFound) {
			return "", nil, fmt.Errorf("%w (run 'peerd init' first)", err)
		}
		return "", nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return "", nil, err
	}

	// The config loaded and validated: archive it as last-known-good so
	// 'peerd config rollback' can restore it after a bad edit.
	if err := config.Archive(path); err != nil {
		slog.Warn("daemon: config archive failed", "err", err)
	}
	return root, cfg, nil
}
