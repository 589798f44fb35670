package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD) -X main.buildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)" -o peerd ./cmd/peerd
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "daemon", "serve":
		runDaemon(os.Args[2:])
	case "whoami":
		runWhoami(os.Args[2:])
	case "config":
		runConfig(os.Args[2:])
	case "version", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("peerd %s (%s) built %s\n", version, commit, buildDate)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: peerd <command> [options]")
	fmt.Println()
	fmt.Println("Daemon:")
	fmt.Println("  daemon [--root path] [--config path] [--sealed] [--test]")
	fmt.Println("                                          Start the peer runtime")
	fmt.Println("  serve                                   Alias for daemon")
	fmt.Println()
	fmt.Println("Identity:")
	fmt.Println("  whoami [--root path]                    Show your peer ID")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  init [--root path]                      Write a default config and key")
	fmt.Println("  config show     [--root path]           Show resolved config")
	fmt.Println("  config validate [--root path]           Validate config")
	fmt.Println("  config rollback [--root path]           Restore last-known-good config")
	fmt.Println()
	fmt.Println("The data root is resolved from --root, then $RAD_HOME, then the")
	fmt.Println("platform config directory.")
}
