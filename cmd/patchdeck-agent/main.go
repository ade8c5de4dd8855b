package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/patchdeck/patchdeck-agent/internal/agent"
	"github.com/patchdeck/patchdeck-agent/internal/config"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("patchdeck-agent %s (%s)\n", Version, Commit)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `patchdeck-agent

Usage:
  patchdeck-agent init [flags]
  patchdeck-agent run [flags]
  patchdeck-agent version

Commands:
  init        Write a config file for this working copy.
  run         Run the review agent using the local config file.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)

	listen := fs.String("listen", "127.0.0.1:7399", "Bind address for the HTTP/WebSocket gateway")
	repoDir := fs.String("repo-dir", "", "Working-copy root (required)")
	stateDir := fs.String("state-dir", "", "State directory (default: ~/.patchdeck-agent)")
	notifyURL := fs.String("notify-url", "", "Agent runtime endpoint for feedback summaries (optional)")
	policyPath := fs.String("policy", "", "Review policy YAML file (optional)")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")

	logFormat := fs.String("log-format", "json", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")

	_ = fs.Parse(args)

	if *repoDir == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg := &config.Config{
		ListenAddr:     *listen,
		RepoDir:        *repoDir,
		StateDir:       *stateDir,
		AgentNotifyURL: *notifyURL,
		PolicyPath:     *policyPath,
		LogFormat:      *logFormat,
		LogLevel:       *logLevel,
	}
	if err := config.Save(filepath.Clean(*cfgPath), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	a, err := agent.New(agent.Options{
		Config:  cfg,
		Version: Version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init agent: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "agent exited with error: %v\n", err)
		os.Exit(1)
	}
}
