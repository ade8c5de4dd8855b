// Package agent wires configuration, storage, the review store and the
// gateway into one runnable process.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/patchdeck/patchdeck-agent/internal/config"
	"github.com/patchdeck/patchdeck-agent/internal/feedbacklog"
	"github.com/patchdeck/patchdeck-agent/internal/gateway"
	"github.com/patchdeck/patchdeck-agent/internal/monitor"
	"github.com/patchdeck/patchdeck-agent/internal/notify"
	"github.com/patchdeck/patchdeck-agent/internal/review"
	"github.com/patchdeck/patchdeck-agent/internal/review/reviewdb"
	"github.com/patchdeck/patchdeck-agent/internal/vcs"
	"github.com/patchdeck/patchdeck-agent/internal/workingcopy"
)

type Options struct {
	Config  *config.Config
	Version string
}

type Agent struct {
	log *slog.Logger

	cfg     *config.Config
	version string

	history *reviewdb.Store
	server  *gateway.Server
}

func New(opts Options) (*Agent, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.BuildLogger()
	slog.SetDefault(logger)

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, err
	}

	stateDir := cfg.ResolvedStateDir()

	fblog, err := feedbacklog.New(feedbacklog.Options{
		Logger:   logger.With("component", "feedbacklog"),
		StateDir: stateDir,
	})
	if err != nil {
		return nil, err
	}

	history, err := reviewdb.Open(filepath.Join(stateDir, "review", "history.db"))
	if err != nil {
		return nil, err
	}

	git := vcs.NewGit(cfg.RepoDir)

	store, err := review.New(review.Options{
		Logger:      logger.With("component", "review"),
		WorkingCopy: workingcopy.NewService(cfg.RepoDir),
		Feedback:    fblog,
		History:     history,
		Syncer:      git,
		Notifier:    notify.NewRuntime(logger.With("component", "notify"), cfg.AgentNotifyURL),
		Policy: review.Policy{
			FinalizeRequiresFull: policy.FinalizeRequiresFull,
			DriftWindow:          policy.DriftWindow,
		},
	})
	if err != nil {
		_ = history.Close()
		return nil, err
	}

	server, err := gateway.New(gateway.Options{
		Logger:   logger.With("component", "gateway"),
		Addr:     cfg.ListenAddr,
		Store:    store,
		Monitor:  monitor.NewService(logger.With("component", "monitor")),
		Feedback: fblog,
		Diffs:    git,
		Version:  opts.Version,
	})
	if err != nil {
		_ = history.Close()
		return nil, err
	}

	return &Agent{
		log:     logger,
		cfg:     cfg,
		version: opts.Version,
		history: history,
		server:  server,
	}, nil
}

// Run serves until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if a == nil {
		return errors.New("nil agent")
	}
	defer func() {
		if err := a.history.Close(); err != nil {
			a.log.Warn("history close failed", "error", err)
		}
	}()
	return a.server.Run(ctx)
}
