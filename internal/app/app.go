// Package app wires the application dependencies together: config, logger,
// redis-backed session store, the three capability clients and the session
// manager.
package app

import (
	"context"

	"github.com/edvolabs/tutorvoice/internal/capability/generation"
	"github.com/edvolabs/tutorvoice/internal/capability/recognition"
	"github.com/edvolabs/tutorvoice/internal/capability/synthesis"
	"github.com/edvolabs/tutorvoice/internal/config"
	"github.com/edvolabs/tutorvoice/internal/session"
	"github.com/edvolabs/tutorvoice/pkg/Logger"
)

// App holds the wired application.
type App struct {
	Config  *config.Settings
	Logger  *Logger.Logger
	Store   *session.Store
	Manager *session.Manager
}

// NewApp builds the dependency graph. The context is used for provider
// client construction only; it does not bound the app's lifetime.
func NewApp(ctx context.Context, cfg *config.Settings, logger *Logger.Logger) (*App, error) {
	store, err := session.NewStore(cfg.Redis, cfg.Session.StoreTTL)
	if err != nil {
		return nil, err
	}

	generator, err := generation.New(ctx, cfg.Generation)
	if err != nil {
		return nil, err
	}

	caps := session.Capabilities{
		Recognizer:  recognition.New(cfg.Recognition),
		Generator:   generator,
		Synthesizer: synthesis.New(cfg.Synthesis),
	}

	return &App{
		Config:  cfg,
		Logger:  logger,
		Store:   store,
		Manager: session.NewManager(cfg, store, caps, logger.Named("session")),
	}, nil
}
