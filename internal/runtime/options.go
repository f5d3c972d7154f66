package runtime

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/polyglot-orchestrator/internal/config"
	"github.com/tjfontaine/polyglot-orchestrator/internal/storage"
	"github.com/tjfontaine/polyglot-orchestrator/internal/tools"
)

// Option is a functional option for configuring an App.
type Option func(*App) error

// WithFileConfig loads configuration from path and the environment.
func WithFileConfig(path string) Option {
	return func(a *App) error {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		a.cfg = cfg
		return nil
	}
}

// WithConfig uses an already loaded configuration.
func WithConfig(cfg *config.Config) Option {
	return func(a *App) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		a.cfg = cfg
		return nil
	}
}

// WithStore sets a custom storage backend instead of the configured one.
// The App takes ownership and closes it on Shutdown.
func WithStore(s storage.Store) Option {
	return func(a *App) error {
		a.store = s
		return nil
	}
}

// WithHTTPClient sets the outbound client handed to provider factories.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) error {
		a.httpClient = c
		return nil
	}
}

// WithTools registers additional local tools next to the built-in ones.
func WithTools(ts ...tools.Tool) Option {
	return func(a *App) error {
		a.extraTools = append(a.extraTools, ts...)
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) error {
		a.logger = logger
		return nil
	}
}
