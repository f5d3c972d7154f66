// Package runtime assembles the orchestrator and its collaborators from
// configuration and manages their lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-orchestrator/internal/config"
	"github.com/tjfontaine/polyglot-orchestrator/internal/cost"
	"github.com/tjfontaine/polyglot-orchestrator/internal/orchestrator"
	"github.com/tjfontaine/polyglot-orchestrator/internal/provider"
	"github.com/tjfontaine/polyglot-orchestrator/internal/provider/registry"
	"github.com/tjfontaine/polyglot-orchestrator/internal/registration"
	"github.com/tjfontaine/polyglot-orchestrator/internal/storage"
	"github.com/tjfontaine/polyglot-orchestrator/internal/storage/memory"
	"github.com/tjfontaine/polyglot-orchestrator/internal/storage/sqlite"
	"github.com/tjfontaine/polyglot-orchestrator/internal/tools"
)

// App owns the orchestrator, the model registry, the storage backend and
// the background usage flusher.
type App struct {
	cfg        *config.Config
	store      storage.Store
	httpClient *http.Client
	extraTools []tools.Tool
	logger     *slog.Logger

	models  *provider.Registry
	tools   *tools.Registry
	tracker *cost.Tracker
	orch    *orchestrator.Orchestrator

	mu      sync.Mutex
	cancel  context.CancelFunc
	flushed chan struct{}
}

// New builds an App. Provider factories must be registered beforehand
// (see registration.RegisterProviderBuiltins).
func New(opts ...Option) (*App, error) {
	a := &App{logger: slog.Default()}

	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if a.cfg == nil {
		return nil, errors.New("configuration required (use WithFileConfig or WithConfig)")
	}

	if a.store == nil {
		store, err := openStore(a.cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.store = store
	}

	models, err := provider.Build(a.cfg.Providers, registry.CreateOptions{
		HTTPClient: a.httpClient,
		Logger:     a.logger,
	})
	if err != nil {
		a.store.Close()
		return nil, fmt.Errorf("build model registry: %w", err)
	}
	a.models = models

	a.tools = tools.NewRegistry(
		tools.WithTimeout(a.cfg.Orchestrator.ToolTimeout),
		tools.WithLogger(a.logger),
	)
	if err := registration.RegisterToolBuiltins(a.tools); err != nil {
		a.store.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}
	for _, t := range a.extraTools {
		if err := a.tools.Register(t); err != nil {
			a.store.Close()
			return nil, fmt.Errorf("register tools: %w", err)
		}
	}

	a.tracker = cost.NewTracker(models.Pricing(),
		cost.WithStore(a.store),
		cost.WithFlushInterval(a.cfg.Cost.FlushInterval),
		cost.WithLogger(a.logger),
	)

	a.orch, err = orchestrator.New(
		orchestrator.WithConfig(a.cfg),
		orchestrator.WithRegistry(models),
		orchestrator.WithCostTracker(a.tracker),
		orchestrator.WithRetriever(a.store),
		orchestrator.WithToolInvoker(a.tools),
		orchestrator.WithLogger(a.logger),
	)
	if err != nil {
		a.store.Close()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	return a, nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		return sqlite.New(cfg.SQLite.Path)
	case "", "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// Start loads the persisted usage ledger and starts the background flusher.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		return errors.New("already started")
	}

	n, err := a.tracker.Load(ctx, time.Time{})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.flushed = make(chan struct{})
	go func() {
		defer close(a.flushed)
		if err := a.tracker.Run(runCtx); err != nil {
			a.logger.Error("usage flush on shutdown failed", slog.String("error", err.Error()))
		}
	}()

	a.logger.Info("orchestrator started",
		slog.Int("models", len(a.models.Models())),
		slog.Int("tools", len(a.tools.Names())),
		slog.Int("usage_records", n),
		slog.String("storage", a.cfg.Storage.Type))
	return nil
}

// Shutdown stops the flusher, persisting pending usage, and closes storage.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger.Info("shutting down orchestrator")

	var errs []error
	if a.cancel != nil {
		a.cancel()
		select {
		case <-a.flushed:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for usage flush: %w", ctx.Err()))
		}
		a.cancel = nil
	} else if err := a.tracker.Flush(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close storage", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Orchestrator returns the request orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orch
}

// Tools returns the local tool registry.
func (a *App) Tools() *tools.Registry {
	return a.tools
}

// Ingest indexes a document for context augmentation.
func (a *App) Ingest(ctx context.Context, doc storage.Document) (int, error) {
	if doc.SourceID == "" {
		return 0, errors.New("document source id is required")
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	n, err := a.store.PutDocument(ctx, doc)
	if err != nil {
		return 0, fmt.Errorf("ingest %s: %w", doc.SourceID, err)
	}
	a.logger.Info("document ingested", slog.String("source_id", doc.SourceID), slog.Int("passages", n))
	return n, nil
}
