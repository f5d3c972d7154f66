package runtime

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-orchestrator/internal/config"
	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
	"github.com/tjfontaine/polyglot-orchestrator/internal/provider"
	"github.com/tjfontaine/polyglot-orchestrator/internal/provider/registry"
	"github.com/tjfontaine/polyglot-orchestrator/internal/storage"
)

const echoType = "echo-test"

// echoProvider answers with the last user message. Like the real adapters,
// it only accepts the canonical model ids of its catalog.
type echoProvider struct {
	*provider.Catalog
	name string
}

func (p *echoProvider) Name() string { return p.name }

func (p *echoProvider) Complete(_ context.Context, req *domain.ChatRequest) (*domain.Response, error) {
	if _, err := p.Check(req, false); err != nil {
		return nil, err
	}
	text, _ := req.LastUserMessage()
	return &domain.Response{
		Message:      domain.Message{Role: domain.RoleAssistant, Content: text},
		FinishReason: domain.FinishReasonStop,
		Usage:        domain.Usage{PromptTokens: 100, CompletionTokens: 10, TotalTokens: 110},
	}, nil
}

func (p *echoProvider) Stream(ctx context.Context, req *domain.ChatRequest) (*domain.Stream, error) {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return domain.NewStreamFromChunks(
		domain.DeltaChunk(resp.Message.Content),
		domain.TerminalChunk(resp.Usage, resp.FinishReason),
	), nil
}

func init() {
	registry.RegisterFactory(registry.ProviderFactory{
		Type: echoType,
		Create: func(cfg config.ProviderConfig, _ registry.CreateOptions) (domain.Provider, error) {
			return &echoProvider{Catalog: provider.NewCatalog(cfg.Name, cfg.Models), name: cfg.Name}, nil
		},
	})
}

func testConfig(storageType, path string) *config.Config {
	return &config.Config{
		Providers: []config.ProviderConfig{{
			Name: "echo",
			Type: echoType,
			Models: []config.ModelConfig{{
				ID:            "echo-1",
				Aliases:       []string{"echo"},
				ContextWindow: 4096,
				SupportsTools: true,
				Pricing:       config.PricingConfig{InputPer1K: 0.5, OutputPer1K: 1.5},
			}},
		}},
		Orchestrator: config.OrchestratorConfig{
			MaxToolIterations: 5,
			ToolTimeout:       time.Second,
			Retry:             config.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		},
		RAG:       config.RAGConfig{TopK: 3, SafetyMargin: 16, Timeout: time.Second},
		Cost:      config.CostConfig{FlushInterval: time.Hour},
		Storage:   config.StorageConfig{Type: storageType, SQLite: config.SQLiteConfig{Path: path}},
		Logging:   config.LoggingConfig{Level: "info", Format: "json"},
		Telemetry: config.TelemetryConfig{ServiceName: "test"},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	app, err := New(WithConfig(cfg), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return app
}

func startApp(t *testing.T, app *App) {
	t.Helper()
	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		if err := app.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
}

func TestNew_RequiresConfig(t *testing.T) {
	if _, err := New(); err == nil {
		t.Error("expected an error without configuration")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig("memory", "")
	cfg.Orchestrator.MaxToolIterations = 0
	if _, err := New(WithConfig(cfg)); err == nil {
		t.Error("expected a validation error")
	}
}

func TestApp_SendWithContext(t *testing.T) {
	app := newTestApp(t, testConfig("memory", ""))
	startApp(t, app)
	ctx := context.Background()

	n, err := app.Ingest(ctx, storage.Document{SourceID: "handbook", Text: "Refunds are issued within fourteen days."})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if n != 1 {
		t.Errorf("indexed %d passages, want 1", n)
	}

	reply, err := app.Orchestrator().Send(ctx, &domain.ChatRequest{
		Model:      "echo",
		Messages:   []domain.Message{{Role: domain.RoleUser, Content: "How fast are refunds issued?"}},
		UseContext: true,
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !reflect.DeepEqual(reply.Response.Sources, []string{"handbook"}) {
		t.Errorf("Sources = %v", reply.Response.Sources)
	}
	if got := app.Orchestrator().DailyCost(time.Now()); math.Abs(got-(0.05+0.015)) > 1e-9 {
		t.Errorf("DailyCost() = %v, want 0.065", got)
	}
}

func TestApp_SendByAlias(t *testing.T) {
	app := newTestApp(t, testConfig("memory", ""))
	startApp(t, app)

	for _, model := range []string{"echo-1", "echo"} {
		reply, err := app.Orchestrator().Send(context.Background(), &domain.ChatRequest{
			Model:    model,
			Messages: []domain.Message{{Role: domain.RoleUser, Content: "ping"}},
		})
		if err != nil {
			t.Fatalf("Send(%s) error = %v", model, err)
		}
		if reply.Response.Text() != "ping" || reply.Response.Model != "echo-1" {
			t.Errorf("Send(%s) = %q from %q", model, reply.Response.Text(), reply.Response.Model)
		}
	}

	overview := app.Orchestrator().UsageOverview()
	if len(overview.ByModel) != 1 || overview.ByModel[0].Model != "echo-1" || overview.ByModel[0].Calls != 2 {
		t.Errorf("ByModel = %+v", overview.ByModel)
	}
}

func TestApp_BuiltinTools(t *testing.T) {
	app := newTestApp(t, testConfig("memory", ""))
	names := app.Tools().Names()
	slices.Sort(names)
	if !reflect.DeepEqual(names, []string{"calc", "clock"}) {
		t.Errorf("Names() = %v", names)
	}
}

func TestApp_IngestRequiresSource(t *testing.T) {
	app := newTestApp(t, testConfig("memory", ""))
	if _, err := app.Ingest(context.Background(), storage.Document{Text: "orphan"}); err == nil {
		t.Error("expected an error for a document without a source id")
	}
}

func TestApp_UsageSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "usage.db")
	ctx := context.Background()

	first := newTestApp(t, testConfig("sqlite", path))
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := first.Orchestrator().Send(ctx, &domain.ChatRequest{
		Model:    "echo-1",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "remember me"}},
	}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := first.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	second := newTestApp(t, testConfig("sqlite", path))
	startApp(t, second)

	overview := second.Orchestrator().UsageOverview()
	if overview.Calls != 1 || overview.PromptTokens != 100 {
		t.Errorf("overview after restart = %+v", overview.Totals)
	}
}

func TestApp_StartTwice(t *testing.T) {
	app := newTestApp(t, testConfig("memory", ""))
	startApp(t, app)
	if err := app.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
}
