// Package cost accounts token usage and cost per provider call.
//
// The ledger is shared by every in-flight request. Appends are serialized
// by a mutex; summaries are served from an immutable snapshot published
// through an atomic pointer, so readers never take the lock.
package cost

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
)

// DefaultFlushInterval is how often unflushed records are persisted.
const DefaultFlushInterval = 30 * time.Second

const dayLayout = "2006-01-02"

// Store persists usage records.
type Store interface {
	SaveUsage(ctx context.Context, records []domain.UsageRecord) error
	LoadUsage(ctx context.Context, since time.Time) ([]domain.UsageRecord, error)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStore enables persistence.
func WithStore(s Store) Option {
	return func(t *Tracker) {
		t.store = s
	}
}

// WithFlushInterval sets the period used by Run.
func WithFlushInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.flushInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

// WithClock overrides the time source used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// Tracker is the usage ledger.
type Tracker struct {
	pricing map[string]domain.Pricing

	mu      sync.Mutex
	records map[string]domain.UsageRecord
	pending []domain.UsageRecord

	flushMu sync.Mutex
	snap    atomic.Pointer[snapshot]

	store         Store
	flushInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewTracker creates a tracker pricing models from pricing. Models missing
// from the table are recorded at zero cost.
func NewTracker(pricing map[string]domain.Pricing, opts ...Option) *Tracker {
	t := &Tracker{
		pricing:       maps.Clone(pricing),
		records:       make(map[string]domain.UsageRecord),
		flushInterval: DefaultFlushInterval,
		logger:        slog.Default(),
		now:           time.Now,
	}
	if t.pricing == nil {
		t.pricing = make(map[string]domain.Pricing)
	}
	for _, opt := range opts {
		opt(t)
	}
	t.snap.Store(newSnapshot())
	return t
}

// Estimate returns the cost of the given token counts for model.
func (t *Tracker) Estimate(model string, promptTokens, completionTokens int) float64 {
	return t.pricing[model].Cost(promptTokens, completionTokens)
}

// RecordUsage accounts one provider call identified by id.
func (t *Tracker) RecordUsage(id, model string, usage domain.Usage) domain.UsageRecord {
	return t.Record(domain.UsageRecord{
		ID:               id,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		Estimated:        usage.Estimated,
	})
}

// Record prices rec and appends it to the ledger. Recording an id that is
// already present returns the stored record unchanged, so a call is never
// counted twice.
func (t *Tracker) Record(rec domain.UsageRecord) domain.UsageRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.records[rec.ID]; ok {
		t.logger.Debug("usage already recorded", slog.String("call_id", rec.ID))
		return existing
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.now()
	}
	rec.Timestamp = rec.Timestamp.UTC()

	pricing, ok := t.pricing[rec.Model]
	if !ok {
		t.logger.Warn("no pricing for model, recording zero cost", slog.String("model", rec.Model))
	}
	rec.Cost = pricing.Cost(rec.PromptTokens, rec.CompletionTokens)

	t.records[rec.ID] = rec
	t.pending = append(t.pending, rec)
	t.snap.Store(t.snap.Load().with(rec))
	return rec
}

// Load merges persisted records into the ledger without re-persisting them.
func (t *Tracker) Load(ctx context.Context, since time.Time) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	recs, err := t.store.LoadUsage(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("load usage: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	snap := t.snap.Load()
	loaded := 0
	for _, rec := range recs {
		if _, ok := t.records[rec.ID]; ok {
			continue
		}
		rec.Timestamp = rec.Timestamp.UTC()
		t.records[rec.ID] = rec
		snap = snap.with(rec)
		loaded++
	}
	t.snap.Store(snap)
	return loaded, nil
}

// Flush persists records appended since the last flush. On failure the
// records stay queued for the next attempt.
func (t *Tracker) Flush(ctx context.Context) error {
	if t.store == nil {
		return nil
	}

	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := t.store.SaveUsage(ctx, batch); err != nil {
		t.mu.Lock()
		t.pending = append(batch, t.pending...)
		t.mu.Unlock()
		return fmt.Errorf("save usage: %w", err)
	}

	t.logger.Debug("usage flushed", slog.Int("records", len(batch)))
	return nil
}

// Run flushes periodically until ctx is done, then flushes once more.
func (t *Tracker) Run(ctx context.Context) error {
	if t.store == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return t.Close(context.Background())
		case <-ticker.C:
			if err := t.Flush(ctx); err != nil {
				t.logger.Error("usage flush failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close performs a final flush.
func (t *Tracker) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return t.Flush(ctx)
}

// Records returns every record ordered by timestamp.
func (t *Tracker) Records() []domain.UsageRecord {
	t.mu.Lock()
	out := make([]domain.UsageRecord, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// UsageOverview returns totals over the whole ledger.
func (t *Tracker) UsageOverview() Overview {
	s := t.snap.Load()
	return Overview{Totals: s.all, ByModel: byModel(s.models)}
}

// DailySummary returns the totals of the UTC day containing date.
func (t *Tracker) DailySummary(date time.Time) DailySummary {
	key := date.UTC().Format(dayLayout)
	day := t.snap.Load().days[key]
	return DailySummary{Date: key, Totals: day.totals, ByModel: byModel(day.models)}
}

// DailyCost returns the cost accrued on the UTC day containing date.
func (t *Tracker) DailyCost(date time.Time) float64 {
	return t.DailySummary(date).Cost
}
