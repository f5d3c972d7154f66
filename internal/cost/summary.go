package cost

import (
	"maps"
	"sort"

	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
)

// Totals aggregates a set of usage records.
type Totals struct {
	Calls            int     `json:"calls"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
	// EstimatedCalls counts records whose usage was estimated.
	EstimatedCalls int `json:"estimated_calls"`
}

func (t Totals) add(r domain.UsageRecord) Totals {
	t.Calls++
	t.PromptTokens += r.PromptTokens
	t.CompletionTokens += r.CompletionTokens
	t.TotalTokens += r.PromptTokens + r.CompletionTokens
	t.Cost += r.Cost
	if r.Estimated {
		t.EstimatedCalls++
	}
	return t
}

// ModelTotals are the totals of one model.
type ModelTotals struct {
	Model string `json:"model"`
	Totals
}

// Overview summarizes the whole ledger.
type Overview struct {
	Totals
	ByModel []ModelTotals `json:"by_model"`
}

// DailySummary summarizes one UTC day.
type DailySummary struct {
	Date string `json:"date"`
	Totals
	ByModel []ModelTotals `json:"by_model"`
}

type dayTotals struct {
	totals Totals
	models map[string]Totals
}

// snapshot is never mutated once published.
type snapshot struct {
	all    Totals
	models map[string]Totals
	days   map[string]dayTotals
}

func newSnapshot() *snapshot {
	return &snapshot{
		models: make(map[string]Totals),
		days:   make(map[string]dayTotals),
	}
}

// with returns a copy of s that includes r.
func (s *snapshot) with(r domain.UsageRecord) *snapshot {
	key := r.Timestamp.UTC().Format(dayLayout)

	next := &snapshot{
		all:    s.all.add(r),
		models: maps.Clone(s.models),
		days:   maps.Clone(s.days),
	}
	next.models[r.Model] = next.models[r.Model].add(r)

	day := s.days[key]
	models := maps.Clone(day.models)
	if models == nil {
		models = make(map[string]Totals)
	}
	models[r.Model] = models[r.Model].add(r)
	next.days[key] = dayTotals{totals: day.totals.add(r), models: models}
	return next
}

func byModel(m map[string]Totals) []ModelTotals {
	out := make([]ModelTotals, 0, len(m))
	for model, t := range m {
		out = append(out, ModelTotals{Model: model, Totals: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}
