// Package memory provides an in-process storage.Store for tests and
// single-run CLI use.
package memory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
	"github.com/tjfontaine/polyglot-orchestrator/internal/storage"
)

type passage struct {
	sourceID string
	text     string
	terms    map[string]int
}

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu       sync.RWMutex
	usage    map[string]domain.UsageRecord
	passages map[string][]passage
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		usage:    make(map[string]domain.UsageRecord),
		passages: make(map[string][]passage),
	}
}

func (s *Store) SaveUsage(ctx context.Context, records []domain.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if _, exists := s.usage[r.ID]; exists {
			continue
		}
		s.usage[r.ID] = r
	}
	return nil
}

func (s *Store) LoadUsage(ctx context.Context, since time.Time) ([]domain.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.UsageRecord
	for _, r := range s.usage {
		if !since.IsZero() && r.Timestamp.Before(since) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *Store) PutDocument(ctx context.Context, doc storage.Document) (int, error) {
	if doc.SourceID == "" {
		return 0, errors.New("document source id is required")
	}

	var ps []passage
	for _, text := range storage.SplitPassages(doc.Text, storage.DefaultPassageChars) {
		terms := make(map[string]int)
		for _, t := range storage.Terms(text) {
			terms[t]++
		}
		ps = append(ps, passage{sourceID: doc.SourceID, text: text, terms: terms})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.passages[doc.SourceID] = ps
	return len(ps), nil
}

// Search scores passages by the summed frequency of query terms, normalized
// by passage length.
func (s *Store) Search(ctx context.Context, query string, scope []string, topK int) ([]domain.Passage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := storage.Terms(query)
	if len(terms) == 0 || topK <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Passage
	for sourceID, ps := range s.passages {
		if len(scope) > 0 && !slices.Contains(scope, sourceID) {
			continue
		}
		for _, p := range ps {
			hits := 0
			for _, t := range terms {
				hits += p.terms[t]
			}
			if hits == 0 {
				continue
			}
			size := 0
			for _, n := range p.terms {
				size += n
			}
			out = append(out, domain.Passage{
				Text:     p.text,
				SourceID: p.sourceID,
				Score:    float64(hits) / float64(size),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].Score > out[j].Score
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
