// Package storage defines the persistence contracts shared by the usage
// ledger and the document index.
package storage

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
)

// Document is a knowledge source split into passages for retrieval.
type Document struct {
	SourceID  string
	Title     string
	Text      string
	CreatedAt time.Time
}

// UsageStore persists the usage ledger.
type UsageStore interface {
	SaveUsage(ctx context.Context, records []domain.UsageRecord) error
	LoadUsage(ctx context.Context, since time.Time) ([]domain.UsageRecord, error)
}

// DocumentStore indexes documents and serves them to context augmentation.
type DocumentStore interface {
	domain.Retriever

	// PutDocument replaces any passages previously stored for doc.SourceID.
	// It returns the number of passages indexed.
	PutDocument(ctx context.Context, doc Document) (int, error)
}

// Store is a complete storage backend.
type Store interface {
	UsageStore
	DocumentStore
	Close() error
}

// DefaultPassageChars is the target passage size used by SplitPassages.
const DefaultPassageChars = 1200

// SplitPassages splits text on blank lines and packs consecutive paragraphs
// into passages of at most maxChars characters. A single paragraph longer
// than maxChars becomes its own passage.
func SplitPassages(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultPassageChars
	}

	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(para)+2 > maxChars {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return out
}

// Terms lowercases text and splits it into letter/digit runs.
func Terms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
