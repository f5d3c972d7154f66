package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
)

// Chat formatting overhead, per OpenAI's cookbook accounting.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	tokensPerCall    = 3
	tokensPerTool    = 7
	assistantPriming = 3
)

// OpenAICounter counts tokens for OpenAI-family models with tiktoken.
type OpenAICounter struct {
	matcher *ModelMatcher

	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

// NewOpenAICounter creates a new OpenAI token counter.
func NewOpenAICounter() *OpenAICounter {
	return &OpenAICounter{
		matcher: NewModelMatcher(
			[]string{"gpt-", "o1", "o3", "o4", "text-embedding", "chatgpt-"},
			nil,
		),
		codecs: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// codec returns the cached codec for model's encoding.
func (c *OpenAICounter) codec(model string) (tokenizer.Codec, error) {
	encoding := modelToEncoding(model)

	c.mu.RLock()
	cached, ok := c.codecs[encoding]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("get tokenizer encoding %s: %w", encoding, err)
	}

	c.mu.Lock()
	c.codecs[encoding] = codec
	c.mu.Unlock()

	return codec, nil
}

// modelToEncoding maps model names to encodings.
//
// O200kBase: GPT-4o, GPT-4.1, GPT-5 and the o-series.
// Cl100kBase: GPT-4, GPT-3.5-turbo and embeddings.
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "chatgpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"),
		strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

func encodeLen(codec tokenizer.Codec, s string) int {
	if s == "" {
		return 0
	}
	ids, _, err := codec.Encode(s)
	if err != nil {
		return 0
	}
	return len(ids)
}

// CountTokens counts a chat request the way the Chat Completions API bills it.
func (c *OpenAICounter) CountTokens(ctx context.Context, req *domain.TokenCountRequest) (*domain.TokenCountResponse, error) {
	codec, err := c.codec(req.Model)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, msg := range req.Messages {
		total += tokensPerMessage + tokensPerRole
		total += encodeLen(codec, msg.Content)
		for _, tc := range msg.ToolCalls {
			total += encodeLen(codec, tc.Name)
			total += encodeLen(codec, string(tc.Arguments))
			total += tokensPerCall
		}
	}

	for _, tool := range req.Tools {
		total += encodeLen(codec, tool.Name)
		total += encodeLen(codec, tool.Description)
		if tool.Parameters != nil {
			params, _ := json.Marshal(tool.Parameters)
			total += encodeLen(codec, string(params))
		}
		total += tokensPerTool
	}

	total += assistantPriming

	return &domain.TokenCountResponse{
		InputTokens: total,
		Model:       req.Model,
	}, nil
}

// SupportsModel returns true for OpenAI models.
func (c *OpenAICounter) SupportsModel(model string) bool {
	return c.matcher.Matches(model)
}

// CountText counts tokens for a plain text string.
func (c *OpenAICounter) CountText(model, text string) (int, error) {
	codec, err := c.codec(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}
