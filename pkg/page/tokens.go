package page

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter measures and trims text against an LLM token budget.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter loads the named encoding. Common encodings: "cl100k_base" (GPT-4),
// "o200k_base" (GPT-4o), "p50k_base". Empty or unknown names use cl100k_base.
func NewTokenCounter(encoding string) (*TokenCounter, error) {
	var enc tokenizer.Encoding
	switch encoding {
	case "p50k_base":
		enc = tokenizer.P50kBase
	case "p50k_edit":
		enc = tokenizer.P50kEdit
	case "r50k_base":
		enc = tokenizer.R50kBase
	case "o200k_base":
		enc = tokenizer.O200kBase
	default:
		enc = tokenizer.Cl100kBase
	}

	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %q: %w", encoding, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// Count returns the token count of text, or -1 when encoding fails.
func (c *TokenCounter) Count(text string) int {
	if c == nil || c.codec == nil {
		return -1
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return -1
	}
	return len(ids)
}

// Truncate cuts text down to at most maxTokens tokens. Text that already fits,
// a non-positive budget or an encoding failure returns text unchanged.
func (c *TokenCounter) Truncate(text string, maxTokens int) string {
	if c == nil || c.codec == nil || maxTokens <= 0 {
		return text
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil || len(ids) <= maxTokens {
		return text
	}
	out, err := c.codec.Decode(ids[:maxTokens])
	if err != nil {
		return text
	}
	return out
}
