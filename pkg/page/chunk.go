package page

import (
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/leadforge/lead-scraper/pkg/utils"
)

// ChunkConfig bounds the pieces a long page is split into before extraction.
type ChunkConfig struct {
	MaxTokens int // Per chunk
	Overlap   int // Tokens shared by consecutive chunks
	MaxChunks int // Chunks kept, in document order (0 = all)
}

// Chunk splits markdown along its headings, falling back to recursive character
// splitting for sections still over the budget. Each chunk keeps its parent
// heading context so contact blocks stay attached to the section naming them.
func Chunk(markdown string, counter *TokenCounter, cfg ChunkConfig) ([]string, error) {
	if strings.TrimSpace(markdown) == "" {
		return nil, nil
	}
	if cfg.MaxTokens <= 0 {
		return []string{markdown}, nil
	}

	lenFunc := func(s string) int {
		if n := counter.Count(s); n >= 0 {
			return n
		}
		return len(s) / 4
	}

	recursive := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(cfg.MaxTokens),
		textsplitter.WithChunkOverlap(cfg.Overlap),
		textsplitter.WithLenFunc(lenFunc),
	)
	splitter := textsplitter.NewMarkdownTextSplitter(
		textsplitter.WithHeadingHierarchy(true),
		textsplitter.WithChunkSize(cfg.MaxTokens),
		textsplitter.WithChunkOverlap(cfg.Overlap),
		textsplitter.WithSecondSplitter(recursive),
		textsplitter.WithLenFunc(lenFunc),
	)

	parts, err := splitter.SplitText(markdown)
	if err != nil {
		return nil, err
	}

	chunks := make([]string, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		chunks = append(chunks, part)
		if cfg.MaxChunks > 0 && len(chunks) == cfg.MaxChunks {
			break
		}
	}
	return chunks, nil
}

// Inputs returns the page markdown as extractor-sized pieces: the whole page
// when it fits the token budget, otherwise its first chunks. Every piece is
// also cut to maxChars characters.
func (c *Content) Inputs(counter *TokenCounter, maxChars int, cfg ChunkConfig) ([]string, error) {
	if c.Markdown == "" {
		return nil, nil
	}
	if cfg.MaxTokens <= 0 || counter.Count(c.Markdown) <= cfg.MaxTokens {
		return []string{utils.TruncateRunes(c.Markdown, maxChars)}, nil
	}
	chunks, err := Chunk(c.Markdown, counter, cfg)
	if err != nil {
		return nil, err
	}
	for i, chunk := range chunks {
		chunks[i] = utils.TruncateRunes(counter.Truncate(chunk, cfg.MaxTokens), maxChars)
	}
	return chunks, nil
}
