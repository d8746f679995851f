package extract

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/leadforge/lead-scraper/pkg/config"
	"github.com/leadforge/lead-scraper/pkg/models"
)

// Extractor turns page content into candidate records shaped after a schema.
// Malformed model output is never an error: it yields an empty or partial list.
// Only backend failures (network, auth, timeout) are returned, wrapping ErrExtraction.
type Extractor interface {
	Extract(ctx context.Context, pageContent, objective string, fields []models.FieldDescriptor) ([]models.CandidateRecord, error)
}

// NoopExtractor finds nothing. It backs the "none" provider used for dry runs.
type NoopExtractor struct{}

// Extract always returns no records.
func (NoopExtractor) Extract(context.Context, string, string, []models.FieldDescriptor) ([]models.CandidateRecord, error) {
	return nil, nil
}

// NewFromConfig builds the extractor selected by the extraction section.
func NewFromConfig(cfg config.ExtractionConfig, log *logrus.Entry) (Extractor, error) {
	switch strings.ToLower(cfg.Provider) {
	case "none":
		log.Warn("Extraction provider is 'none': pages will yield no records")
		return NoopExtractor{}, nil
	case "", "openai":
		opts := []openai.Option{openai.WithModel(cfg.Model)}
		if cfg.APIKeyEnv != "" {
			opts = append(opts, openai.WithToken(os.Getenv(cfg.APIKeyEnv)))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		log.Infof("Extraction backend: openai-compatible model '%s'", cfg.Model)
		return NewLLMExtractor(model, Options{
			Temperature:   cfg.Temperature,
			MaxInputChars: cfg.MaxInputChars,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown extraction provider '%s'", cfg.Provider)
	}
}
