package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"

	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/page"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

// Options tunes a single extraction call.
type Options struct {
	Temperature   float64
	MaxInputChars int // Page text sent to the model is cut to this many characters
}

// LLMExtractor asks a language model for JSON records and recovers them from its reply.
type LLMExtractor struct {
	model llms.Model
	opts  Options
	log   *logrus.Entry
}

// NewLLMExtractor wraps any langchaingo model.
func NewLLMExtractor(model llms.Model, opts Options, log *logrus.Entry) *LLMExtractor {
	return &LLMExtractor{model: model, opts: opts, log: log}
}

// Extract sends one prompt per call and parses whatever JSON the reply carries.
func (e *LLMExtractor) Extract(ctx context.Context, pageContent, objective string, fields []models.FieldDescriptor) ([]models.CandidateRecord, error) {
	if strings.TrimSpace(pageContent) == "" {
		return nil, nil
	}
	prompt := BuildPrompt(utils.TruncateRunes(pageContent, e.opts.MaxInputChars), objective, fields)

	reply, err := llms.GenerateFromSinglePrompt(ctx, e.model, prompt,
		llms.WithTemperature(e.opts.Temperature),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrExtraction, err)
	}

	records := ParseRecords(reply)
	if len(records) == 0 && strings.TrimSpace(reply) != "" {
		e.log.Debugf("Model reply held no usable records (%d characters)", len(reply))
	}
	return records, nil
}

// BuildPrompt renders the instruction for one page.
func BuildPrompt(pageContent, objective string, fields []models.FieldDescriptor) string {
	var b strings.Builder
	b.WriteString("You extract contact and company records from a web page.\n")
	if objective = strings.TrimSpace(objective); objective != "" {
		fmt.Fprintf(&b, "Objective: %s\n", objective)
	}

	b.WriteString("\nEach record is a JSON object with these keys:\n")
	for _, f := range fields {
		typ := f.Type
		if typ == "" {
			typ = models.FieldTypeText
		}
		req := "optional"
		if f.Required {
			req = "required"
		}
		fmt.Fprintf(&b, "- %s (%s, %s)\n", f.Name, typ, req)
	}
	b.WriteString("Also include, when present: nom, email, telephone, entreprise, poste.\n")

	if headings := page.Headings([]byte(pageContent)); len(headings) > 0 {
		b.WriteString("\nPage outline:\n")
		for _, h := range headings {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}

	b.WriteString("\nRules:\n")
	b.WriteString("- Only use information written on the page. Never invent values.\n")
	b.WriteString("- Use an empty string for a value that is not on the page.\n")
	b.WriteString("- One record per person or organization.\n")
	b.WriteString(`- Answer with a JSON array only, for example [{"nom": "...", "email": "..."}]. Answer [] when nothing matches.` + "\n")

	b.WriteString("\nPage content:\n")
	b.WriteString(pageContent)
	return b.String()
}
