// Package extractor proposes persuasion-tactic annotations for an article
// by asking a language model. Offsets returned by a model are treated as
// hints only; callers reconcile them against the article text.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/K-Schubert/mediawatch/internal/taxonomy"
)

// ErrDisabled is returned by the extractor used when no provider is configured.
var ErrDisabled = errors.New("extractor disabled")

// Candidate is one annotation proposed by a model.
type Candidate struct {
	Category        string `json:"category"`
	Subcategory     string `json:"subcategory"`
	HighlightedText string `json:"highlighted_text"`
	Start           *int   `json:"start_position,omitempty"`
	End             *int   `json:"end_position,omitempty"`
}

// Extractor proposes candidates for a text. Implementations must honour
// ctx cancellation.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]Candidate, error)
	Model() string
}

// Config selects and configures a provider.
type Config struct {
	Provider     string
	OpenAIAPIKey string
	OpenAIURL    string
	OpenAIModel  string
	GeminiAPIKey string
	GeminiModel  string
}

// New builds the extractor named by cfg.Provider.
func New(ctx context.Context, cfg Config, table *taxonomy.Table) (Extractor, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "none":
		return None{}, nil
	case "openai":
		return NewOpenAI(cfg.OpenAIURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, table)
	case "gemini":
		return NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, table)
	default:
		return nil, fmt.Errorf("unknown extractor provider %q", cfg.Provider)
	}
}

// None never proposes anything.
type None struct{}

func (None) Extract(context.Context, string) ([]Candidate, error) { return nil, ErrDisabled }
func (None) Model() string                                         { return "none" }

const systemInstruction = "You are an assistant that detects guard-dog tactics in news articles and outputs annotations in JSON format."

// BuildPrompt renders the user prompt for text using the tactic outline
// of table.
func BuildPrompt(table *taxonomy.Table, text string) string {
	if table == nil {
		table = taxonomy.Default()
	}
	var b strings.Builder
	b.WriteString("Analyze the following article text and extract any guard-dog tactics as annotations.\n\n")
	b.WriteString("Article Text:\n\"\"\"\n")
	b.WriteString(text)
	b.WriteString("\n\"\"\"\n\nGuard-Dog Tactics to Detect:\n")
	b.WriteString(table.Outline())
	b.WriteString(`
Instructions:
1. Extract all guard-dog tactics in the article.
2. Be concise and very specific; only include tactics directly present in the article.
3. "highlighted_text" must be copied verbatim from the article text.
4. Reply with a JSON object {"annotations": [...]} where each item has "category", "subcategory" and "highlighted_text".

Category is one of "A", "B", "C", "D".
Subcategory is one of the tactics listed above, including the number in parentheses.
`)
	return b.String()
}

type envelope struct {
	Annotations []Candidate `json:"annotations"`
}

// ParseCandidates decodes a model reply. Both {"annotations": [...]} and a
// bare array are accepted, optionally wrapped in a markdown code fence.
// Every item is kept in reply order, blank ones included, so results can be
// reported per proposed slot.
func ParseCandidates(raw string) ([]Candidate, error) {
	raw = stripFence(strings.TrimSpace(raw))
	if raw == "" {
		return nil, errors.New("empty model reply")
	}

	var out []Candidate
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("decode candidates: %w", err)
		}
	} else {
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("decode candidates: %w", err)
		}
		out = env.Annotations
	}

	for i := range out {
		out[i].Category = strings.ToUpper(strings.TrimSpace(out[i].Category))
		out[i].Subcategory = strings.TrimSpace(out[i].Subcategory)
	}
	return out, nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
