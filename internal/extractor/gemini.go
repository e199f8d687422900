package extractor

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/K-Schubert/mediawatch/internal/taxonomy"
)

// Gemini asks a Gemini model for candidates using a response schema.
type Gemini struct {
	client *genai.Client
	model  string
	table  *taxonomy.Table
}

var _ Extractor = (*Gemini)(nil)

func NewGemini(ctx context.Context, apiKey, model string, table *taxonomy.Table) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model, table: table}, nil
}

func (g *Gemini) Model() string { return g.model }

func (g *Gemini) Extract(ctx context.Context, text string) ([]Candidate, error) {
	contents := []*genai.Content{
		{Parts: []*genai.Part{{Text: BuildPrompt(g.table, text)}}, Role: "user"},
	}
	temperature := float32(0)
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemInstruction}}},
		Temperature:       &temperature,
		ResponseMIMEType:  "application/json",
		ResponseSchema:    responseSchema(g.table),
	})
	if err != nil {
		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}
	return ParseCandidates(resp.Text())
}

func responseSchema(table *taxonomy.Table) *genai.Schema {
	categories := make([]string, 0, 4)
	for _, c := range taxonomy.Categories() {
		categories = append(categories, string(c))
	}
	if table == nil {
		table = taxonomy.Default()
	}
	var labels []string
	for _, c := range table.CategoryList() {
		for _, g := range c.Groups {
			for _, s := range g.Subcategories {
				labels = append(labels, s.Label)
			}
		}
	}

	item := &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"category":         {Type: genai.TypeString, Enum: categories},
			"subcategory":      {Type: genai.TypeString, Enum: labels, Description: "Tactic label including its number."},
			"highlighted_text": {Type: genai.TypeString, Description: "Verbatim excerpt of the article."},
		},
		Required: []string{"category", "subcategory", "highlighted_text"},
	}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"annotations": {Type: genai.TypeArray, Items: item},
		},
		Required: []string{"annotations"},
	}
}
