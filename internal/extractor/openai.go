package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/K-Schubert/mediawatch/internal/taxonomy"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	endpoint   string
	model      string
	apiKey     string
	table      *taxonomy.Table
	httpClient *http.Client
}

var _ Extractor = (*OpenAI)(nil)

// NewOpenAI builds a client. baseURL is the API root, e.g.
// https://api.openai.com/v1.
func NewOpenAI(baseURL, apiKey, model string, table *taxonomy.Table) (*OpenAI, error) {
	if apiKey == "" || baseURL == "" || model == "" {
		return nil, errors.New("openai extractor misconfigured")
	}
	return &OpenAI{
		endpoint: strings.TrimRight(baseURL, "/") + "/chat/completions",
		model:    model,
		apiKey:   apiKey,
		table:    table,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}, nil
}

func (c *OpenAI) Model() string { return c.model }

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *OpenAI) Extract(ctx context.Context, text string) ([]Candidate, error) {
	body, err := json.Marshal(map[string]any{
		"model":       c.model,
		"temperature": 0,
		"max_tokens":  4096,
		"messages": []map[string]string{
			{"role": "system", "content": systemInstruction},
			{"role": "user", "content": BuildPrompt(c.table, text)},
		},
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal openai payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("openai error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}
	return ParseCandidates(out.Choices[0].Message.Content)
}
