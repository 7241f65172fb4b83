package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// GeminiSearch runs research sessions on Gemini with Google Search grounding.
type GeminiSearch struct {
	client *genai.Client
	model  string
}

// NewGeminiSearch creates a grounded search client. A non-empty baseURL
// overrides the API endpoint.
func NewGeminiSearch(ctx context.Context, apiKey, model, baseURL string, httpClient *http.Client) (*GeminiSearch, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}

	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiSearch{client: client, model: model}, nil
}

// Name returns the model name.
func (g *GeminiSearch) Name() string {
	return "gemini-search:" + g.model
}

// StartSession opens a grounded conversation with the given system instructions.
func (g *GeminiSearch) StartSession(_ context.Context, instructions string) (SearchSession, error) {
	temp := float32(0.3)
	return &groundedSession{
		search: g,
		config: &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(instructions, genai.RoleUser),
			Temperature:       &temp,
			Tools:             []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
		},
	}, nil
}

type groundedSession struct {
	search  *GeminiSearch
	config  *genai.GenerateContentConfig
	history []*genai.Content
}

// Send appends a user turn and returns the model's grounded reply. A failed
// call leaves the history unchanged so the turn can be re-sent.
func (s *groundedSession) Send(ctx context.Context, message string) (string, error) {
	contents := append(s.history, genai.NewContentFromText(message, genai.RoleUser))

	resp, err := s.search.client.Models.GenerateContent(ctx, s.search.model, contents, s.config)
	if err != nil {
		return "", Wrap(s.search.Name(), err)
	}

	text, reply := groundedText(resp)
	if reply == nil {
		reply = genai.NewContentFromText(text, genai.RoleModel)
	}
	s.history = append(contents, reply)
	return StripThinking(text), nil
}

func groundedText(resp *genai.GenerateContentResponse) (string, *genai.Content) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}
	content := resp.Candidates[0].Content
	var sb strings.Builder
	for _, part := range content.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String(), content
}
