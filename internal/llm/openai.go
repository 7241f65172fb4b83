package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProcessor implements Processor for OpenAI-compatible chat completion APIs,
// including local servers such as Ollama.
type OpenAIProcessor struct {
	client *openai.Client
	model  string
	// jsonMode requests response_format=json_object; some local servers reject it.
	jsonMode bool
}

// NewOpenAIProcessor creates a processor. An empty baseURL targets api.openai.com.
func NewOpenAIProcessor(apiKey, model, baseURL string, httpClient *http.Client) (*OpenAIProcessor, error) {
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if apiKey == "" && baseURL == "" {
		return nil, fmt.Errorf("API key is required")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAIProcessor{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		jsonMode: baseURL == "",
	}, nil
}

// Name returns the model name.
func (o *OpenAIProcessor) Name() string {
	return "openai:" + o.model
}

// GenerateContent generates free text.
func (o *OpenAIProcessor) GenerateContent(ctx context.Context, prompt string) (string, error) {
	return o.complete(ctx, prompt, false)
}

// GenerateJSON generates a JSON document.
func (o *OpenAIProcessor) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	text, err := o.complete(ctx, prompt, o.jsonMode)
	if err != nil {
		return "", err
	}
	return CleanJSONBlock(text), nil
}

func (o *OpenAIProcessor) complete(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: 0.1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", Wrap(o.Name(), err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return StripThinking(resp.Choices[0].Message.Content), nil
}
