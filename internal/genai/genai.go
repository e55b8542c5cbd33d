// Package genai wraps the OpenAI API for conversation-plan extraction.
//
// The model is treated as an untrusted structured-output capability: callers
// receive the raw completion text and parse it defensively.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/citabot/citabot/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is the completion model used for plan extraction.
var DefaultModel = openai.ChatModelGPT4oMini

// ExtractionTemperature keeps slot extraction near-deterministic while leaving
// the generated replies a little room to phrase things naturally.
const ExtractionTemperature = 0.2

// chatService defines the minimal interface for chat completions, so tests
// can substitute a mock for the real OpenAI client.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// openaiChatService adapts the real client to chatService.
type openaiChatService struct {
	client openai.Client
}

func (s *openaiChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return s.client.Chat.Completions.New(ctx, params)
}

// ClientInterface is the capability the orchestrator depends on.
type ClientInterface interface {
	// ExtractPlan runs one extraction pass over the conversation and returns
	// the raw model output (expected to be the plan JSON).
	ExtractPlan(ctx context.Context, systemPrompt string, history []models.Turn, userMessage string) (string, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the completion model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat-completion service.
type Client struct {
	chat  chatService
	model openai.ChatModel
}

// Compile-time check that Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)

// NewClient initializes a GenAI client, falling back to the OPENAI_API_KEY
// environment variable when no key option is given.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	model := DefaultModel
	if cfg.Model != "" {
		model = openai.ChatModel(cfg.Model)
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: client initialized", "model", model)
	return &Client{chat: &openaiChatService{client: cli}, model: model}, nil
}

// ExtractPlan sends the system prompt, prior turns, and the latest user
// message to the model with JSON-object output forced and low temperature.
func (c *Client) ExtractPlan(ctx context.Context, systemPrompt string, history []models.Turn, userMessage string) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(systemPrompt))
	for _, turn := range history {
		switch turn.Role {
		case "user":
			messages = append(messages, openai.UserMessage(turn.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(userMessage))

	params := openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    messages,
		Temperature: openai.Float(ExtractionTemperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("genai.ExtractPlan: completion request failed", "error", err)
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("genai.ExtractPlan: no choices returned")
		return "", fmt.Errorf("no choices returned")
	}

	content := resp.Choices[0].Message.Content
	slog.Debug("genai.ExtractPlan: completion received", "content_length", len(content))
	return content, nil
}
