// Package genai provides chat completion and embedding operations backed by
// the OpenAI API.
package genai

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/Alexgub84/hands-and-fire-chat-be/internal/models"
)

// Default model identifiers.
const (
	DefaultChatModel      = "gpt-4o-mini"
	DefaultEmbeddingModel = "text-embedding-3-small"
)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// embeddingService defines the minimal interface for embedding generation.
type embeddingService interface {
	Create(ctx context.Context, params openai.EmbeddingNewParams) (openai.CreateEmbeddingResponse, error)
}

type openaiChat struct{ cli openai.Client }

func (o openaiChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := o.cli.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

type openaiEmbeddings struct{ cli openai.Client }

func (o openaiEmbeddings) Create(ctx context.Context, params openai.EmbeddingNewParams) (openai.CreateEmbeddingResponse, error) {
	resp, err := o.cli.Embeddings.New(ctx, params)
	if err != nil {
		return openai.CreateEmbeddingResponse{}, err
	}
	return *resp, nil
}

// Client wraps the OpenAI chat completion and embedding services.
type Client struct {
	chat           chatService
	embeddings     embeddingService
	chatModel      string
	embeddingModel string
	temperature    *float64
}

// Opts holds configuration options for the client.
type Opts struct {
	APIKey         string
	ChatModel      string
	EmbeddingModel string
	Temperature    *float64
}

// Option configures the client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithChatModel sets the chat completion model.
func WithChatModel(model string) Option {
	return func(o *Opts) { o.ChatModel = model }
}

// WithEmbeddingModel sets the embedding model.
func WithEmbeddingModel(model string) Option {
	return func(o *Opts) { o.EmbeddingModel = model }
}

// WithTemperature sets the completion sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = &t }
}

// NewClient initializes a GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable when not supplied via options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("OPENAI_API_KEY not set")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: initialized", "chatModel", cfg.ChatModel, "embeddingModel", cfg.EmbeddingModel)
	return &Client{
		chat:           openaiChat{cli},
		embeddings:     openaiEmbeddings{cli},
		chatModel:      cfg.ChatModel,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
	}, nil
}

// ChatModel returns the configured chat completion model identifier.
func (c *Client) ChatModel() string { return c.chatModel }

// Complete sends the chat turns to the completion endpoint and returns the
// assistant's reply text. An empty completion is an error, never a valid reply.
func (c *Client) Complete(ctx context.Context, turns []models.ChatTurn) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    c.chatModel,
		Messages: toMessageParams(turns),
	}
	if c.temperature != nil {
		params.Temperature = openai.Float(*c.temperature)
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		return "", classify("Client.Complete", err)
	}
	if len(resp.Choices) == 0 {
		return "", models.ErrNoChoices
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", models.ErrEmptyCompletion
	}
	return content, nil
}

// Embed generates one embedding vector per input text.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.embeddings.Create(ctx, openai.EmbeddingNewParams{
		Model: c.embeddingModel,
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, classify("Client.Embed", err)
	}

	out := make([][]float32, len(resp.Data))
	for _, item := range resp.Data {
		vec := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		if int(item.Index) < len(out) {
			out[item.Index] = vec
		}
	}
	return out, nil
}

// toMessageParams converts chat turns to OpenAI message params. Unknown roles
// map to user messages so a malformed turn cannot drop content silently.
func toMessageParams(turns []models.ChatTurn) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, turn := range turns {
		text := turn.Text()
		switch turn.Role {
		case models.RoleSystem:
			messages = append(messages, openai.SystemMessage(text))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(text))
		default:
			messages = append(messages, openai.UserMessage(text))
		}
	}
	return messages
}

// classify wraps an OpenAI API error with an upstream error class so callers
// can distinguish rate limiting and invalid requests from transient failures.
func classify(op string, err error) error {
	var apiErr *openai.Error
	class := models.UpstreamOther
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			class = models.UpstreamRateLimited
		case 400:
			class = models.UpstreamInvalidRequest
		}
	}
	return &models.UpstreamError{Class: class, Op: op, Message: err.Error(), Err: err}
}
