package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cloo-solutions/docrag/internal/domain"
)

const (
	// DefaultEmbeddingModel is the model used for generating embeddings
	DefaultEmbeddingModel = string(openai.SmallEmbedding3)
	// DefaultEmbeddingDimensions is the expected dimension of DefaultEmbeddingModel vectors
	DefaultEmbeddingDimensions = 1536
	// DefaultChatModel answers questions over retrieved context
	DefaultChatModel = openai.GPT4oMini
	// DefaultTimeout bounds every outbound call
	DefaultTimeout = 30 * time.Second
)

var (
	// ErrEmptyText is returned when text is empty
	ErrEmptyText = domain.NewDomainError(domain.ErrCodeInvalidInput, "text cannot be empty")
	// ErrNoAPIKey is returned when neither an API key nor a custom base URL is configured
	ErrNoAPIKey = errors.New("embedding API key not set")
)

// EmbeddingAPI defines the interface for embedding generation
type EmbeddingAPI interface {
	CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatAPI defines the interface for text generation
type ChatAPI interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Client wraps an OpenAI-compatible API. It embeds text and generates answers.
type Client struct {
	api        EmbeddingAPI
	chat       ChatAPI
	model      string
	dimensions int
}

// OpenAIAdapter adapts go-openai to EmbeddingAPI and ChatAPI.
type OpenAIAdapter struct {
	client         *openai.Client
	embeddingModel openai.EmbeddingModel
	chatModel      string
}

func NewOpenAIAdapter(cfg Config) *OpenAIAdapter {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	model := cfg.EmbeddingModel
	if model == "" {
		model = DefaultEmbeddingModel
	}
	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = DefaultChatModel
	}
	return &OpenAIAdapter{
		client:         openai.NewClientWithConfig(clientCfg),
		embeddingModel: openai.EmbeddingModel(model),
		chatModel:      chatModel,
	}
}

// CreateEmbeddings calls the embeddings endpoint with one or more inputs
func (a *OpenAIAdapter) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := a.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: a.embeddingModel,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(texts))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) {
			idx = i
		}
		out[idx] = d.Embedding
	}
	return out, nil
}

// Complete runs a single-turn chat completion
func (a *OpenAIAdapter) Complete(ctx context.Context, system, prompt string) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    a.chatModel,
		Messages: messages,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no completion choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

type Config struct {
	APIKey              string
	BaseURL             string // OpenAI-compatible endpoint, e.g. a local Ollama server
	EmbeddingModel      string
	EmbeddingDimensions int
	ChatModel           string
	Timeout             time.Duration
}

// NewClient creates a new client using defaults.
func NewClient(apiKey string) *Client {
	return NewClientWithConfig(Config{APIKey: apiKey})
}

// NewClientWithConfig creates a new client with explicit configuration.
func NewClientWithConfig(cfg Config) *Client {
	adapter := NewOpenAIAdapter(cfg)
	return NewClientWithAPI(adapter, adapter, string(adapter.embeddingModel), cfg.EmbeddingDimensions)
}

// NewClientWithAPI builds a client over arbitrary API implementations.
func NewClientWithAPI(api EmbeddingAPI, chat ChatAPI, model string, dimensions int) *Client {
	if dimensions <= 0 {
		dimensions = DefaultEmbeddingDimensions
	}
	return &Client{
		api:        api,
		chat:       chat,
		model:      model,
		dimensions: dimensions,
	}
}

// Dimensions returns the vector size every embedding must have
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Model returns the embedding model name
func (c *Client) Model() string {
	return c.model
}

// Embed generates an embedding for the given text
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for several texts in one request
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, ErrEmptyText
		}
	}

	vectors, err := c.api.CreateEmbeddings(ctx, texts)
	if err != nil {
		return nil, classify("create embedding", err)
	}

	for _, v := range vectors {
		if len(v) != c.dimensions {
			return nil, domain.NewDomainError(domain.ErrCodeInvalidInput,
				fmt.Sprintf("embedding has %d dimensions, expected %d", len(v), c.dimensions))
		}
	}
	return vectors, nil
}

// Generate produces a completion for prompt
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	if c.chat == nil {
		return "", domain.NewDomainError(domain.ErrCodeTransientDependency, "language model not configured")
	}
	out, err := c.chat.Complete(ctx, system, prompt)
	if err != nil {
		return "", classify("generate", err)
	}
	return out, nil
}

// classify maps upstream failures onto the retry taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests:
		return domain.NewDomainErrorWithCause(domain.ErrCodeRateLimited, op+" rate limited", err)
	case status == http.StatusBadRequest, status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnprocessableEntity:
		return domain.NewDomainErrorWithCause(domain.ErrCodeInvalidInput, op+" rejected input", err)
	case status >= 500, status == http.StatusRequestTimeout:
		return domain.NewDomainErrorWithCause(domain.ErrCodeEmbeddingUnavailable, op+" upstream error", err)
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusNotFound:
		return domain.NewDomainErrorWithCause(domain.ErrCodeEmbeddingUnavailable, op+" misconfigured", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return domain.NewDomainErrorWithCause(domain.ErrCodeEmbeddingUnavailable, op+" timed out", err)
	}
	return domain.NewDomainErrorWithCause(domain.ErrCodeEmbeddingUnavailable, op+" failed", err)
}
