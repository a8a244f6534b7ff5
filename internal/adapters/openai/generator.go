// Package openai implements the text-generation port against the OpenAI
// chat completions API.
package openai

import (
	"context"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const systemPrompt = "You are the response generator of a task-oriented assistant. " +
	"Answer concisely and stay within the context you are given."

// chatService defines the minimal interface for chat completions, so tests
// can substitute a fake.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Generator wraps the OpenAI chat completion service behind ports.Generator.
type Generator struct {
	chat  chatService
	model openai.ChatModel
}

// Option configures the Generator.
type Option func(*Generator)

// WithModel overrides the default model.
func WithModel(model openai.ChatModel) Option {
	return func(g *Generator) { g.model = model }
}

// withChatService replaces the chat backend, for tests.
func withChatService(chat chatService) Option {
	return func(g *Generator) { g.chat = chat }
}

// NewGenerator initializes a generator using the OPENAI_API_KEY environment
// variable.
func NewGenerator(opts ...Option) (*Generator, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	g := &Generator{
		chat:  chatCompletions{client: &client},
		model: openai.ChatModelGPT4oMini,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate renders a single completion for the prompt.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// chatCompletions adapts the concrete client to chatService.
type chatCompletions struct {
	client *openai.Client
}

func (c chatCompletions) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	return c.client.Chat.Completions.New(ctx, params, opts...)
}
