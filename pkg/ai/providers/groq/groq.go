// Package groq drives Groq's chat-completions API as the cloud LLM
// provider. Groq's endpoint is OpenAI-wire-compatible, so this wraps
// github.com/sashabaranov/go-openai pointed at Groq's BaseURL rather than
// a bespoke HTTP client, matching the teacher's own plugins/openai/llm.go
// use of the same SDK.
package groq

import (
	"context"
	"errors"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agent-handwerk/phone-agent-core/pkg/ai/llm"
	"github.com/agent-handwerk/phone-agent-core/pkg/plugin"
	"github.com/agent-handwerk/phone-agent-core/pkg/resilience"
)

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        "llm",
		Name:        "groq",
		Description: "Groq chat-completions API, OpenAI wire-compatible",
		Version:     "1.0.0",
		Factory: func(cfg map[string]any) (any, error) {
			apiKey, _ := cfg["api_key"].(string)
			if apiKey == "" {
				return nil, errors.New("groq: api_key is required")
			}
			model, _ := cfg["model"].(string)
			return New(apiKey, model, nil, nil), nil
		},
	})
}

const baseURL = "https://api.groq.com/openai/v1"

// DefaultModel matches the original prototype's configured Groq model.
const DefaultModel = "llama-3.3-70b-versatile"

type LLM struct {
	client  *openai.Client
	model   string
	breaker *resilience.Breaker
	retry   resilience.Policy
	logger  *slog.Logger
}

// New constructs a Groq-backed LLM. logger may be nil.
func New(apiKey, model string, breakers *resilience.Registry, logger *slog.Logger) *LLM {
	if model == "" {
		model = DefaultModel
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	if breakers == nil {
		breakers = resilience.Default
	}
	return &LLM{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		breaker: breakers.Get("groq_api"),
		retry:   resilience.DefaultPolicy,
		logger:  logger,
	}
}

func (g *LLM) Name() string { return "groq" }

func (g *LLM) Load(ctx context.Context) error { return nil }
func (g *LLM) IsLoaded() bool                  { return true }

func toOpenAI(messages []llm.Message, systemPrompt string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 401, 403, 400, 404:
			return resilience.NewFatal(err, "groq request rejected")
		}
	}
	return resilience.NewRecoverable(err, "groq request failed")
}

func (g *LLM) GenerateWithHistory(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error) {
	var reply string
	err := g.breaker.Do(func() error {
		return g.retry.Do(ctx, g.logger, "groq.chat", func(ctx context.Context) error {
			resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:       g.model,
				Messages:    toOpenAI(messages, opts.SystemPrompt),
				MaxTokens:   opts.MaxTokens,
				Temperature: opts.Temperature,
			})
			if err != nil {
				return classify(err)
			}
			if len(resp.Choices) == 0 {
				return resilience.NewFatal(errors.New("no choices"), "groq returned no completion choices")
			}
			reply = resp.Choices[0].Message.Content
			return nil
		})
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return "", err
	}
	return reply, err
}

func (g *LLM) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	return g.GenerateWithHistory(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, opts)
}

func (g *LLM) GenerateStreaming(ctx context.Context, messages []llm.Message, opts llm.Options) (<-chan llm.StreamChunk, error) {
	if !g.breaker.Allow() {
		return nil, resilience.ErrCircuitOpen
	}

	stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    toOpenAI(messages, opts.SystemPrompt),
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stream:      true,
	})
	if err != nil {
		g.breaker.RecordFailure()
		return nil, classify(err)
	}

	ch := make(chan llm.StreamChunk, 16)
	go func() {
		defer close(ch)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					g.breaker.RecordSuccess()
					return
				}
				g.breaker.RecordFailure()
				select {
				case ch <- llm.StreamChunk{Err: classify(err)}:
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			tok := resp.Choices[0].Delta.Content
			if tok == "" {
				continue
			}
			select {
			case ch <- llm.StreamChunk{Token: tok}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

var _ llm.LLM = (*LLM)(nil)
