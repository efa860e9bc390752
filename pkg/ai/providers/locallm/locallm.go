// Package locallm is a local-inference stand-in for the LLM capability
// interface. It models the shape of an on-box llama.cpp-class model
// (load once, generate synchronously, stream token-by-token) without
// linking an inference engine — no such binding exists anywhere in the
// example pack to ground a real one on.
package locallm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/agent-handwerk/phone-agent-core/pkg/ai/llm"
	"github.com/agent-handwerk/phone-agent-core/pkg/plugin"
)

// LLM is a minimal template-based responder standing in for a local
// model. It acknowledges the last user turn so conversation-engine tests
// and HYBRID/LOCAL mode wiring have something plausible to drive without
// requiring a GPU or a model file at startup.
type LLM struct {
	mu     sync.Mutex
	loaded bool
}

func New() *LLM { return &LLM{} }

func (l *LLM) Name() string { return "local-llama" }

func (l *LLM) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded = true
	return nil
}

func (l *LLM) IsLoaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

func (l *LLM) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	return fmt.Sprintf("Ich habe verstanden: %s", strings.TrimSpace(prompt)), nil
}

func (l *LLM) GenerateWithHistory(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error) {
	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			last = messages[i].Content
			break
		}
	}
	return l.Generate(ctx, last, opts)
}

func (l *LLM) GenerateStreaming(ctx context.Context, messages []llm.Message, opts llm.Options) (<-chan llm.StreamChunk, error) {
	reply, err := l.GenerateWithHistory(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.StreamChunk, 4)
	go func() {
		defer close(ch)
		for _, tok := range strings.SplitAfter(reply, " ") {
			select {
			case ch <- llm.StreamChunk{Token: tok}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        "llm",
		Name:        "local-llama",
		Description: "local llama.cpp-class inference stand-in",
		Version:     "1.0.0",
		Factory: func(cfg map[string]any) (any, error) {
			return New(), nil
		},
	})
}

var _ llm.LLM = (*LLM)(nil)
