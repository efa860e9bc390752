package fake

import (
	"context"
	"strings"
	"sync"

	"github.com/agent-handwerk/phone-agent-core/pkg/ai/llm"
)

// LLM cycles through a fixed script of replies. GenerateStreaming splits
// each scripted reply into the chunks set with SetStreamChunks, or, when
// none are set, into whitespace-preserving word chunks.
type LLM struct {
	mu           sync.Mutex
	script       []string
	index        int
	streamChunks [][]string // parallel to script; nil entries stream whole
	loaded       bool
}

// NewLLM returns a fake LLM that replies with script in order, repeating
// the last entry once exhausted.
func NewLLM(script ...string) *LLM {
	return &LLM{script: script}
}

func (f *LLM) Load(ctx context.Context) error { f.loaded = true; return nil }
func (f *LLM) IsLoaded() bool                  { return f.loaded }
func (f *LLM) Name() string                    { return "fake-llm" }

// SetStreamChunks overrides the token chunks emitted for the reply at
// index i of the script, allowing tests to script exact streaming
// boundaries (e.g. the sentence-extraction seed scenario).
func (f *LLM) SetStreamChunks(i int, chunks []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.streamChunks) <= i {
		f.streamChunks = append(f.streamChunks, nil)
	}
	f.streamChunks[i] = chunks
}

func (f *LLM) nextIndex() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.script) == 0 {
		return -1
	}
	i := f.index
	if i >= len(f.script) {
		i = len(f.script) - 1
	} else {
		f.index++
	}
	return i
}

func (f *LLM) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	i := f.nextIndex()
	if i < 0 {
		return "", nil
	}
	return f.script[i], nil
}

func (f *LLM) GenerateWithHistory(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error) {
	i := f.nextIndex()
	if i < 0 {
		return "", nil
	}
	return f.script[i], nil
}

func (f *LLM) GenerateStreaming(ctx context.Context, messages []llm.Message, opts llm.Options) (<-chan llm.StreamChunk, error) {
	i := f.nextIndex()
	ch := make(chan llm.StreamChunk, 8)

	go func() {
		defer close(ch)
		if i < 0 {
			return
		}

		var chunks []string
		if i < len(f.streamChunks) && f.streamChunks[i] != nil {
			chunks = f.streamChunks[i]
		} else {
			chunks = strings.SplitAfter(f.script[i], " ")
		}

		for _, c := range chunks {
			select {
			case ch <- llm.StreamChunk{Token: c}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}
