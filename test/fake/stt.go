// Package fake provides scriptable in-memory stand-ins for the pkg/ai
// capability interfaces, used across conversation/call-state-machine
// tests instead of real cloud or local providers.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/agent-handwerk/phone-agent-core/pkg/ai/stt"
)

// STT cycles through a fixed script of transcripts, mimicking a cloud
// provider's round-trip without any network dependency.
type STT struct {
	mu         sync.Mutex
	script     []string
	index      int
	language   string
	confidence float64
	delay      time.Duration
	loaded     bool
}

// NewSTT returns a fake STT that replies with script in order, repeating
// the last entry once exhausted. An empty script yields "".
func NewSTT(script ...string) *STT {
	return &STT{script: script, language: "de", confidence: 0.95}
}

func (f *STT) Load(ctx context.Context) error { f.loaded = true; return nil }
func (f *STT) IsLoaded() bool                  { return f.loaded }
func (f *STT) Name() string                    { return "fake-stt" }

func (f *STT) SetLanguage(language string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.language = language
}

func (f *STT) SetDelay(d time.Duration) { f.delay = d }

func (f *STT) next() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.script) == 0 {
		return ""
	}
	i := f.index
	if i >= len(f.script) {
		i = len(f.script) - 1
	} else {
		f.index++
	}
	return f.script[i]
}

func (f *STT) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.next(), nil
}

func (f *STT) TranscribeWithInfo(ctx context.Context, samples []float32, sampleRate int, language string) (stt.Result, error) {
	text, err := f.Transcribe(ctx, samples, sampleRate, language)
	if err != nil {
		return stt.Result{}, err
	}
	return stt.Result{Text: text, Language: f.language, Confidence: f.confidence}, nil
}
