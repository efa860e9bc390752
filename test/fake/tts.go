package fake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agent-handwerk/phone-agent-core/pkg/ai/tts"
)

// TTS returns a deterministic placeholder byte buffer per call and counts
// invocations, letting tests assert "TTS was called N times" (seed
// scenario 1) without decoding real audio.
type TTS struct {
	mu     sync.Mutex
	calls  int64
	loaded bool
}

func NewTTS() *TTS { return &TTS{} }

func (f *TTS) Load(ctx context.Context, language string) error { f.loaded = true; return nil }
func (f *TTS) IsLoaded() bool                                   { return f.loaded }
func (f *TTS) Name() string                                     { return "fake-tts" }

// Calls reports how many times Synthesize or SynthesizeToArray ran.
func (f *TTS) Calls() int64 { return atomic.LoadInt64(&f.calls) }

func (f *TTS) Synthesize(ctx context.Context, text string, format tts.Format, language string) ([]byte, error) {
	atomic.AddInt64(&f.calls, 1)
	return []byte(fmt.Sprintf("AUDIO[%s]:%s", format, text)), nil
}

func (f *TTS) SynthesizeToArray(ctx context.Context, text string, language string) ([]float32, int, error) {
	atomic.AddInt64(&f.calls, 1)
	samples := make([]float32, len(text))
	for i := range samples {
		samples[i] = 0.01
	}
	return samples, 16000, nil
}
