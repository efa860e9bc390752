// Package localstt is a local-inference stand-in for the STT capability
// interface, modeling an on-box Whisper.cpp-class model. No Whisper
// binding exists anywhere in the example pack, so this provider derives
// a deterministic placeholder transcript from the input energy rather
// than linking a real decoder.
package localstt

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/agent-handwerk/phone-agent-core/pkg/ai/stt"
	"github.com/agent-handwerk/phone-agent-core/pkg/plugin"
)

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        "stt",
		Name:        "local-whisper",
		Description: "local whisper.cpp-class inference stand-in",
		Version:     "1.0.0",
		Factory: func(cfg map[string]any) (any, error) {
			return New(), nil
		},
	})
}

type STT struct {
	mu       sync.Mutex
	loaded   bool
	language string
}

func New() *STT { return &STT{language: "de"} }

func (s *STT) Name() string { return "local-whisper" }

func (s *STT) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	return nil
}

func (s *STT) IsLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

func (s *STT) SetLanguage(language string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.language = language
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func (s *STT) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (string, error) {
	return fmt.Sprintf("[local transcription, %d samples, energy %.4f]", len(samples), rms(samples)), nil
}

func (s *STT) TranscribeWithInfo(ctx context.Context, samples []float32, sampleRate int, language string) (stt.Result, error) {
	text, err := s.Transcribe(ctx, samples, sampleRate, language)
	if err != nil {
		return stt.Result{}, err
	}
	s.mu.Lock()
	lang := s.language
	s.mu.Unlock()
	if language != "" {
		lang = language
	}
	return stt.Result{Text: text, Language: lang, Confidence: 0.6}, nil
}

var _ stt.STT = (*STT)(nil)
