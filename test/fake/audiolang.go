package fake

import (
	"context"

	"github.com/agent-handwerk/phone-agent-core/pkg/ai/audiolang"
)

// AudioLangClassifier returns a fixed result on every Classify call, so
// tests can drive the audio-based greeting detection path without a
// real embedding model.
type AudioLangClassifier struct {
	Result audiolang.Result
	loaded bool
	Calls  int
}

func NewAudioLangClassifier(result audiolang.Result) *AudioLangClassifier {
	return &AudioLangClassifier{Result: result}
}

func (f *AudioLangClassifier) Name() string { return "fake-audiolang" }

func (f *AudioLangClassifier) Load(ctx context.Context) error {
	f.loaded = true
	return nil
}

func (f *AudioLangClassifier) IsLoaded() bool { return f.loaded }

func (f *AudioLangClassifier) Classify(ctx context.Context, samples []float32, sampleRate int) (audiolang.Result, error) {
	f.Calls++
	return f.Result, nil
}

var _ audiolang.Classifier = (*AudioLangClassifier)(nil)
