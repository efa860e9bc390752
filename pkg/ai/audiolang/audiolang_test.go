package audiolang

import (
	"context"
	"testing"

	"github.com/matryer/is"
)

type stubClassifier struct {
	result     Result
	loaded     bool
	gotSamples int
}

func (s *stubClassifier) Load(ctx context.Context) error { s.loaded = true; return nil }
func (s *stubClassifier) IsLoaded() bool                 { return s.loaded }
func (s *stubClassifier) Classify(ctx context.Context, samples []float32, sampleRate int) (Result, error) {
	s.gotSamples = len(samples)
	return s.result, nil
}
func (s *stubClassifier) Name() string { return "stub" }

func TestDetectFromGreeting_TooShortReturnsNil(t *testing.T) {
	is := is.New(t)
	c := &stubClassifier{result: Result{Language: "de", Confidence: 0.9}}
	samples := make([]float32, 8000) // 0.5s at 16kHz, below the 1s minimum
	r, err := DetectFromGreeting(context.Background(), c, samples, 16000, 1.0, 5.0)
	is.NoErr(err)
	is.True(r == nil)
}

func TestDetectFromGreeting_ConfidentReturnsResult(t *testing.T) {
	is := is.New(t)
	c := &stubClassifier{result: Result{Language: "tr", LanguageName: "Turkish", Confidence: 0.85}}
	samples := make([]float32, 32000) // 2s
	r, err := DetectFromGreeting(context.Background(), c, samples, 16000, 1.0, 5.0)
	is.NoErr(err)
	is.True(r != nil)
	is.Equal(r.Language, "tr")
}

func TestDetectFromGreeting_UnconfidentReturnsNil(t *testing.T) {
	is := is.New(t)
	c := &stubClassifier{result: Result{Language: "ru", Confidence: 0.3}}
	samples := make([]float32, 32000)
	r, err := DetectFromGreeting(context.Background(), c, samples, 16000, 1.0, 5.0)
	is.NoErr(err)
	is.True(r == nil)
}

func TestDetectFromGreeting_TruncatesToMaxDuration(t *testing.T) {
	is := is.New(t)
	c := &stubClassifier{result: Result{Language: "de", Confidence: 0.95}}
	samples := make([]float32, 16000*10) // 10s, max is 5s
	_, err := DetectFromGreeting(context.Background(), c, samples, 16000, 1.0, 5.0)
	is.NoErr(err)
	is.Equal(c.gotSamples, 16000*5)
}
