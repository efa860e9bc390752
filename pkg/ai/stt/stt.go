// Package stt defines the speech-to-text capability interface shared by
// every transcription backend the phone agent can drive, cloud or local.
package stt

import "context"

// Result is the outcome of a transcription, carrying the detected
// language and a confidence score alongside the text.
type Result struct {
	Text       string
	Language   string
	Confidence float64
}

// STT is the capability interface every speech-to-text backend
// implements. Providers are expected to be safe for concurrent use across
// calls; the factory only constructs one instance per provider kind.
type STT interface {
	// Load prepares the provider (connecting, warming a local model, …).
	// Safe to call more than once; subsequent calls after a successful
	// load are no-ops.
	Load(ctx context.Context) error

	// IsLoaded reports whether Load has completed successfully.
	IsLoaded() bool

	// Transcribe returns the recognized text for samples at sampleRate.
	// language, if non-empty, hints the expected spoken language;
	// otherwise the provider auto-detects.
	Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (string, error)

	// TranscribeWithInfo is Transcribe plus detected language and
	// confidence, used by the conversation engine's re-detection path.
	TranscribeWithInfo(ctx context.Context, samples []float32, sampleRate int, language string) (Result, error)

	// SetLanguage changes the provider's default recognition language for
	// subsequent calls. Providers that only auto-detect may no-op.
	SetLanguage(language string)

	// Name identifies the provider for logging, metrics, and breaker
	// naming (e.g. "deepgram", "local-whisper").
	Name() string
}
