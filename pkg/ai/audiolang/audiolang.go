// Package audiolang identifies the spoken language directly from audio,
// the way the prototype's LanguageDetector wraps SpeechBrain's
// VoxLingua107 encoder (original_source/ai/language_detector.py):
// narrowed to four supported languages, confidence gated at 0.7, and
// callers feed it only the opening seconds of a call via
// DetectFromGreeting.
package audiolang

import "context"

// SupportedLanguages mirrors the prototype's four-language subset of
// VoxLingua107's 107 classes.
var SupportedLanguages = map[string]string{
	"de": "German",
	"tr": "Turkish",
	"ru": "Russian",
	"en": "English",
}

const ConfidenceThreshold = 0.7

type Result struct {
	Language     string
	LanguageName string
	Confidence   float64
	AllScores    map[string]float64
}

func (r Result) IsConfident() bool { return r.Confidence >= ConfidenceThreshold }

// Classifier identifies the spoken language of a PCM buffer. Implementations
// load their model lazily the way neuralvad does.
type Classifier interface {
	Load(ctx context.Context) error
	IsLoaded() bool
	Classify(ctx context.Context, samples []float32, sampleRate int) (Result, error)
	Name() string
}

// DetectFromGreeting analyzes the opening seconds of a call and returns a
// result only when the classifier is confident, mirroring
// detect_language_from_greeting's min/max duration window and confidence
// gate.
func DetectFromGreeting(ctx context.Context, c Classifier, samples []float32, sampleRate int, minDuration, maxDuration float64) (*Result, error) {
	minSamples := int(minDuration * float64(sampleRate))
	maxSamples := int(maxDuration * float64(sampleRate))

	if len(samples) < minSamples {
		return nil, nil
	}

	segment := samples
	if len(segment) > maxSamples {
		segment = segment[:maxSamples]
	}

	if !c.IsLoaded() {
		if err := c.Load(ctx); err != nil {
			return nil, err
		}
	}

	result, err := c.Classify(ctx, segment, sampleRate)
	if err != nil {
		return nil, err
	}
	if !result.IsConfident() {
		return nil, nil
	}
	return &result, nil
}
