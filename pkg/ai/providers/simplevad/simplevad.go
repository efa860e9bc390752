// Package simplevad implements an RMS energy threshold VAD, the fallback
// backend when no neural model is configured. Grounded on the prototype's
// SimpleVAD (original_source/ai/vad.py): energy above threshold is speech,
// confidence is RMS scaled against five times the threshold and capped at 1.
package simplevad

import (
	"math"

	"github.com/agent-handwerk/phone-agent-core/pkg/ai/vad"
	"github.com/agent-handwerk/phone-agent-core/pkg/plugin"
)

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        "vad",
		Name:        "simple-rms",
		Description: "RMS energy threshold VAD",
		Version:     "1.0.0",
		Factory: func(cfg map[string]any) (any, error) {
			v := New()
			if threshold, ok := cfg["threshold"].(float64); ok && threshold > 0 {
				v.Threshold = threshold
			}
			return v, nil
		},
	})
}

const (
	DefaultThreshold           = 0.02
	DefaultMinSpeechDuration   = 100 // milliseconds
	DefaultMinSilenceDuration  = 300 // milliseconds
)

type VAD struct {
	Threshold          float64
	MinSpeechDuration  int
	MinSilenceDuration int

	speechFrames  int
	silenceFrames int
}

func New() *VAD {
	return &VAD{
		Threshold:          DefaultThreshold,
		MinSpeechDuration:  DefaultMinSpeechDuration,
		MinSilenceDuration: DefaultMinSilenceDuration,
	}
}

func (v *VAD) Name() string { return "simple-rms" }

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func (v *VAD) IsSpeech(samples []float32, sampleRate int) (bool, float64, error) {
	energy := rms(samples)
	isSpeech := energy > v.Threshold
	if !isSpeech {
		return false, 0, nil
	}
	confidence := energy / (v.Threshold * 5)
	if confidence > 1.0 {
		confidence = 1.0
	}
	return true, confidence, nil
}

func (v *VAD) Reset() {
	v.speechFrames = 0
	v.silenceFrames = 0
}

// DetectSpeechSegments slides a 30ms window across samples and merges
// consecutive speech frames into segments, matching the min_speech_duration
// and min_silence_duration gating the prototype applies around its
// frame-by-frame is_speech calls.
func (v *VAD) DetectSpeechSegments(samples []float32, sampleRate int) ([]vad.Segment, error) {
	frameLen := sampleRate * 30 / 1000
	if frameLen <= 0 {
		frameLen = 480
	}

	var segments []vad.Segment
	var active bool
	var start int
	var lastConfidence float64

	minSpeechFrames := v.MinSpeechDuration * sampleRate / 1000
	minSilenceFrames := v.MinSilenceDuration * sampleRate / 1000

	flush := func(end int) {
		if end-start >= minSpeechFrames {
			segments = append(segments, vad.Segment{
				StartTime:  float64(start) / float64(sampleRate),
				EndTime:    float64(end) / float64(sampleRate),
				Confidence: lastConfidence,
			})
		}
	}

	silenceRun := 0
	for i := 0; i < len(samples); i += frameLen {
		end := i + frameLen
		if end > len(samples) {
			end = len(samples)
		}
		isSpeech, confidence, _ := v.IsSpeech(samples[i:end], sampleRate)
		if isSpeech {
			if !active {
				active = true
				start = i
			}
			lastConfidence = confidence
			silenceRun = 0
		} else if active {
			silenceRun += end - i
			if silenceRun >= minSilenceFrames {
				flush(i - silenceRun)
				active = false
				silenceRun = 0
			}
		}
	}
	if active {
		flush(len(samples))
	}

	return segments, nil
}

var _ vad.VAD = (*VAD)(nil)
