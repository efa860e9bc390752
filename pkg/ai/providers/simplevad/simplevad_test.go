package simplevad

import (
	"testing"

	"github.com/matryer/is"
)

func silence(n int) []float32 { return make([]float32, n) }

func tone(n int, amplitude float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = amplitude
	}
	return out
}

func TestIsSpeech_BelowThresholdIsSilence(t *testing.T) {
	is := is.New(t)
	v := New()
	speech, confidence, err := v.IsSpeech(silence(160), 16000)
	is.NoErr(err)
	is.True(!speech)
	is.Equal(confidence, 0.0)
}

func TestIsSpeech_AboveThresholdIsSpeech(t *testing.T) {
	is := is.New(t)
	v := New()
	speech, confidence, err := v.IsSpeech(tone(160, 0.5), 16000)
	is.NoErr(err)
	is.True(speech)
	is.True(confidence > 0)
	is.True(confidence <= 1.0)
}

func TestDetectSpeechSegments_MergesConsecutiveFrames(t *testing.T) {
	is := is.New(t)
	v := New()
	sampleRate := 16000
	samples := append(append(silence(sampleRate/2), tone(sampleRate, 0.5)...), silence(sampleRate/2)...)

	segments, err := v.DetectSpeechSegments(samples, sampleRate)
	is.NoErr(err)
	is.True(len(segments) >= 1)
	is.True(segments[0].Duration() > 0.5)
}

func TestReset_ClearsFrameCounters(t *testing.T) {
	is := is.New(t)
	v := New()
	v.speechFrames = 5
	v.silenceFrames = 3
	v.Reset()
	is.Equal(v.speechFrames, 0)
	is.Equal(v.silenceFrames, 0)
}
