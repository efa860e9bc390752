package fake

import "github.com/agent-handwerk/phone-agent-core/pkg/ai/vad"

// VAD classifies every buffer using a fixed RMS-free threshold on a
// scripted per-call sequence, letting tests drive exact speech/silence
// patterns without synthesizing real audio energy.
type VAD struct {
	script []bool
	index  int
}

// NewVAD returns a fake VAD that reports script[i] for the i-th call to
// IsSpeech, repeating the last value once exhausted. An empty script
// always reports silence.
func NewVAD(script ...bool) *VAD {
	return &VAD{script: script}
}

func (f *VAD) Name() string { return "fake-vad" }
func (f *VAD) Reset()        { f.index = 0 }

func (f *VAD) IsSpeech(samples []float32, sampleRate int) (bool, float64, error) {
	if len(f.script) == 0 {
		return false, 0, nil
	}
	i := f.index
	if i >= len(f.script) {
		i = len(f.script) - 1
	} else {
		f.index++
	}
	speech := f.script[i]
	conf := 0.1
	if speech {
		conf = 0.9
	}
	return speech, conf, nil
}

func (f *VAD) DetectSpeechSegments(samples []float32, sampleRate int) ([]vad.Segment, error) {
	return nil, nil
}
