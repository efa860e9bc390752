// Package localtts is a local-inference stand-in for the TTS capability
// interface, modeling an on-box Piper-class synthesizer. No Piper
// binding exists anywhere in the example pack, so this provider emits a
// silent PCM buffer sized to the input text rather than linking a real
// vocoder.
package localtts

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/agent-handwerk/phone-agent-core/pkg/ai/tts"
	"github.com/agent-handwerk/phone-agent-core/pkg/plugin"
)

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        "tts",
		Name:        "local-piper",
		Description: "local piper-class inference stand-in",
		Version:     "1.0.0",
		Factory: func(cfg map[string]any) (any, error) {
			return New(), nil
		},
	})
}

const sampleRate = 16000

type TTS struct {
	mu     sync.Mutex
	loaded bool
}

func New() *TTS { return &TTS{} }

func (t *TTS) Name() string { return "local-piper" }

func (t *TTS) Load(ctx context.Context, language string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loaded = true
	return nil
}

func (t *TTS) IsLoaded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loaded
}

// sampleCount approximates spoken duration at ~12 characters/second.
func sampleCount(text string) int {
	seconds := float64(len(text)) / 12.0
	if seconds < 0.2 {
		seconds = 0.2
	}
	return int(seconds * sampleRate)
}

func (t *TTS) SynthesizeToArray(ctx context.Context, text string, language string) ([]float32, int, error) {
	return make([]float32, sampleCount(text)), sampleRate, nil
}

func (t *TTS) Synthesize(ctx context.Context, text string, format tts.Format, language string) ([]byte, error) {
	samples, _, err := t.SynthesizeToArray(ctx, text, language)
	if err != nil {
		return nil, err
	}
	if format == tts.FormatRaw {
		buf := make([]byte, len(samples)*2)
		for i, s := range samples {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(s*32767)))
		}
		return buf, nil
	}
	return encodeWAV(samples, sampleRate), nil
}

func encodeWAV(samples []float32, rate int) []byte {
	dataLen := len(samples) * 2
	buf := make([]byte, 44+dataLen)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(rate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(rate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(int16(s*32767)))
	}
	return buf
}

var _ tts.TTS = (*TTS)(nil)
