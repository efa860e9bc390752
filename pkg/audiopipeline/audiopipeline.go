// Package audiopipeline runs the capture/playback loops that sit between
// a raw PCM stream and the conversation engine: RMS/VAD-driven utterance
// segmentation on the way in, WAV/raw dispatch and resampling on the way
// out. Grounded on original_source/core/audio.py's AudioPipeline, ported
// to goroutines and channels in place of Python threads and queue.Queue,
// matching the concurrency idiom audio/portaudio.go uses for its own
// capture/playback streams (channels of frames, a running flag under a
// mutex, sync.WaitGroup for shutdown).
//
// The pipeline never opens a device itself; callers feed it samples via
// Feed and receive synthesized audio through the SetOnPlayback observer, so it works
// the same whether the samples originate from a softphone's TCP socket
// or a local microphone shim.
package audiopipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/agent-handwerk/phone-agent-core/pkg/ai/vad"
)

// Config mirrors the prototype's AudioConfig.
type Config struct {
	SampleRate           int
	Channels             int
	ChunkSize            int // samples per chunk
	VADEnabled           bool
	VADThreshold         float64
	SilenceDuration      time.Duration
	MaxRecordingDuration time.Duration

	CaptureQueueDepth  int
	PlaybackQueueDepth int
}

func DefaultConfig() Config {
	return Config{
		SampleRate:           16000,
		Channels:             1,
		ChunkSize:            1024,
		VADEnabled:           true,
		VADThreshold:         0.02,
		SilenceDuration:      time.Second,
		MaxRecordingDuration: 30 * time.Second,
		CaptureQueueDepth:    32,
		PlaybackQueueDepth:   32,
	}
}

// Chunk is a fixed-size slice of capture audio with its VAD classification,
// mirroring the prototype's AudioChunk dataclass.
type Chunk struct {
	Data       []float32
	SampleRate int
	IsSpeech   bool
	RMS        float64
	Timestamp  time.Time
}

// Format selects how playback items are interpreted.
type Format int

const (
	FormatRaw Format = iota
	FormatWAV
)

type playbackItem struct {
	format     Format
	samples    []float32
	data       []byte
	sampleRate int
}

type observers struct {
	mu            sync.Mutex
	onUtterance   func([]float32)
	onSpeechStart func()
	onSpeechEnd   func()
	onPlayback    func([]float32)
}

// Pipeline is the capture/playback engine for a single call.
type Pipeline struct {
	cfg    Config
	vad    vad.VAD
	logger *slog.Logger

	obs observers

	mu      sync.Mutex
	running bool

	captureQueue  chan Chunk
	playbackQueue chan playbackItem
	stopCapture   chan struct{}
	stopPlayback  chan struct{}
	wg            sync.WaitGroup

	// utterance accumulation state, owned by the capture goroutine only
	isSpeaking       bool
	utteranceBuffer  []float32
	silenceSamples   int
	recordingSamples int
}

func New(cfg Config, vadBackend vad.VAD, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:    cfg,
		vad:    vadBackend,
		logger: logger,
	}
}

func (p *Pipeline) SetOnUtterance(fn func([]float32)) {
	p.obs.mu.Lock()
	defer p.obs.mu.Unlock()
	p.obs.onUtterance = fn
}

// SetOnPlayback registers the sink that dispatchPlayback hands decoded,
// resampled outbound audio to — the playback-side counterpart of
// SetOnUtterance. The telephony adapter (C6) wires its AudioBridge here
// so synthesized speech actually reaches the caller's connection
// instead of being dropped once decoded.
func (p *Pipeline) SetOnPlayback(fn func([]float32)) {
	p.obs.mu.Lock()
	defer p.obs.mu.Unlock()
	p.obs.onPlayback = fn
}

// SubscribeUtterances turns the onUtterance callback into a typed "emit
// an utterance" port: consumers read from the returned channel instead
// of registering a function, matching spec §9's note that audio-pipeline
// callbacks become channels/queues of events. Replaces any previously
// registered onUtterance observer (direct callback and channel
// subscription are mutually exclusive). The channel is buffered; a
// consumer that falls behind drops the oldest pending utterance rather
// than blocking the capture goroutine.
func (p *Pipeline) SubscribeUtterances(bufferSize int) <-chan []float32 {
	if bufferSize <= 0 {
		bufferSize = 4
	}
	ch := make(chan []float32, bufferSize)
	p.SetOnUtterance(func(samples []float32) {
		select {
		case ch <- samples:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- samples:
			default:
			}
		}
	})
	return ch
}

func (p *Pipeline) SetOnSpeechStart(fn func()) {
	p.obs.mu.Lock()
	defer p.obs.mu.Unlock()
	p.obs.onSpeechStart = fn
}

func (p *Pipeline) SetOnSpeechEnd(fn func()) {
	p.obs.mu.Lock()
	defer p.obs.mu.Unlock()
	p.obs.onSpeechEnd = fn
}

// Start is idempotent: a second call while running is a no-op.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.captureQueue = make(chan Chunk, max1(p.cfg.CaptureQueueDepth))
	p.playbackQueue = make(chan playbackItem, max1(p.cfg.PlaybackQueueDepth))
	p.stopCapture = make(chan struct{})
	p.stopPlayback = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(2)
	go p.captureLoop()
	go p.playbackLoop()

	p.logger.Info("audio pipeline started",
		slog.Int("sample_rate", p.cfg.SampleRate),
		slog.Int("chunk_size", p.cfg.ChunkSize))
}

// Stop is idempotent: a second call while stopped is a no-op.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCapture)
	close(p.stopPlayback)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("audio pipeline stopped")
}

func (p *Pipeline) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pipeline) IsSpeaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isSpeaking
}

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

// Feed splits samples into ChunkSize frames, classifies each with the VAD
// backend (or an RMS threshold when no backend is configured) and pushes
// them onto the capture queue. This stands in for the prototype's
// sounddevice capture callback: whatever feeds this pipeline (a TCP
// socket reader, a test harness) calls Feed instead of a device driving
// it directly.
func (p *Pipeline) Feed(samples []float32) {
	chunkSize := p.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1024
	}
	for i := 0; i < len(samples); i += chunkSize {
		end := i + chunkSize
		if end > len(samples) {
			end = len(samples)
		}
		frame := samples[i:end]
		chunk := p.classify(frame)

		p.mu.Lock()
		running := p.running
		queue := p.captureQueue
		p.mu.Unlock()
		if !running {
			return
		}
		select {
		case queue <- chunk:
		default:
			p.logger.Warn("capture queue full, dropping chunk")
		}
	}
}

func (p *Pipeline) classify(frame []float32) Chunk {
	energy := rms(frame)
	isSpeech := energy > p.cfg.VADThreshold
	if p.cfg.VADEnabled && p.vad != nil {
		if speech, _, err := p.vad.IsSpeech(frame, p.cfg.SampleRate); err == nil {
			isSpeech = speech
		}
	} else if !p.cfg.VADEnabled {
		isSpeech = true
	}
	return Chunk{
		Data:       frame,
		SampleRate: p.cfg.SampleRate,
		IsSpeech:   isSpeech,
		RMS:        energy,
		Timestamp:  time.Now(),
	}
}

func (p *Pipeline) captureLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCapture:
			return
		case chunk := <-p.captureQueue:
			p.processChunk(chunk)
		}
	}
}

func (p *Pipeline) processChunk(chunk Chunk) {
	silenceThreshold := int(p.cfg.SilenceDuration.Seconds() * float64(p.cfg.SampleRate) / float64(chunkSizeOrDefault(p.cfg.ChunkSize)))
	maxChunks := int(p.cfg.MaxRecordingDuration.Seconds() * float64(p.cfg.SampleRate) / float64(chunkSizeOrDefault(p.cfg.ChunkSize)))

	if chunk.IsSpeech {
		if !p.isSpeaking {
			p.isSpeaking = true
			p.utteranceBuffer = nil
			p.silenceSamples = 0
			p.recordingSamples = 0
			p.fireSpeechStart()
		}
		p.utteranceBuffer = append(p.utteranceBuffer, chunk.Data...)
		p.silenceSamples = 0
		p.recordingSamples++

		if p.recordingSamples >= maxChunks {
			p.endUtterance()
		}
	} else if p.isSpeaking {
		p.utteranceBuffer = append(p.utteranceBuffer, chunk.Data...)
		p.silenceSamples++
		p.recordingSamples++

		if p.silenceSamples >= silenceThreshold || p.recordingSamples >= maxChunks {
			p.endUtterance()
		}
	}
}

func chunkSizeOrDefault(n int) int {
	if n <= 0 {
		return 1024
	}
	return n
}

func (p *Pipeline) endUtterance() {
	if len(p.utteranceBuffer) == 0 {
		return
	}

	utterance := p.utteranceBuffer
	trailingSilence := p.silenceSamples * chunkSizeOrDefault(p.cfg.ChunkSize)
	if trailingSilence > 0 && trailingSilence < len(utterance) {
		utterance = utterance[:len(utterance)-trailingSilence]
	}

	p.isSpeaking = false
	p.utteranceBuffer = nil

	duration := float64(len(utterance)) / float64(p.cfg.SampleRate)
	p.logger.Debug("utterance complete", slog.Float64("duration_s", duration), slog.Int("samples", len(utterance)))

	p.fireSpeechEnd()
	p.fireUtterance(utterance)
}

func (p *Pipeline) fireSpeechStart() {
	p.obs.mu.Lock()
	fn := p.obs.onSpeechStart
	p.obs.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *Pipeline) fireSpeechEnd() {
	p.obs.mu.Lock()
	fn := p.obs.onSpeechEnd
	p.obs.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *Pipeline) fireUtterance(samples []float32) {
	p.obs.mu.Lock()
	fn := p.obs.onUtterance
	p.obs.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

// PlayRaw queues raw float samples at the given sample rate for playback.
func (p *Pipeline) PlayRaw(samples []float32, sampleRate int) error {
	return p.enqueuePlayback(playbackItem{format: FormatRaw, samples: samples, sampleRate: sampleRate})
}

// PlayWAV queues packaged WAV bytes for playback; the header is parsed on
// the playback goroutine, matching the prototype's play()'s bytes branch.
func (p *Pipeline) PlayWAV(data []byte) error {
	return p.enqueuePlayback(playbackItem{format: FormatWAV, data: data})
}

func (p *Pipeline) enqueuePlayback(item playbackItem) error {
	p.mu.Lock()
	running := p.running
	queue := p.playbackQueue
	p.mu.Unlock()
	if !running {
		return fmt.Errorf("audiopipeline: not running")
	}
	select {
	case queue <- item:
		return nil
	default:
		return fmt.Errorf("audiopipeline: playback queue full")
	}
}

func (p *Pipeline) playbackLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopPlayback:
			return
		case item := <-p.playbackQueue:
			p.dispatchPlayback(item)
		}
	}
}

// dispatchPlayback decodes/resamples a queued item. A malformed WAV buffer
// is logged and dropped, never fatal to the loop, matching the
// prototype's "processing continues" failure mode.
func (p *Pipeline) dispatchPlayback(item playbackItem) {
	samples := item.samples
	sampleRate := item.sampleRate

	if item.format == FormatWAV {
		decoded, rate, err := decodeWAV(item.data)
		if err != nil {
			p.logger.Warn("dropping malformed playback buffer", slog.Any("error", err))
			return
		}
		samples = decoded
		sampleRate = rate
	}

	if sampleRate != 0 && sampleRate != p.cfg.SampleRate {
		samples = resample(samples, sampleRate, p.cfg.SampleRate)
	}

	p.logger.Debug("playing audio", slog.Int("samples", len(samples)))

	p.obs.mu.Lock()
	onPlayback := p.obs.onPlayback
	p.obs.mu.Unlock()
	if onPlayback != nil {
		onPlayback(samples)
	}
}

// decodeWAV parses a canonical 16-bit PCM WAV buffer into float32 samples
// and its sample rate. No WAV codec exists anywhere in the example pack,
// so this mirrors the hand-rolled encodeWAV helpers already used by the
// local/cloud TTS providers.
func decodeWAV(data []byte) ([]float32, int, error) {
	if len(data) < 44 {
		return nil, 0, fmt.Errorf("audiopipeline: WAV buffer too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("audiopipeline: not a RIFF/WAVE buffer")
	}

	sampleRate := int(binary.LittleEndian.Uint32(data[24:28]))

	offset := 12
	var dataChunk []byte
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if body+chunkSize > len(data) {
			break
		}
		if chunkID == "data" {
			dataChunk = data[body : body+chunkSize]
			break
		}
		offset = body + chunkSize
	}
	if dataChunk == nil {
		return nil, 0, fmt.Errorf("audiopipeline: no data chunk found")
	}

	samples := make([]float32, len(dataChunk)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(dataChunk[i*2 : i*2+2]))
		samples[i] = float32(v) / 32768.0
	}
	return samples, sampleRate, nil
}

// resample performs linear-interpolation resampling. No DSP/resampling
// library appears anywhere in the example pack, so this stays on stdlib
// math, matching the narrow scope of the hand-rolled WAV helpers above.
func resample(samples []float32, from, to int) []float32 {
	if from == to || len(samples) == 0 {
		return samples
	}
	outLen := int(float64(len(samples)) * float64(to) / float64(from))
	if outLen <= 0 {
		return nil
	}
	out := make([]float32, outLen)
	ratio := float64(len(samples)-1) / float64(max1(outLen-1))
	for i := range out {
		pos := float64(i) * ratio
		lo := int(pos)
		hi := lo + 1
		if hi >= len(samples) {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(lo))
		out[i] = samples[lo]*(1-frac) + samples[hi]*frac
	}
	return out
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// CaptureUtterance suspends until the next utterance is produced, or
// returns nil on timeout, restoring the previous onUtterance observer
// afterward — the async "capture one utterance" entry point the
// prototype exposes as capture_utterance.
func (p *Pipeline) CaptureUtterance(ctx context.Context, timeout time.Duration) ([]float32, error) {
	result := make(chan []float32, 1)

	p.obs.mu.Lock()
	previous := p.obs.onUtterance
	p.obs.onUtterance = func(samples []float32) {
		select {
		case result <- samples:
		default:
		}
	}
	p.obs.mu.Unlock()

	defer func() {
		p.obs.mu.Lock()
		p.obs.onUtterance = previous
		p.obs.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case samples := <-result:
		return samples, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
