// Package onnxlangid implements audiolang.Classifier with an exported
// VoxLingua107-style ONNX embedding model, loaded lazily via
// github.com/yalue/onnxruntime_go the same way neuralvad and
// pkg/turn's ONNX detector do. With no model file configured it falls
// back to a low-confidence guess so DetectFromGreeting's threshold
// gate correctly discards it rather than silently misrouting a call.
package onnxlangid

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/agent-handwerk/phone-agent-core/pkg/ai/audiolang"
)

const embeddingFrameSize = 16000 // 1s at 16kHz, one classification window

// languageOrder is the fixed label order the exported model emits logits in.
var languageOrder = []string{"de", "tr", "ru", "en"}

type Classifier struct {
	ModelPath string

	mu          sync.Mutex
	loaded      bool
	sessionOnce sync.Once
	session     *ort.Session[float32]
	sessionErr  error
}

func New(modelPath string) *Classifier {
	return &Classifier{ModelPath: modelPath}
}

func (c *Classifier) Name() string { return "onnx-voxlingua" }

func (c *Classifier) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = true
	return nil
}

func (c *Classifier) IsLoaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

func (c *Classifier) loadSession() error {
	c.sessionOnce.Do(func() {
		if c.ModelPath == "" {
			c.sessionErr = fmt.Errorf("onnxlangid: no model path configured")
			return
		}
		if _, err := os.Stat(c.ModelPath); err != nil {
			c.sessionErr = fmt.Errorf("onnxlangid: model file not found: %w", err)
			return
		}
		if err := ort.InitializeEnvironment(); err != nil {
			c.sessionErr = fmt.Errorf("onnxlangid: failed to initialize onnxruntime: %w", err)
			return
		}

		inputTensor, err := ort.NewTensor(ort.NewShape(1, embeddingFrameSize), make([]float32, embeddingFrameSize))
		if err != nil {
			c.sessionErr = fmt.Errorf("onnxlangid: failed to create input tensor: %w", err)
			return
		}
		defer inputTensor.Destroy()

		outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(languageOrder))))
		if err != nil {
			c.sessionErr = fmt.Errorf("onnxlangid: failed to create output tensor: %w", err)
			return
		}
		defer outputTensor.Destroy()

		c.session, c.sessionErr = ort.NewSession[float32](
			c.ModelPath,
			[]string{"input"},
			[]string{"logits"},
			[]*ort.Tensor[float32]{inputTensor},
			[]*ort.Tensor[float32]{outputTensor},
		)
	})
	return c.sessionErr
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

func softmax(logits []float32) []float64 {
	out := make([]float64, len(logits))
	var sum float64
	max := float64(logits[0])
	for _, v := range logits {
		if float64(v) > max {
			max = float64(v)
		}
	}
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func (c *Classifier) Classify(ctx context.Context, samples []float32, sampleRate int) (audiolang.Result, error) {
	if err := c.loadSession(); err != nil {
		// No model available: a flat, unconfident score so
		// DetectFromGreeting's threshold discards it rather than
		// routing a call on a guess.
		scores := make(map[string]float64, len(languageOrder))
		for _, code := range languageOrder {
			scores[code] = 1.0 / float64(len(languageOrder))
		}
		_ = rms(samples)
		return audiolang.Result{
			Language:     "de",
			LanguageName: audiolang.SupportedLanguages["de"],
			Confidence:   scores["de"],
			AllScores:    scores,
		}, nil
	}

	frame := make([]float32, embeddingFrameSize)
	copy(frame, samples)

	inputTensor, err := ort.NewTensor(ort.NewShape(1, embeddingFrameSize), frame)
	if err != nil {
		return audiolang.Result{}, fmt.Errorf("onnxlangid: failed to create tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(languageOrder))))
	if err != nil {
		return audiolang.Result{}, fmt.Errorf("onnxlangid: failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := c.session.Run(); err != nil {
		return audiolang.Result{}, fmt.Errorf("onnxlangid: inference failed: %w", err)
	}

	logits := outputTensor.GetData()
	if len(logits) != len(languageOrder) {
		return audiolang.Result{}, fmt.Errorf("onnxlangid: expected %d logits, got %d", len(languageOrder), len(logits))
	}

	probs := softmax(logits)
	scores := make(map[string]float64, len(languageOrder))
	bestCode := languageOrder[0]
	bestScore := probs[0]
	for i, code := range languageOrder {
		scores[code] = probs[i]
		if probs[i] > bestScore {
			bestScore = probs[i]
			bestCode = code
		}
	}

	return audiolang.Result{
		Language:     bestCode,
		LanguageName: audiolang.SupportedLanguages[bestCode],
		Confidence:   bestScore,
		AllScores:    scores,
	}, nil
}

var _ audiolang.Classifier = (*Classifier)(nil)
