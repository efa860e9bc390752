// Package elevenlabs drives ElevenLabs' text-to-speech endpoint as the
// cloud TTS provider. No ElevenLabs Go SDK appears anywhere in the
// example pack, so this client is built directly on net/http (see
// DESIGN.md for the justification).
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/agent-handwerk/phone-agent-core/pkg/ai/tts"
	"github.com/agent-handwerk/phone-agent-core/pkg/plugin"
	"github.com/agent-handwerk/phone-agent-core/pkg/resilience"
)

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        "tts",
		Name:        "elevenlabs",
		Description: "ElevenLabs text-to-speech REST API",
		Version:     "1.0.0",
		Factory: func(cfg map[string]any) (any, error) {
			apiKey, _ := cfg["api_key"].(string)
			if apiKey == "" {
				return nil, errors.New("elevenlabs: api_key is required")
			}
			voiceID, _ := cfg["voice_id"].(string)
			model, _ := cfg["model"].(string)
			return New(apiKey, voiceID, model, nil, nil), nil
		},
	})
}

const apiURL = "https://api.elevenlabs.io/v1/text-to-speech"

// Defaults match the original prototype's configured ElevenLabs voice/model.
const (
	DefaultVoiceID = "pNInz6obpgDQGcFmaJgB"
	DefaultModel   = "eleven_flash_v2_5"
)

type TTS struct {
	apiKey  string
	voiceID string
	model   string
	client  *http.Client
	breaker *resilience.Breaker
	retry   resilience.Policy
	logger  *slog.Logger
	voices  *tts.VoiceCache

	mu       sync.Mutex
	loaded   bool
}

func New(apiKey, voiceID, model string, breakers *resilience.Registry, logger *slog.Logger) *TTS {
	if voiceID == "" {
		voiceID = DefaultVoiceID
	}
	if model == "" {
		model = DefaultModel
	}
	if breakers == nil {
		breakers = resilience.Default
	}
	return &TTS{
		apiKey:  apiKey,
		voiceID: voiceID,
		model:   model,
		client:  &http.Client{},
		breaker: breakers.Get("elevenlabs_api"),
		retry:   resilience.DefaultPolicy,
		logger:  logger,
		voices:  tts.NewVoiceCache(2),
	}
}

func (e *TTS) Name() string { return "elevenlabs" }

func (e *TTS) Load(ctx context.Context, language string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = true
	key := fmt.Sprintf("elevenlabs:%s:%s", language, e.voiceID)
	if _, ok := e.voices.Get(key); !ok {
		e.voices.Put(key, e.voiceID)
	}
	return nil
}

func (e *TTS) IsLoaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

type request struct {
	Text          string  `json:"text"`
	ModelID       string  `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

func (e *TTS) Synthesize(ctx context.Context, text string, format tts.Format, language string) ([]byte, error) {
	var audio []byte
	err := e.breaker.Do(func() error {
		return e.retry.Do(ctx, e.logger, "elevenlabs.tts", func(ctx context.Context) error {
			body, err := json.Marshal(request{
				Text:          text,
				ModelID:       e.model,
				VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
			})
			if err != nil {
				return resilience.NewFatal(err, "encoding elevenlabs request")
			}

			url := fmt.Sprintf("%s/%s", apiURL, e.voiceID)
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return resilience.NewFatal(err, "building elevenlabs request")
			}
			req.Header.Set("xi-api-key", e.apiKey)
			req.Header.Set("Content-Type", "application/json")

			resp, err := e.client.Do(req)
			if err != nil {
				return resilience.NewRecoverable(err, "elevenlabs request failed")
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return resilience.NewRecoverable(fmt.Errorf("elevenlabs status %d", resp.StatusCode), "elevenlabs transient error")
			}
			if resp.StatusCode >= 400 {
				return resilience.NewFatal(fmt.Errorf("elevenlabs status %d", resp.StatusCode), "elevenlabs rejected request")
			}

			audio, err = io.ReadAll(resp.Body)
			if err != nil {
				return resilience.NewRecoverable(err, "reading elevenlabs response")
			}
			return nil
		})
	})
	return audio, err
}

// SynthesizeToArray is not supported by this client and always returns an
// error. Synthesize returns the provider's encoded response bytes as-is
// (its format argument is not sent to the API), and no audio decoder is
// included, so callers needing samples use a local provider or decode the
// bytes themselves. This keeps the cloud client to the single concern
// it's grounded on (HTTP synthesis), matching DESIGN.md's narrow-client
// justification.
func (e *TTS) SynthesizeToArray(ctx context.Context, text string, language string) ([]float32, int, error) {
	return nil, 0, fmt.Errorf("elevenlabs: SynthesizeToArray unsupported; Synthesize returns encoded audio that needs an external decoder")
}

var _ tts.TTS = (*TTS)(nil)
