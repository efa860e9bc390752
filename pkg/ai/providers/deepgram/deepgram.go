// Package deepgram drives Deepgram's prerecorded transcription endpoint
// as the cloud STT provider. No Deepgram Go SDK appears anywhere in the
// example pack, so this client is built directly on net/http (see
// DESIGN.md for the justification), matching the shape of the
// prototype's own REST client.
package deepgram

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/agent-handwerk/phone-agent-core/pkg/ai/stt"
	"github.com/agent-handwerk/phone-agent-core/pkg/plugin"
	"github.com/agent-handwerk/phone-agent-core/pkg/resilience"
)

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        "stt",
		Name:        "deepgram",
		Description: "Deepgram prerecorded transcription REST API",
		Version:     "1.0.0",
		Factory: func(cfg map[string]any) (any, error) {
			apiKey, _ := cfg["api_key"].(string)
			if apiKey == "" {
				return nil, errors.New("deepgram: api_key is required")
			}
			model, _ := cfg["model"].(string)
			return New(apiKey, model, nil, nil), nil
		},
	})
}

const apiURL = "https://api.deepgram.com/v1/listen"

// DefaultModel matches the original prototype's configured Deepgram model.
const DefaultModel = "nova-2"

type STT struct {
	apiKey  string
	model   string
	client  *http.Client
	breaker *resilience.Breaker
	retry   resilience.Policy
	logger  *slog.Logger

	mu       sync.Mutex
	language string
}

func New(apiKey, model string, breakers *resilience.Registry, logger *slog.Logger) *STT {
	if model == "" {
		model = DefaultModel
	}
	if breakers == nil {
		breakers = resilience.Default
	}
	return &STT{
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{},
		breaker:  breakers.Get("deepgram_api"),
		retry:    resilience.DefaultPolicy,
		logger:   logger,
		language: "de",
	}
}

func (d *STT) Name() string                    { return "deepgram" }
func (d *STT) Load(ctx context.Context) error  { return nil }
func (d *STT) IsLoaded() bool                   { return true }

func (d *STT) SetLanguage(language string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.language = language
}

type response struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
			DetectedLanguage string `json:"detected_language"`
		} `json:"channels"`
	} `json:"results"`
}

func encodeWAV(samples []float32, sampleRate int) []byte {
	dataLen := len(samples) * 2
	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataLen))
	for _, s := range samples {
		binary.Write(buf, binary.LittleEndian, int16(s*32767))
	}
	return buf.Bytes()
}

func (d *STT) TranscribeWithInfo(ctx context.Context, samples []float32, sampleRate int, language string) (stt.Result, error) {
	var result stt.Result
	err := d.breaker.Do(func() error {
		return d.retry.Do(ctx, d.logger, "deepgram.listen", func(ctx context.Context) error {
			wav := encodeWAV(samples, sampleRate)

			url := fmt.Sprintf("%s?model=%s", apiURL, d.model)
			lang := language
			if lang == "" {
				d.mu.Lock()
				lang = d.language
				d.mu.Unlock()
			}
			if lang != "" {
				url += "&language=" + lang
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(wav))
			if err != nil {
				return resilience.NewFatal(err, "building deepgram request")
			}
			req.Header.Set("Authorization", "Token "+d.apiKey)
			req.Header.Set("Content-Type", "audio/wav")

			resp, err := d.client.Do(req)
			if err != nil {
				return resilience.NewRecoverable(err, "deepgram request failed")
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return resilience.NewRecoverable(fmt.Errorf("deepgram status %d", resp.StatusCode), "deepgram transient error")
			}
			if resp.StatusCode >= 400 {
				return resilience.NewFatal(fmt.Errorf("deepgram status %d", resp.StatusCode), "deepgram rejected request")
			}

			var dr response
			if err := json.Unmarshal(body, &dr); err != nil {
				return resilience.NewFatal(err, "malformed deepgram response")
			}
			if len(dr.Results.Channels) == 0 || len(dr.Results.Channels[0].Alternatives) == 0 {
				return resilience.NewFatal(errors.New("no transcript"), "deepgram returned no alternatives")
			}
			alt := dr.Results.Channels[0].Alternatives[0]
			result = stt.Result{Text: alt.Transcript, Confidence: alt.Confidence, Language: dr.Results.Channels[0].DetectedLanguage}
			if result.Language == "" {
				result.Language = lang
			}
			return nil
		})
	})
	return result, err
}

func (d *STT) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (string, error) {
	r, err := d.TranscribeWithInfo(ctx, samples, sampleRate, language)
	if err != nil {
		return "", err
	}
	return r.Text, nil
}

var _ stt.STT = (*STT)(nil)
