// Package factory builds STT/LLM/TTS/VAD instances from configuration,
// choosing between local and cloud providers and silently falling back
// to local when a cloud provider can't be constructed. Grounded on the
// prototype's AIFactory (original_source/ai/cloud/factory.py), adapted
// to pull concrete implementations through pkg/plugin's registry rather
// than import each provider package directly.
package factory

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/agent-handwerk/phone-agent-core/pkg/ai/audiolang"
	"github.com/agent-handwerk/phone-agent-core/pkg/ai/llm"
	"github.com/agent-handwerk/phone-agent-core/pkg/ai/providers/onnxlangid"
	"github.com/agent-handwerk/phone-agent-core/pkg/ai/stt"
	"github.com/agent-handwerk/phone-agent-core/pkg/ai/tts"
	"github.com/agent-handwerk/phone-agent-core/pkg/ai/vad"
	"github.com/agent-handwerk/phone-agent-core/pkg/plugin"
	"github.com/agent-handwerk/phone-agent-core/pkg/resilience"
)

type Mode string

const (
	Local  Mode = "local"
	Cloud  Mode = "cloud"
	Hybrid Mode = "hybrid" // local STT/TTS, cloud LLM
)

// Config mirrors the prototype's CloudAIConfig.
type Config struct {
	Enabled Mode

	GroqAPIKey string
	GroqModel  string

	DeepgramAPIKey string
	DeepgramModel  string

	ElevenLabsAPIKey   string
	ElevenLabsVoiceID  string
	ElevenLabsModel    string

	NeuralVADModelPath string
	LangIDModelPath    string

	FallbackToLocal bool

	Breakers *resilience.Registry
	Logger   *slog.Logger
}

// FromEnv builds a Config from environment variables, mirroring
// create_ai_factory_from_env.
func FromEnv() Config {
	mode := Local
	switch strings.ToLower(os.Getenv("AI_MODE")) {
	case "cloud":
		mode = Cloud
	case "hybrid":
		mode = Hybrid
	}
	return Config{
		Enabled:            mode,
		GroqAPIKey:         os.Getenv("GROQ_API_KEY"),
		DeepgramAPIKey:     os.Getenv("DEEPGRAM_API_KEY"),
		ElevenLabsAPIKey:   os.Getenv("ELEVENLABS_API_KEY"),
		NeuralVADModelPath: os.Getenv("VAD_MODEL_PATH"),
		LangIDModelPath:    os.Getenv("LANGID_MODEL_PATH"),
		FallbackToLocal:    true,
	}
}

// Factory caches created providers, same as the prototype's AIFactory
// caching self._stt/_llm/_tts on first use.
type Factory struct {
	cfg Config

	mu     sync.Mutex
	stt    stt.STT
	llm    llm.LLM
	tts    tts.TTS
	vad    vad.VAD
	langID audiolang.Classifier
}

func New(cfg Config) *Factory {
	if cfg.Breakers == nil {
		cfg.Breakers = resilience.Default
	}
	return &Factory{cfg: cfg}
}

func (f *Factory) logger() *slog.Logger {
	if f.cfg.Logger != nil {
		return f.cfg.Logger
	}
	return slog.Default()
}

func (f *Factory) fromRegistry(kind, name string, params map[string]any) (any, error) {
	factory, ok := plugin.Get(kind, name)
	if !ok {
		return nil, fmt.Errorf("factory: no %s provider registered under %q", kind, name)
	}
	return factory(params)
}

// CreateSTT returns the cached STT provider, building it on first call.
// Cloud is only used when Enabled == Cloud and a Deepgram key is set;
// HYBRID keeps STT local, matching use_cloud's provider check in
// create_stt.
func (f *Factory) CreateSTT(forceLocal bool) (stt.STT, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stt != nil {
		return f.stt, nil
	}

	useCloud := f.cfg.Enabled == Cloud && f.cfg.DeepgramAPIKey != "" && !forceLocal
	if useCloud {
		inst, err := f.fromRegistry("stt", "deepgram", map[string]any{
			"api_key": f.cfg.DeepgramAPIKey,
			"model":   f.cfg.DeepgramModel,
		})
		if err == nil {
			f.stt = inst.(stt.STT)
			f.logger().Info("created cloud stt", "provider", "deepgram")
			return f.stt, nil
		}
		f.logger().Warn("cloud stt unavailable, falling back to local", "error", err)
		if !f.cfg.FallbackToLocal {
			return nil, err
		}
	}

	inst, err := f.fromRegistry("stt", "local-whisper", nil)
	if err != nil {
		return nil, err
	}
	f.stt = inst.(stt.STT)
	f.logger().Info("created local stt", "provider", "local-whisper")
	return f.stt, nil
}

// CreateLLM uses cloud in both CLOUD and HYBRID modes, matching
// create_llm's provider check (AIProvider.CLOUD, AIProvider.HYBRID).
func (f *Factory) CreateLLM(forceLocal bool) (llm.LLM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.llm != nil {
		return f.llm, nil
	}

	useCloud := (f.cfg.Enabled == Cloud || f.cfg.Enabled == Hybrid) && f.cfg.GroqAPIKey != "" && !forceLocal
	if useCloud {
		inst, err := f.fromRegistry("llm", "groq", map[string]any{
			"api_key": f.cfg.GroqAPIKey,
			"model":   f.cfg.GroqModel,
		})
		if err == nil {
			f.llm = inst.(llm.LLM)
			f.logger().Info("created cloud llm", "provider", "groq")
			return f.llm, nil
		}
		f.logger().Warn("cloud llm unavailable, falling back to local", "error", err)
		if !f.cfg.FallbackToLocal {
			return nil, err
		}
	}

	inst, err := f.fromRegistry("llm", "local-llama", nil)
	if err != nil {
		return nil, err
	}
	f.llm = inst.(llm.LLM)
	f.logger().Info("created local llm", "provider", "local-llama")
	return f.llm, nil
}

func (f *Factory) CreateTTS(forceLocal bool) (tts.TTS, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tts != nil {
		return f.tts, nil
	}

	useCloud := f.cfg.Enabled == Cloud && f.cfg.ElevenLabsAPIKey != "" && !forceLocal
	if useCloud {
		inst, err := f.fromRegistry("tts", "elevenlabs", map[string]any{
			"api_key":  f.cfg.ElevenLabsAPIKey,
			"voice_id": f.cfg.ElevenLabsVoiceID,
			"model":    f.cfg.ElevenLabsModel,
		})
		if err == nil {
			f.tts = inst.(tts.TTS)
			f.logger().Info("created cloud tts", "provider", "elevenlabs")
			return f.tts, nil
		}
		f.logger().Warn("cloud tts unavailable, falling back to local", "error", err)
		if !f.cfg.FallbackToLocal {
			return nil, err
		}
	}

	inst, err := f.fromRegistry("tts", "local-piper", nil)
	if err != nil {
		return nil, err
	}
	f.tts = inst.(tts.TTS)
	f.logger().Info("created local tts", "provider", "local-piper")
	return f.tts, nil
}

// CreateVAD always resolves locally; VAD has no cloud equivalent in this
// pipeline, matching the prototype's VADFactory which only switches
// between simple/silero backends, never a remote one.
func (f *Factory) CreateVAD(useNeural bool) (vad.VAD, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vad != nil {
		return f.vad, nil
	}

	name := "simple-rms"
	params := map[string]any{}
	if useNeural {
		name = "neural-silero"
		params["model_path"] = f.cfg.NeuralVADModelPath
	}

	inst, err := f.fromRegistry("vad", name, params)
	if err != nil {
		return nil, err
	}
	f.vad = inst.(vad.VAD)
	return f.vad, nil
}

// CreateLangID returns the cached audio-based language classifier,
// built directly from onnxlangid rather than through the plugin
// registry (it has no cloud counterpart to switch between, same
// reasoning as CreateVAD). With Config.LangIDModelPath unset, the
// classifier still loads but every Classify call returns a flat,
// unconfident score that DetectFromGreeting's threshold discards.
func (f *Factory) CreateLangID() audiolang.Classifier {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.langID != nil {
		return f.langID
	}
	f.langID = onnxlangid.New(f.cfg.LangIDModelPath)
	return f.langID
}

// CreateAll mirrors create_all.
func (f *Factory) CreateAll(forceLocal bool) (stt.STT, llm.LLM, tts.TTS, error) {
	s, err := f.CreateSTT(forceLocal)
	if err != nil {
		return nil, nil, nil, err
	}
	l, err := f.CreateLLM(forceLocal)
	if err != nil {
		return nil, nil, nil, err
	}
	t, err := f.CreateTTS(forceLocal)
	if err != nil {
		return nil, nil, nil, err
	}
	return s, l, t, nil
}

// Status reports provider state, mirroring get_status.
type Status struct {
	Mode            Mode
	FallbackToLocal bool
	STTLoaded       bool
	LLMLoaded       bool
	TTSLoaded       bool
}

func (f *Factory) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := Status{Mode: f.cfg.Enabled, FallbackToLocal: f.cfg.FallbackToLocal}
	if f.stt != nil {
		s.STTLoaded = f.stt.IsLoaded()
	}
	if f.llm != nil {
		s.LLMLoaded = f.llm.IsLoaded()
	}
	if f.tts != nil {
		s.TTSLoaded = f.tts.IsLoaded()
	}
	return s
}
