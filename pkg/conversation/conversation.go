// Package conversation owns per-call dialogue state and drives the
// STT -> LLM -> TTS turn execution, in both a buffered (one-shot) and a
// sentence-streaming mode. Grounded on spec.md §4.4 and, for its
// mutex-guarded registry-of-instances shape, on agents/session.go's
// AgentSession.
package conversation

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agent-handwerk/phone-agent-core/pkg/ai/audiolang"
	"github.com/agent-handwerk/phone-agent-core/pkg/ai/llm"
	"github.com/agent-handwerk/phone-agent-core/pkg/ai/stt"
	"github.com/agent-handwerk/phone-agent-core/pkg/ai/textlang"
	"github.com/agent-handwerk/phone-agent-core/pkg/ai/tts"
)

// Role identifies the speaker of a Turn.
type Role = llm.Role

const (
	RoleSystem    = llm.RoleSystem
	RoleUser      = llm.RoleUser
	RoleAssistant = llm.RoleAssistant
)

// Turn is one immutable message in a conversation.
type Turn struct {
	Role        Role
	Content     string
	Timestamp   time.Time
	Annotations map[string]any
}

// Timing is a per-turn roll-up of the latencies the engine observed while
// producing that turn.
type Timing struct {
	STTTime        time.Duration
	LLMTime        time.Duration
	TTSTime        time.Duration
	FirstByteTime  time.Duration // streaming mode only; zero otherwise
	Total          time.Duration
	AudioDuration  time.Duration
	ResponseLength int
	Timestamp      time.Time
}

// Recorder receives a Timing after every completed turn. Satisfied by the
// latency-metrics component; kept as a small capability interface here so
// this package never has to import it.
type Recorder interface {
	RecordTurn(callID string, t Timing)
}

// SystemPromptProvider supplies the base, dialect-free system prompt for
// a tenant/industry. Satisfied by the policy component.
type SystemPromptProvider interface {
	SystemPrompt(tenantID string) string
}

// State is the per-call conversation state (spec §3's Conversation State).
type State struct {
	mu sync.RWMutex

	ID                 string
	TenantID           string
	turns              []Turn
	Language           string
	Dialect            string
	DialectConfidence  float64
	DialectFeatures    []string
	PolicyContext      map[string]any
	CreatedAt          time.Time
	LastActivity       time.Time
	greetingClassified bool
}

// Turns returns a snapshot copy of the turn sequence, safe for concurrent
// readers (metrics, dashboards) per spec §5's snapshot-copy rule.
func (s *State) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *State) appendTurn(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, t)
	s.LastActivity = t.Timestamp
}

// updateLanguage applies the threshold/exceeds-current-confidence rule
// from spec §4.4: a new detection only overwrites the state's language
// when it is at least as confident as the threshold and strictly more
// confident than whatever is already recorded.
func (s *State) updateLanguage(language string, confidence, threshold float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if confidence < threshold || confidence <= s.DialectConfidence {
		return false
	}
	s.Language = language
	s.DialectConfidence = confidence
	return true
}

func (s *State) setDialect(dialect string, features []string, confidence float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Dialect = dialect
	s.DialectFeatures = features
	s.DialectConfidence = confidence
}

func (s *State) snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s
	cp.turns = append([]Turn(nil), s.turns...)
	return cp
}

// Config tunes the engine's history window, dialect threshold, and token
// budget.
type Config struct {
	MaxTurns            int     // spec default: 20
	DialectThreshold    float64 // spec default: 0.7
	MaxHistoryTokens    int     // secondary, tighter trim; 0 disables
	MinSentenceLength   int     // spec default: 5
	GreetingMinDuration float64 // seconds of audio required before audio-based language ID runs
	GreetingMaxDuration float64 // seconds of audio analyzed by audio-based language ID
}

func DefaultConfig() Config {
	return Config{
		MaxTurns:            20,
		DialectThreshold:    0.7,
		MaxHistoryTokens:    0,
		MinSentenceLength:   5,
		GreetingMinDuration: 1.0,
		GreetingMaxDuration: 5.0,
	}
}

// TokenCounter estimates the token count of a string. Satisfied by
// HFTokenCounter (sugarme/tokenizer-backed, falling back to a
// whitespace-word-count estimate when its tokenizer.json cannot be
// loaded) and by WordCountTokenCounter. With no counter set, the engine
// applies no token budget.
type TokenCounter interface {
	Count(text string) int
}

// Engine drives conversations for many concurrent calls, each identified
// by an opaque conversation id, matching spec §9's "cyclic references are
// broken by opaque ids" design note.
type Engine struct {
	mu            sync.RWMutex
	conversations map[string]*State

	stt            stt.STT
	llm            llm.LLM
	tts            tts.TTS
	promptProvider SystemPromptProvider
	textDetector   *textlang.Detector
	audioDetector  audiolang.Classifier
	tokenCounter   TokenCounter
	recorder       Recorder
	logger         *slog.Logger
	cfg            Config
}

func New(sttSvc stt.STT, llmSvc llm.LLM, ttsSvc tts.TTS, promptProvider SystemPromptProvider, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 20
	}
	if cfg.DialectThreshold <= 0 {
		cfg.DialectThreshold = 0.7
	}
	if cfg.MinSentenceLength <= 0 {
		cfg.MinSentenceLength = 5
	}
	if cfg.GreetingMinDuration <= 0 {
		cfg.GreetingMinDuration = 1.0
	}
	if cfg.GreetingMaxDuration <= 0 {
		cfg.GreetingMaxDuration = 5.0
	}
	return &Engine{
		conversations:  make(map[string]*State),
		stt:            sttSvc,
		llm:            llmSvc,
		tts:            ttsSvc,
		promptProvider: promptProvider,
		textDetector:   &textlang.Detector{},
		logger:         logger,
		cfg:            cfg,
	}
}

// SetRecorder wires a latency-metrics sink; nil disables recording.
func (e *Engine) SetRecorder(r Recorder) { e.recorder = r }

// SetTokenCounter wires a token-budget counter; nil leaves the
// turn-count window (Config.MaxTurns) as the only bound.
func (e *Engine) SetTokenCounter(tc TokenCounter) { e.tokenCounter = tc }

// SetAudioLanguageDetector wires an audio-based language classifier
// (pkg/ai/audiolang) that runs once per call, against the opening
// seconds of the first utterance, before the text-based detector gets
// a chance to run. nil disables audio-based detection, leaving
// detectLanguage's text classification as the only source.
func (e *Engine) SetAudioLanguageDetector(c audiolang.Classifier) { e.audioDetector = c }

func generateID(prefix string) string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s_%x", prefix, b)
}

// StartConversation allocates a new Conversation State for tenantID and
// appends the initial system turn.
func (e *Engine) StartConversation(tenantID string) *State {
	now := time.Now()
	state := &State{
		ID:            generateID("conv"),
		TenantID:      tenantID,
		Language:      "unknown",
		PolicyContext: make(map[string]any),
		CreatedAt:     now,
		LastActivity:  now,
	}

	prompt := e.systemPrompt(state)
	state.appendTurn(Turn{Role: RoleSystem, Content: prompt, Timestamp: now})

	e.mu.Lock()
	e.conversations[state.ID] = state
	e.mu.Unlock()

	return state
}

// Get returns the conversation state for id, or nil if unknown.
func (e *Engine) Get(id string) *State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conversations[id]
}

// End releases a conversation's state from the engine's registry.
func (e *Engine) End(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conversations, id)
}

// systemPrompt composes the dialect-aware system prompt: the policy
// module's base prompt, plus (if a non-standard dialect is recorded) a
// short instruction to understand the dialect but reply in standard
// German, per spec §4.4.
func (e *Engine) systemPrompt(state *State) string {
	base := ""
	if e.promptProvider != nil {
		base = e.promptProvider.SystemPrompt(state.TenantID)
	}

	state.mu.RLock()
	dialect := state.Dialect
	state.mu.RUnlock()

	if dialect == "" || dialect == "standard" {
		return base
	}

	hint := fmt.Sprintf(
		"\n\nDIALEKT-HINWEIS: Der Anrufer spricht möglicherweise %s. Verstehe den Dialekt, antworte aber immer in Hochdeutsch.",
		dialect,
	)
	return base + hint
}

// GetHistoryForLLM returns the last cfg.MaxTurns turns as role/content
// messages, preceded by a freshly composed SYSTEM message, per spec
// §4.4. A configured token budget applies a secondary, tighter trim on
// top of the turn-count window — it only shortens further, never
// relaxes the turn-count bound.
func (e *Engine) GetHistoryForLLM(state *State) []llm.Message {
	turns := state.Turns()

	// drop any turns beyond the system turn for windowing purposes
	var dialogue []Turn
	for _, t := range turns {
		if t.Role != RoleSystem {
			dialogue = append(dialogue, t)
		}
	}
	if len(dialogue) > e.cfg.MaxTurns {
		dialogue = dialogue[len(dialogue)-e.cfg.MaxTurns:]
	}

	messages := make([]llm.Message, 0, len(dialogue)+1)
	messages = append(messages, llm.Message{Role: RoleSystem, Content: e.systemPrompt(state)})
	for _, t := range dialogue {
		messages = append(messages, llm.Message{Role: t.Role, Content: t.Content})
	}

	if e.cfg.MaxHistoryTokens > 0 && e.tokenCounter != nil {
		messages = e.trimToTokenBudget(messages)
	}
	return messages
}

// trimToTokenBudget drops the oldest non-system messages until the
// history fits the configured token budget, always keeping the system
// message and at least the most recent message.
func (e *Engine) trimToTokenBudget(messages []llm.Message) []llm.Message {
	total := func(msgs []llm.Message) int {
		n := 0
		for _, m := range msgs {
			n += e.tokenCounter.Count(m.Content)
		}
		return n
	}

	for len(messages) > 2 && total(messages) > e.cfg.MaxHistoryTokens {
		// messages[0] is the system prompt; drop the oldest dialogue turn
		messages = append(messages[:1], messages[2:]...)
	}
	return messages
}

// detectLanguage runs text-based language/dialect detection over text
// and, if the result is confident enough and more confident than the
// current state, updates the state. Called on every USER turn per spec
// §4.4.
func (e *Engine) detectLanguage(state *State, text string) {
	result := e.textDetector.Detect(text)
	confidence := result.Confidence
	lang := string(result.Language)

	if state.updateLanguage(lang, confidence, e.cfg.DialectThreshold) {
		if result.IsDialect {
			state.setDialect(result.DialectName, nil, confidence)
		} else {
			state.setDialect("standard", nil, confidence)
		}
	}
}

// detectLanguageFromAudio runs the audio-based classifier (if wired)
// against the opening seconds of the call's first utterance, the way
// the prototype's detect_language_from_greeting gates on duration and
// confidence before ever touching STT's text output. Only attempted
// once per call: after the first utterance, text-based detectLanguage
// takes over for subsequent turns.
func (e *Engine) detectLanguageFromAudio(ctx context.Context, state *State, samples []float32, sampleRate int) {
	if e.audioDetector == nil {
		return
	}

	state.mu.Lock()
	already := state.greetingClassified
	state.greetingClassified = true
	state.mu.Unlock()
	if already {
		return
	}

	result, err := audiolang.DetectFromGreeting(ctx, e.audioDetector, samples, sampleRate, e.cfg.GreetingMinDuration, e.cfg.GreetingMaxDuration)
	if err != nil {
		e.logger.Warn("audio language detection failed", slog.Any("error", err))
		return
	}
	if result == nil {
		return
	}

	if state.updateLanguage(result.Language, result.Confidence, e.cfg.DialectThreshold) {
		state.setDialect("standard", nil, result.Confidence)
	}
}

// Synthesize renders text to audio for state's detected language without
// touching conversation history, used for prompts that fall outside the
// turn sequence (e.g. a capture-timeout "please repeat" nudge).
func (e *Engine) Synthesize(ctx context.Context, state *State, text string) ([]byte, error) {
	return e.tts.Synthesize(ctx, text, tts.FormatRaw, state.Language)
}

// GenerateGreeting asks the LLM for a short greeting, synthesizes it,
// and records an ASSISTANT turn.
func (e *Engine) GenerateGreeting(ctx context.Context, state *State) (string, []byte, error) {
	start := time.Now()
	messages := e.GetHistoryForLLM(state)

	llmStart := time.Now()
	text, err := e.llm.GenerateWithHistory(ctx, messages, llm.Options{})
	llmElapsed := time.Since(llmStart)
	if err != nil {
		return "", nil, fmt.Errorf("conversation: greeting generation failed: %w", err)
	}

	ttsStart := time.Now()
	audio, err := e.tts.Synthesize(ctx, text, tts.FormatRaw, state.Language)
	ttsElapsed := time.Since(ttsStart)
	if err != nil {
		return "", nil, fmt.Errorf("conversation: greeting synthesis failed: %w", err)
	}

	state.appendTurn(Turn{Role: RoleAssistant, Content: text, Timestamp: time.Now()})

	e.record(state.ID, Timing{
		LLMTime:        llmElapsed,
		TTSTime:        ttsElapsed,
		Total:          time.Since(start),
		ResponseLength: len(text),
		Timestamp:      time.Now(),
	})

	return text, audio, nil
}

// ProcessAudio is the buffered-mode turn: transcribe, re-detect
// language, compose messages, generate, synthesize, per spec §4.4.
func (e *Engine) ProcessAudio(ctx context.Context, state *State, samples []float32, sampleRate int) (string, []byte, error) {
	start := time.Now()

	e.detectLanguageFromAudio(ctx, state, samples, sampleRate)

	sttStart := time.Now()
	result, err := e.stt.TranscribeWithInfo(ctx, samples, sampleRate, state.Language)
	sttElapsed := time.Since(sttStart)
	if err != nil {
		return "", nil, fmt.Errorf("conversation: transcription failed: %w", err)
	}

	text, audio, err := e.processText(ctx, state, result.Text, start, sttElapsed, 0)
	if err != nil {
		return "", nil, err
	}
	return text, audio, nil
}

// ProcessText is the same pipeline as ProcessAudio but skips STT (spec
// §4.4's process_text).
func (e *Engine) ProcessText(ctx context.Context, state *State, text string) (string, []byte, error) {
	return e.processText(ctx, state, text, time.Now(), 0, 0)
}

func (e *Engine) processText(ctx context.Context, state *State, userText string, start time.Time, sttElapsed, audioDuration time.Duration) (string, []byte, error) {
	e.detectLanguage(state, userText)
	state.appendTurn(Turn{Role: RoleUser, Content: userText, Timestamp: time.Now()})

	messages := e.GetHistoryForLLM(state)

	llmStart := time.Now()
	replyText, err := e.llm.GenerateWithHistory(ctx, messages, llm.Options{})
	llmElapsed := time.Since(llmStart)
	if err != nil {
		return "", nil, fmt.Errorf("conversation: generation failed: %w", err)
	}

	state.appendTurn(Turn{Role: RoleAssistant, Content: replyText, Timestamp: time.Now()})

	ttsStart := time.Now()
	audio, err := e.tts.Synthesize(ctx, replyText, tts.FormatRaw, state.Language)
	ttsElapsed := time.Since(ttsStart)
	if err != nil {
		return "", nil, fmt.Errorf("conversation: synthesis failed: %w", err)
	}

	e.record(state.ID, Timing{
		STTTime:        sttElapsed,
		LLMTime:        llmElapsed,
		TTSTime:        ttsElapsed,
		Total:          time.Since(start),
		AudioDuration:  audioDuration,
		ResponseLength: len(replyText),
		Timestamp:      time.Now(),
	})

	return replyText, audio, nil
}

// OnSentenceReady is invoked once per complete sentence synthesized
// during streaming generation, and once more with any trailing text that
// lacks terminal punctuation when the stream ends.
type OnSentenceReady func(sentence string, audio []byte)

// ProcessAudioStreaming runs the streaming-mode pipeline: LLM tokens are
// buffered and, as soon as a complete sentence accumulates, synthesized
// and handed to onSentence before the rest of the stream is consumed.
func (e *Engine) ProcessAudioStreaming(ctx context.Context, state *State, samples []float32, sampleRate int, onSentence OnSentenceReady) (string, []byte, error) {
	start := time.Now()

	e.detectLanguageFromAudio(ctx, state, samples, sampleRate)

	sttStart := time.Now()
	result, err := e.stt.TranscribeWithInfo(ctx, samples, sampleRate, state.Language)
	sttElapsed := time.Since(sttStart)
	if err != nil {
		return "", nil, fmt.Errorf("conversation: transcription failed: %w", err)
	}

	e.detectLanguage(state, result.Text)
	state.appendTurn(Turn{Role: RoleUser, Content: result.Text, Timestamp: time.Now()})

	messages := e.GetHistoryForLLM(state)

	llmStart := time.Now()
	stream, err := e.llm.GenerateStreaming(ctx, messages, llm.Options{})
	if err != nil {
		return "", nil, fmt.Errorf("conversation: streaming generation failed: %w", err)
	}

	var buffer strings.Builder
	var fullText strings.Builder
	var fullAudio []byte
	var firstByteTime time.Duration
	sentenceCount := 0

	for chunk := range stream {
		if chunk.Err != nil {
			return "", nil, fmt.Errorf("conversation: stream error: %w", chunk.Err)
		}
		buffer.WriteString(chunk.Token)
		fullText.WriteString(chunk.Token)

		for {
			sentence, rest, ok := ExtractSentence(buffer.String(), e.cfg.MinSentenceLength)
			if !ok {
				break
			}
			buffer.Reset()
			buffer.WriteString(rest)

			audio, synthErr := e.tts.Synthesize(ctx, sentence, tts.FormatRaw, state.Language)
			if synthErr != nil {
				e.logger.Warn("sentence synthesis failed", slog.Any("error", synthErr))
				continue
			}
			if sentenceCount == 0 {
				firstByteTime = time.Since(llmStart)
			}
			sentenceCount++
			fullAudio = append(fullAudio, audio...)
			if onSentence != nil {
				onSentence(sentence, audio)
			}
		}
	}
	llmElapsed := time.Since(llmStart)

	// flush any trailing fragment without terminal punctuation
	if remainder := strings.TrimSpace(buffer.String()); remainder != "" {
		audio, synthErr := e.tts.Synthesize(ctx, remainder, tts.FormatRaw, state.Language)
		if synthErr == nil {
			fullAudio = append(fullAudio, audio...)
			if onSentence != nil {
				onSentence(remainder, audio)
			}
		}
	}

	state.appendTurn(Turn{Role: RoleAssistant, Content: fullText.String(), Timestamp: time.Now()})

	e.record(state.ID, Timing{
		STTTime:        sttElapsed,
		LLMTime:        llmElapsed,
		FirstByteTime:  firstByteTime,
		Total:          time.Since(start),
		ResponseLength: fullText.Len(),
		Timestamp:      time.Now(),
	})

	return fullText.String(), fullAudio, nil
}

func (e *Engine) record(callID string, t Timing) {
	if e.recorder != nil {
		e.recorder.RecordTurn(callID, t)
	}
}

// ExtractSentence implements spec §4.4's exact sentence-extraction
// contract: scan buffer for the first terminal-punctuation position i
// where buffer[i] is one of .!? and either i is the last index or
// buffer[i+1] is whitespace. If the candidate sentence (0..=i) is
// shorter than minLength, reject. Returns ok=false when no sentence can
// yet be extracted, in which case buffer is returned unchanged as rest.
//
// This is the one piece of the system with a byte-exact contract; the
// naive scanner is known to split on abbreviations and decimals and is
// kept that way on purpose.
func ExtractSentence(buffer string, minLength int) (sentence, rest string, ok bool) {
	for i := 0; i < len(buffer); i++ {
		c := buffer[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		isLast := i == len(buffer)-1
		followedByWhitespace := !isLast && isWhitespace(buffer[i+1])
		if !isLast && !followedByWhitespace {
			continue
		}
		if i+1 < minLength {
			return "", buffer, false
		}
		return buffer[:i+1], strings.TrimLeft(buffer[i+1:], " \t\n\r"), true
	}
	return "", buffer, false
}

func isWhitespace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
