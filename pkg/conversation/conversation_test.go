package conversation

import (
	"context"
	"strings"
	"testing"

	"github.com/matryer/is"

	"github.com/agent-handwerk/phone-agent-core/pkg/ai/audiolang"
	"github.com/agent-handwerk/phone-agent-core/test/fake"
)

type stubPromptProvider struct{ prompt string }

func (s stubPromptProvider) SystemPrompt(tenantID string) string { return s.prompt }

func newTestEngine(llmSvc *fake.LLM) (*Engine, *fake.STT, *fake.TTS) {
	sttSvc := fake.NewSTT("Hallo, ich habe Schmerzen.")
	ttsSvc := fake.NewTTS()
	e := New(sttSvc, llmSvc, ttsSvc, stubPromptProvider{prompt: "You are a helpful clinic assistant."}, DefaultConfig(), nil)
	return e, sttSvc, ttsSvc
}

func TestStartConversation_AppendsSystemTurnFirst(t *testing.T) {
	is := is.New(t)
	e, _, _ := newTestEngine(fake.NewLLM("Guten Tag!"))

	state := e.StartConversation("tenant-1")
	turns := state.Turns()

	is.Equal(len(turns), 1)
	is.Equal(turns[0].Role, RoleSystem)
}

func TestProcessText_AppendsUserThenAssistantTurns(t *testing.T) {
	is := is.New(t)
	e, _, ttsSvc := newTestEngine(fake.NewLLM("Wie kann ich helfen?"))
	state := e.StartConversation("tenant-1")

	reply, audio, err := e.ProcessText(context.Background(), state, "Ich habe Rueckenschmerzen.")
	is.NoErr(err)
	is.Equal(reply, "Wie kann ich helfen?")
	is.True(len(audio) > 0)
	is.Equal(ttsSvc.Calls(), int64(1))

	turns := state.Turns()
	is.Equal(len(turns), 3) // system, user, assistant
	is.Equal(turns[1].Role, RoleUser)
	is.Equal(turns[2].Role, RoleAssistant)
}

func TestProcessAudio_TranscribesThenGenerates(t *testing.T) {
	is := is.New(t)
	e, _, _ := newTestEngine(fake.NewLLM("Ich verstehe."))
	state := e.StartConversation("tenant-1")

	reply, audio, err := e.ProcessAudio(context.Background(), state, make([]float32, 1600), 16000)
	is.NoErr(err)
	is.Equal(reply, "Ich verstehe.")
	is.True(len(audio) > 0)

	turns := state.Turns()
	is.Equal(turns[1].Content, "Hallo, ich habe Schmerzen.")
}

func TestGetHistoryForLLM_WindowsToMaxTurns(t *testing.T) {
	is := is.New(t)
	e, _, _ := newTestEngine(fake.NewLLM("ok"))
	e.cfg.MaxTurns = 2
	state := e.StartConversation("tenant-1")

	for i := 0; i < 5; i++ {
		_, _, err := e.ProcessText(context.Background(), state, "msg")
		is.NoErr(err)
	}

	messages := e.GetHistoryForLLM(state)
	// 1 system + 2 windowed turns
	is.Equal(len(messages), 3)
	is.Equal(messages[0].Role, RoleSystem)
}

func TestGetHistoryForLLM_TokenBudgetTrimsFurther(t *testing.T) {
	is := is.New(t)
	e, _, _ := newTestEngine(fake.NewLLM("ok"))
	e.SetTokenCounter(WordCountTokenCounter{})
	e.cfg.MaxHistoryTokens = 3
	state := e.StartConversation("tenant-1")

	for i := 0; i < 4; i++ {
		_, _, err := e.ProcessText(context.Background(), state, "eins zwei drei vier fuenf")
		is.NoErr(err)
	}

	messages := e.GetHistoryForLLM(state)
	is.True(len(messages) < 9) // must be tighter than the full turn-count window
}

func TestDetectLanguage_UpdatesOnlyAboveThresholdAndConfidence(t *testing.T) {
	is := is.New(t)
	e, _, _ := newTestEngine(fake.NewLLM("ok"))
	state := e.StartConversation("tenant-1")

	e.detectLanguage(state, "Guten Tag, wie geht es Ihnen?")
	is.Equal(state.Language, "de")

	// a low-confidence follow-up must not override the existing detection
	prevConfidence := state.DialectConfidence
	e.detectLanguage(state, "")
	is.Equal(state.DialectConfidence, prevConfidence)
}

func TestSystemPrompt_AppendsDialectHint(t *testing.T) {
	is := is.New(t)
	e, _, _ := newTestEngine(fake.NewLLM("ok"))
	state := e.StartConversation("tenant-1")
	state.setDialect("Schwaebisch", []string{"gsi"}, 0.9)

	prompt := e.systemPrompt(state)
	is.True(strings.Contains(prompt, "Schwaebisch"))
	is.True(strings.Contains(prompt, "DIALEKT"))
	is.True(strings.Contains(prompt, "Hochdeutsch"))
}

func TestProcessAudio_AudioDetectorSetsLanguageOnFirstUtteranceOnly(t *testing.T) {
	is := is.New(t)
	e, _, _ := newTestEngine(fake.NewLLM("Hallo!", "Verstanden."))
	state := e.StartConversation("tenant-1")

	classifier := fake.NewAudioLangClassifier(audiolang.Result{
		Language:   "tr",
		Confidence: 0.95,
	})
	e.SetAudioLanguageDetector(classifier)

	_, _, err := e.ProcessAudio(context.Background(), state, make([]float32, 16000), 16000)
	is.NoErr(err)
	is.Equal(state.Language, "tr")
	is.Equal(classifier.Calls, 1)

	_, _, err = e.ProcessAudio(context.Background(), state, make([]float32, 16000), 16000)
	is.NoErr(err)
	is.Equal(classifier.Calls, 1) // only ever consulted once per call
}

func TestProcessAudio_AudioDetectorBelowGreetingDurationIsSkipped(t *testing.T) {
	is := is.New(t)
	e, _, _ := newTestEngine(fake.NewLLM("Hallo!"))
	state := e.StartConversation("tenant-1")

	classifier := fake.NewAudioLangClassifier(audiolang.Result{Language: "en", Confidence: 0.95})
	e.SetAudioLanguageDetector(classifier)

	// shorter than the 1s GreetingMinDuration default
	_, _, err := e.ProcessAudio(context.Background(), state, make([]float32, 4000), 16000)
	is.NoErr(err)
	is.Equal(classifier.Calls, 0)
	is.Equal(state.Language, "de") // text detector still runs and wins
}

func TestProcessAudioStreaming_EmitsSentencesBeforeStreamEnds(t *testing.T) {
	is := is.New(t)
	llmSvc := fake.NewLLM("Erste Frage? Zweite Aussage.")
	e, _, _ := newTestEngine(llmSvc)
	state := e.StartConversation("tenant-1")

	var sentences []string
	fullText, fullAudio, err := e.ProcessAudioStreaming(context.Background(), state, make([]float32, 1600), 16000, func(sentence string, audio []byte) {
		sentences = append(sentences, sentence)
	})
	is.NoErr(err)
	is.True(len(sentences) >= 1)
	is.True(len(fullText) > 0)
	is.True(len(fullAudio) > 0)
}

func TestExtractSentence_RejectsTooShortCandidate(t *testing.T) {
	is := is.New(t)
	_, rest, ok := ExtractSentence("Hi. Rest", 5)
	is.True(!ok)
	is.Equal(rest, "Hi. Rest")
}

func TestExtractSentence_AcceptsCompleteSentence(t *testing.T) {
	is := is.New(t)
	sentence, rest, ok := ExtractSentence("Guten Tag. Wie geht es Ihnen?", 5)
	is.True(ok)
	is.Equal(sentence, "Guten Tag.")
	is.Equal(rest, "Wie geht es Ihnen?")
}

func TestExtractSentence_DrainsIteratively(t *testing.T) {
	is := is.New(t)
	buffer := "Erste Satz. Zweite Satz. Dritte Satz"
	var extracted []string
	for {
		sentence, rest, ok := ExtractSentence(buffer, 5)
		if !ok {
			break
		}
		extracted = append(extracted, sentence)
		buffer = rest
	}
	is.Equal(len(extracted), 2)
	is.Equal(buffer, "Dritte Satz")
}

func TestRecorder_ReceivesTimingAfterTurn(t *testing.T) {
	is := is.New(t)
	e, _, _ := newTestEngine(fake.NewLLM("ok"))
	rec := &recordingRecorder{}
	e.SetRecorder(rec)
	state := e.StartConversation("tenant-1")

	_, _, err := e.ProcessText(context.Background(), state, "hallo")
	is.NoErr(err)
	is.Equal(len(rec.timings), 1)
}

type recordingRecorder struct {
	timings []Timing
}

func (r *recordingRecorder) RecordTurn(callID string, t Timing) {
	r.timings = append(r.timings, t)
}
