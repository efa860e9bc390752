package call

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/agent-handwerk/phone-agent-core/pkg/audiopipeline"
	"github.com/agent-handwerk/phone-agent-core/pkg/conversation"
	"github.com/agent-handwerk/phone-agent-core/pkg/policy"
	"github.com/agent-handwerk/phone-agent-core/test/fake"
)

type stubPromptProvider struct{}

func (stubPromptProvider) SystemPrompt(tenantID string) string { return "You are a clinic assistant." }

func newTestHandler(llmScript ...string) (*Handler, *audiopipeline.Pipeline) {
	sttSvc := fake.NewSTT("Ich habe Rueckenschmerzen.")
	ttsSvc := fake.NewTTS()
	llmSvc := fake.NewLLM(llmScript...)
	engine := conversation.New(sttSvc, llmSvc, ttsSvc, stubPromptProvider{}, conversation.DefaultConfig(), nil)

	pipelineCfg := audiopipeline.DefaultConfig()
	pipelineCfg.ChunkSize = 160
	pipeline := audiopipeline.New(pipelineCfg, nil, nil)

	h := New(engine, pipeline, DefaultConfig(), nil)
	return h, pipeline
}

func TestHandleIncomingCall_TransitionsToRinging(t *testing.T) {
	is := is.New(t)
	h, _ := newTestHandler("Guten Tag!")

	ctx, err := h.HandleIncomingCall("+491701234567", "+498912345", nil)
	is.NoErr(err)
	is.Equal(ctx.getState(), StateRinging)
}

func TestHandleIncomingCall_RejectsConcurrentCall(t *testing.T) {
	is := is.New(t)
	h, _ := newTestHandler("Guten Tag!")

	_, err := h.HandleIncomingCall("+491", "+498", nil)
	is.NoErr(err)

	_, err = h.HandleIncomingCall("+492", "+498", nil)
	is.True(err != nil)
}

func TestAnswerCall_PlaysGreetingAndReachesListening(t *testing.T) {
	is := is.New(t)
	h, _ := newTestHandler("Guten Tag, hier ist die Praxis.")

	_, err := h.HandleIncomingCall("+491", "+498", nil)
	is.NoErr(err)

	err = h.AnswerCall(context.Background())
	is.NoErr(err)

	call := h.CurrentCall()
	is.Equal(call.getState(), StateListening)
}

func TestProcessUtterance_ReachesListeningAfterPlayback(t *testing.T) {
	is := is.New(t)
	h, _ := newTestHandler("Guten Tag!", "Wie kann ich helfen?")

	_, err := h.HandleIncomingCall("+491", "+498", nil)
	is.NoErr(err)
	is.NoErr(h.AnswerCall(context.Background()))

	text, err := h.ProcessUtterance(context.Background(), make([]float32, 1600), 16000)
	is.NoErr(err)
	is.Equal(text, "Wie kann ich helfen?")

	call := h.CurrentCall()
	is.Equal(call.getState(), StateListening)
}

func TestProcessUtterance_TransferPhraseReachesTransferring(t *testing.T) {
	is := is.New(t)
	h, _ := newTestHandler("Guten Tag!", "Ich verbinde Sie sofort mit einem Kollegen.")

	_, err := h.HandleIncomingCall("+491", "+498", nil)
	is.NoErr(err)
	is.NoErr(h.AnswerCall(context.Background()))

	_, err = h.ProcessUtterance(context.Background(), make([]float32, 1600), 16000)
	is.NoErr(err)

	call := h.CurrentCall()
	is.Equal(call.getState(), StateTransferring)
	is.Equal(call.TransferTarget, "human-operator")
}

func TestCompleteTransfer_EndsTransferringCall(t *testing.T) {
	is := is.New(t)
	h, _ := newTestHandler("Guten Tag!", "Notfall, ich verbinde Sie sofort.")

	_, err := h.HandleIncomingCall("+491", "+498", nil)
	is.NoErr(err)
	is.NoErr(h.AnswerCall(context.Background()))
	_, err = h.ProcessUtterance(context.Background(), make([]float32, 1600), 16000)
	is.NoErr(err)

	is.NoErr(h.CompleteTransfer())
	call := h.CurrentCall()
	is.Equal(call.getState(), StateEnded)
}

func TestHangup_IsIdempotent(t *testing.T) {
	is := is.New(t)
	h, _ := newTestHandler("Guten Tag!")

	_, err := h.HandleIncomingCall("+491", "+498", nil)
	is.NoErr(err)

	first := h.Hangup()
	is.True(first != nil)
	is.Equal(first.getState(), StateEnded)

	second := h.Hangup()
	is.True(second == nil)

	is.Equal(len(h.History()), 1)
}

func TestHangup_ClearsCurrentCallAfterFullLifecycle(t *testing.T) {
	is := is.New(t)
	h, _ := newTestHandler("Guten Tag!", "Wie kann ich helfen?")

	_, err := h.HandleIncomingCall("+491", "+498", nil)
	is.NoErr(err)
	is.NoErr(h.AnswerCall(context.Background()))
	_, err = h.ProcessUtterance(context.Background(), make([]float32, 1600), 16000)
	is.NoErr(err)

	is.True(h.IsInCall())
	h.Hangup()
	is.True(!h.IsInCall())
	is.True(h.CurrentCall() == nil)
}

func TestHandleTimeout_PlaysPromptAndReturnsToListening(t *testing.T) {
	is := is.New(t)
	h, _ := newTestHandler("Guten Tag!")
	h.cfg.CaptureTimeout = 20 * time.Millisecond

	_, err := h.HandleIncomingCall("+491", "+498", nil)
	is.NoErr(err)
	is.NoErr(h.AnswerCall(context.Background()))

	text, err := h.CaptureAndProcessUtterance(context.Background())
	is.NoErr(err)
	is.Equal(text, h.cfg.TimeoutPrompt)

	call := h.CurrentCall()
	is.Equal(call.getState(), StateListening)
}

func TestEvents_EmitsStateChangeOnEveryTransition(t *testing.T) {
	is := is.New(t)
	h, _ := newTestHandler("Guten Tag!")
	events := h.Events()

	_, err := h.HandleIncomingCall("+491", "+498", nil)
	is.NoErr(err)

	select {
	case evt := <-events:
		is.Equal(evt.Old, StateIdle)
		is.Equal(evt.New, StateRinging)
	case <-time.After(time.Second):
		t.Fatal("no state change event received")
	}
}

func TestProcessUtterance_TriagePolicyRecordsResultOnMetadata(t *testing.T) {
	is := is.New(t)
	sttSvc := fake.NewSTT("Ich habe seit heute Schmerzen.")
	ttsSvc := fake.NewTTS()
	llmSvc := fake.NewLLM("Guten Tag!", "Verstanden, ich trage das ein.")
	engine := conversation.New(sttSvc, llmSvc, ttsSvc, stubPromptProvider{}, conversation.DefaultConfig(), nil)
	pipelineCfg := audiopipeline.DefaultConfig()
	pipelineCfg.ChunkSize = 160
	pipeline := audiopipeline.New(pipelineCfg, nil, nil)

	h := New(engine, pipeline, DefaultConfig(), nil).WithTriagePolicy(policy.DefaultKeywordTriage())

	_, err := h.HandleIncomingCall("+491", "+498", nil)
	is.NoErr(err)
	is.NoErr(h.AnswerCall(context.Background()))

	_, err = h.ProcessUtterance(context.Background(), make([]float32, 1600), 16000)
	is.NoErr(err)

	call := h.CurrentCall()
	result, ok := call.Metadata["triage"].(policy.TriageResult)
	is.True(ok)
	is.Equal(result.Category, "symptom")
	is.Equal(call.getState(), StateListening)
}

func TestProcessUtterance_TriageEmergencyForcesTransfer(t *testing.T) {
	is := is.New(t)
	sttSvc := fake.NewSTT("Das ist ein Notfall, bitte helfen Sie.")
	ttsSvc := fake.NewTTS()
	llmSvc := fake.NewLLM("Guten Tag!", "Bleiben Sie ruhig.")
	engine := conversation.New(sttSvc, llmSvc, ttsSvc, stubPromptProvider{}, conversation.DefaultConfig(), nil)
	pipelineCfg := audiopipeline.DefaultConfig()
	pipelineCfg.ChunkSize = 160
	pipeline := audiopipeline.New(pipelineCfg, nil, nil)

	h := New(engine, pipeline, DefaultConfig(), nil).WithTriagePolicy(policy.DefaultKeywordTriage())

	_, err := h.HandleIncomingCall("+491", "+498", nil)
	is.NoErr(err)
	is.NoErr(h.AnswerCall(context.Background()))

	_, err = h.ProcessUtterance(context.Background(), make([]float32, 1600), 16000)
	is.NoErr(err)

	call := h.CurrentCall()
	is.Equal(call.getState(), StateTransferring)
	result := call.Metadata["triage"].(policy.TriageResult)
	is.Equal(result.Urgency, policy.UrgencyEmergency)
}

func TestAnswerCall_ConsentDeniedForcesTransferBeforeGreeting(t *testing.T) {
	is := is.New(t)
	sttSvc := fake.NewSTT("Ich habe Rueckenschmerzen.")
	ttsSvc := fake.NewTTS()
	llmSvc := fake.NewLLM("Guten Tag!")
	engine := conversation.New(sttSvc, llmSvc, ttsSvc, stubPromptProvider{}, conversation.DefaultConfig(), nil)
	pipelineCfg := audiopipeline.DefaultConfig()
	pipelineCfg.ChunkSize = 160
	pipeline := audiopipeline.New(pipelineCfg, nil, nil)

	gate := policy.NewInMemoryConsentGate() // no grant recorded -> denied
	h := New(engine, pipeline, DefaultConfig(), nil).WithConsentGate(gate)

	_, err := h.HandleIncomingCall("+491", "+498", nil)
	is.NoErr(err)
	is.NoErr(h.AnswerCall(context.Background()))

	call := h.CurrentCall()
	is.Equal(call.getState(), StateTransferring)
	is.Equal(call.TransferTarget, "human-operator")
	allowed, ok := call.Metadata["consent_recording"].(bool)
	is.True(ok)
	is.True(!allowed)
}

func TestAnswerCall_ConsentGrantedPlaysGreetingNormally(t *testing.T) {
	is := is.New(t)
	h, _ := newTestHandler("Guten Tag, hier ist die Praxis.")
	gate := policy.NewInMemoryConsentGate()
	gate.Grant("+491", policy.ConsentKindRecording, true)
	h.WithConsentGate(gate)

	_, err := h.HandleIncomingCall("+491", "+498", nil)
	is.NoErr(err)
	is.NoErr(h.AnswerCall(context.Background()))

	call := h.CurrentCall()
	is.Equal(call.getState(), StateListening)
}

func TestInvalidTransition_IsIgnoredNotPanicking(t *testing.T) {
	is := is.New(t)
	h, _ := newTestHandler("Guten Tag!")

	_, err := h.HandleIncomingCall("+491", "+498", nil)
	is.NoErr(err)
	call := h.CurrentCall()

	h.mu.Lock()
	h.transitionLocked(call, EventPlaybackComplete) // invalid from RINGING
	h.mu.Unlock()

	is.Equal(call.getState(), StateRinging) // unchanged
}
