// Package call implements the per-call state machine that drives a
// single phone conversation from ringing through hangup, orchestrating
// the conversation engine and audio pipeline around it. Grounded on
// original_source/core/call_handler.py's CallHandler/CallContext.
package call

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agent-handwerk/phone-agent-core/pkg/audiopipeline"
	"github.com/agent-handwerk/phone-agent-core/pkg/conversation"
	"github.com/agent-handwerk/phone-agent-core/pkg/policy"
)

// State is one of the call state machine's states (spec §4.5).
type State int

const (
	StateIdle State = iota
	StateRinging
	StateGreeting
	StateListening
	StateProcessing
	StateSpeaking
	StateTransferring
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRinging:
		return "RINGING"
	case StateGreeting:
		return "GREETING"
	case StateListening:
		return "LISTENING"
	case StateProcessing:
		return "PROCESSING"
	case StateSpeaking:
		return "SPEAKING"
	case StateTransferring:
		return "TRANSFERRING"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Event is one of the call state machine's triggering events (spec §4.5).
type Event int

const (
	EventIncomingCall Event = iota
	EventCallAnswered
	EventGreetingComplete
	EventSpeechDetected
	EventUtteranceComplete
	EventResponseReady
	EventPlaybackComplete
	EventTransferRequested
	EventTransferComplete
	EventHangup
	EventError
	EventTimeout
)

func (e Event) String() string {
	switch e {
	case EventIncomingCall:
		return "INCOMING_CALL"
	case EventCallAnswered:
		return "CALL_ANSWERED"
	case EventGreetingComplete:
		return "GREETING_COMPLETE"
	case EventSpeechDetected:
		return "SPEECH_DETECTED"
	case EventUtteranceComplete:
		return "UTTERANCE_COMPLETE"
	case EventResponseReady:
		return "RESPONSE_READY"
	case EventPlaybackComplete:
		return "PLAYBACK_COMPLETE"
	case EventTransferRequested:
		return "TRANSFER_REQUESTED"
	case EventTransferComplete:
		return "TRANSFER_COMPLETE"
	case EventHangup:
		return "HANGUP"
	case EventError:
		return "ERROR"
	case EventTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

type transitionKey struct {
	from  State
	event Event
}

// transitions is the state/event transition table from spec §4.5, taken
// from original_source/core/call_handler.py's _transitions dict, plus one
// added row: GREETING on TRANSFER_REQUESTED goes to TRANSFERRING, used
// when the consent gate denies a call.
var transitions = map[transitionKey]State{
	{StateIdle, EventIncomingCall}: StateRinging,

	{StateRinging, EventCallAnswered}: StateGreeting,
	{StateRinging, EventHangup}:       StateEnded,
	{StateRinging, EventTimeout}:      StateEnded,

	{StateGreeting, EventGreetingComplete}:  StateListening,
	{StateGreeting, EventTransferRequested}: StateTransferring,
	{StateGreeting, EventHangup}:            StateEnded,

	{StateListening, EventSpeechDetected}:    StateListening,
	{StateListening, EventUtteranceComplete}: StateProcessing,
	{StateListening, EventTimeout}:           StateSpeaking,
	{StateListening, EventHangup}:            StateEnded,

	{StateProcessing, EventResponseReady}:      StateSpeaking,
	{StateProcessing, EventTransferRequested}:  StateTransferring,
	{StateProcessing, EventError}:              StateSpeaking,
	{StateProcessing, EventHangup}:             StateEnded,

	{StateSpeaking, EventPlaybackComplete}: StateListening,
	{StateSpeaking, EventHangup}:           StateEnded,

	{StateTransferring, EventTransferComplete}: StateEnded,
	{StateTransferring, EventError}:            StateSpeaking,
	{StateTransferring, EventHangup}:           StateEnded,
}

// Context is the per-call state (spec §3's Call Context). State is
// mutated only by the owning Handler; readers elsewhere should use
// Snapshot.
type Context struct {
	mu sync.RWMutex

	ID             string
	CallerID       string
	CalleeID       string
	TenantID       string // resolved by the tenant/language context component; defaults to CalleeID
	State          State
	StartedAt      time.Time
	EndedAt        time.Time
	Conversation   *conversation.State
	TransferTarget string
	Error          string
	Metadata       map[string]any
}

// Snapshot is a point-in-time, mutex-free copy of a Context, safe to
// pass around and read concurrently (spec §5's "concurrent readers must
// obtain a snapshot copy" rule). Context itself stays mutex-guarded and
// is never copied by value.
type Snapshot struct {
	ID             string
	CallerID       string
	CalleeID       string
	TenantID       string
	State          State
	StartedAt      time.Time
	EndedAt        time.Time
	TransferTarget string
	Error          string
	Metadata       map[string]any
}

// Snapshot returns a copy of ctx safe for concurrent reading.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta := make(map[string]any, len(c.Metadata))
	for k, v := range c.Metadata {
		meta[k] = v
	}
	return Snapshot{
		ID:             c.ID,
		CallerID:       c.CallerID,
		CalleeID:       c.CalleeID,
		TenantID:       c.TenantID,
		State:          c.State,
		StartedAt:      c.StartedAt,
		EndedAt:        c.EndedAt,
		TransferTarget: c.TransferTarget,
		Error:          c.Error,
		Metadata:       meta,
	}
}

// SetTenantID overrides the tenant resolved for this call, replacing
// the CalleeID placeholder HandleIncomingCall assigns by default. Must
// be called before AnswerCall, which reads TenantID once to start the
// conversation.
func (c *Context) SetTenantID(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TenantID = tenantID
}

func (c *Context) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.State = s
}

func (c *Context) getState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.State
}

// Duration returns the call's elapsed time: EndedAt - StartedAt if the
// call has ended, else now - StartedAt. Zero if the call never started.
func (c *Context) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.StartedAt.IsZero() {
		return 0
	}
	end := c.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(c.StartedAt)
}

// StateChangeEvent is emitted on every committed transition.
type StateChangeEvent struct {
	From Event
	Old  State
	New  State
	Call Snapshot // snapshot at the time of transition
}

// Config tunes the handler's capture timeout and transfer heuristic.
type Config struct {
	CaptureTimeout      time.Duration // spec default: 30s
	TransferPhrases     []string
	TimeoutPrompt       string
	ConsentDeniedPrompt string
}

func DefaultConfig() Config {
	return Config{
		CaptureTimeout: 30 * time.Second,
		TransferPhrases: []string{
			"verbinde sie",
			"weiterleite",
			"notfall",
			"112",
			"sofort",
		},
		TimeoutPrompt:       "Entschuldigung, ich habe Sie nicht verstanden. Können Sie das bitte wiederholen?",
		ConsentDeniedPrompt: "Entschuldigung, ich darf dieses Gespräch ohne Ihre Zustimmung nicht aufzeichnen. Ich verbinde Sie mit einem Mitarbeiter.",
	}
}

// Handler manages a single phone call's lifecycle at a time, matching
// spec §4.5's "at most one active Call Context per handler" invariant.
type Handler struct {
	mu sync.Mutex

	conversationEngine *conversation.Engine
	audioPipeline      *audiopipeline.Pipeline
	cfg                Config
	logger             *slog.Logger

	current *Context
	history []*Context

	events chan StateChangeEvent

	triage  policy.TriagePolicy
	consent policy.ConsentGate
}

// WithTriagePolicy attaches a triage policy; ProcessUtterance then
// assesses every user turn and records the result into the call's
// metadata, escalating to a transfer alongside the phrase heuristic
// when the assessed urgency is UrgencyEmergency. The core only forwards
// the classification it gets back — it applies no triage logic of its
// own (spec §4.8).
func (h *Handler) WithTriagePolicy(t policy.TriagePolicy) *Handler {
	h.triage = t
	return h
}

// WithConsentGate attaches a consent gate; AnswerCall then checks it
// before a call is captured, routing to TRANSFERRING with an apology
// instead of proceeding to the greeting when consent is denied (spec
// §4.8 item 4, §7 error category 4). The core applies no consent policy
// of its own — it only enforces the decision the gate hands back.
func (h *Handler) WithConsentGate(g policy.ConsentGate) *Handler {
	h.consent = g
	return h
}

func New(conversationEngine *conversation.Engine, pipeline *audiopipeline.Pipeline, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 30 * time.Second
	}
	return &Handler{
		conversationEngine: conversationEngine,
		audioPipeline:      pipeline,
		cfg:                cfg,
		logger:             logger,
		events:             make(chan StateChangeEvent, 32),
	}
}

// Events returns the channel of committed state transitions, the
// channel-based replacement for the prototype's on_state_change
// callback (spec §9's "callbacks become channels" note).
func (h *Handler) Events() <-chan StateChangeEvent {
	return h.events
}

func generateCallID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("call_%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("call_%x", b)
}

// HandleIncomingCall allocates a new Call Context and transitions to
// RINGING. Returns an error if a call is already in progress, per spec
// §4.5's single-active-call invariant.
func (h *Handler) HandleIncomingCall(callerID, calleeID string, metadata map[string]any) (*Context, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current != nil {
		state := h.current.getState()
		if state != StateIdle && state != StateEnded {
			return nil, fmt.Errorf("call: already handling a call in state %s", state)
		}
	}

	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	ctx := &Context{
		ID:       generateCallID(),
		CallerID: callerID,
		CalleeID: calleeID,
		TenantID: calleeID,
		State:    StateIdle,
		Metadata: meta,
	}
	h.current = ctx

	h.transitionLocked(ctx, EventIncomingCall)

	h.logger.Info("incoming call", slog.String("call_id", ctx.ID), slog.String("caller_id", callerID))
	return ctx, nil
}

// AnswerCall answers the current ringing call: starts the conversation
// and transitions to GREETING under the lock, then performs the
// long-running greeting playback outside it, per spec §4.5's "long I/O
// is performed outside the lock after the transition commits" rule.
func (h *Handler) AnswerCall(ctx context.Context) error {
	h.mu.Lock()
	call := h.current
	if call == nil || call.getState() != StateRinging {
		h.mu.Unlock()
		return fmt.Errorf("call: no ringing call to answer")
	}

	call.mu.Lock()
	call.StartedAt = time.Now()
	call.mu.Unlock()

	call.Conversation = h.conversationEngine.StartConversation(call.TenantID)
	h.transitionLocked(call, EventCallAnswered)
	h.mu.Unlock()

	if h.audioPipeline != nil {
		h.audioPipeline.Start()
	}

	if denied, reason := h.assessConsent(call); denied {
		return h.denyForConsent(ctx, call, reason)
	}

	return h.playGreeting(ctx, call)
}

// assessConsent checks the configured ConsentGate for recording consent
// before any capture starts, recording the reason on the call's
// metadata either way. No gate configured means no check is performed.
func (h *Handler) assessConsent(call *Context) (denied bool, reason string) {
	if h.consent == nil {
		return false, ""
	}

	allowed, reason := h.consent.Allow(call.CallerID, policy.ConsentKindRecording)

	call.mu.Lock()
	if call.Metadata == nil {
		call.Metadata = make(map[string]any)
	}
	call.Metadata["consent_recording"] = allowed
	call.Metadata["consent_reason"] = reason
	call.mu.Unlock()

	return !allowed, reason
}

// denyForConsent speaks the configured apology and routes the call to
// TRANSFERRING instead of proceeding to the greeting.
func (h *Handler) denyForConsent(ctx context.Context, call *Context, reason string) error {
	h.logger.Info("consent denied, transferring",
		slog.String("call_id", call.ID), slog.String("reason", reason))

	prompt := h.cfg.ConsentDeniedPrompt
	audio, err := h.conversationEngine.Synthesize(ctx, call.Conversation, prompt)
	if err != nil {
		h.logger.Warn("consent denial prompt synthesis failed", slog.Any("error", err))
	} else if h.audioPipeline != nil {
		if err := h.audioPipeline.PlayRaw(audio, 16000); err != nil {
			h.logger.Warn("consent denial playback failed", slog.Any("error", err))
		}
	}

	h.mu.Lock()
	call.mu.Lock()
	call.TransferTarget = "human-operator"
	call.mu.Unlock()
	h.transitionLocked(call, EventTransferRequested)
	h.mu.Unlock()
	return nil
}

func (h *Handler) playGreeting(ctx context.Context, call *Context) error {
	text, audio, err := h.conversationEngine.GenerateGreeting(ctx, call.Conversation)
	if err != nil {
		return fmt.Errorf("call: greeting generation failed: %w", err)
	}
	h.logger.Info("playing greeting", slog.String("call_id", call.ID), slog.Int("text_len", len(text)))

	if h.audioPipeline != nil {
		if err := h.audioPipeline.PlayRaw(audio, 16000); err != nil {
			h.logger.Warn("greeting playback failed", slog.Any("error", err))
		}
	}

	h.mu.Lock()
	h.transitionLocked(call, EventGreetingComplete)
	h.mu.Unlock()
	return nil
}

// CaptureAndProcessUtterance blocks on the audio pipeline's
// CaptureUtterance, then runs ProcessUtterance on whatever was
// captured. On timeout it speaks the configured timeout prompt instead
// of hanging up, per spec §4.5's timeout policy.
func (h *Handler) CaptureAndProcessUtterance(ctx context.Context) (string, error) {
	if h.audioPipeline == nil {
		return "", fmt.Errorf("call: no audio pipeline configured")
	}

	samples, err := h.audioPipeline.CaptureUtterance(ctx, h.cfg.CaptureTimeout)
	if err != nil {
		return "", err
	}
	if samples == nil {
		return h.handleTimeout(ctx)
	}
	return h.ProcessUtterance(ctx, samples, 16000)
}

func (h *Handler) handleTimeout(ctx context.Context) (string, error) {
	h.mu.Lock()
	call := h.current
	if call == nil {
		h.mu.Unlock()
		return "", fmt.Errorf("call: no active call")
	}
	h.transitionLocked(call, EventTimeout)
	h.mu.Unlock()

	audio, err := h.conversationEngine.Synthesize(ctx, call.Conversation, h.cfg.TimeoutPrompt)
	if err != nil {
		return "", fmt.Errorf("call: timeout prompt synthesis failed: %w", err)
	}
	if h.audioPipeline != nil {
		if err := h.audioPipeline.PlayRaw(audio, 16000); err != nil {
			h.logger.Warn("timeout prompt playback failed", slog.Any("error", err))
		}
	}

	h.mu.Lock()
	h.transitionLocked(call, EventPlaybackComplete)
	h.mu.Unlock()
	return h.cfg.TimeoutPrompt, nil
}

// ProcessUtterance runs samples through the conversation engine and
// either triggers a transfer or plays the response, per spec §4.5's
// transfer heuristic.
func (h *Handler) ProcessUtterance(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	h.mu.Lock()
	call := h.current
	if call == nil || call.Conversation == nil {
		h.mu.Unlock()
		return "", fmt.Errorf("call: no active call")
	}
	h.transitionLocked(call, EventUtteranceComplete)
	h.mu.Unlock()

	text, audio, err := h.conversationEngine.ProcessAudio(ctx, call.Conversation, samples, sampleRate)
	if err != nil {
		h.mu.Lock()
		call.mu.Lock()
		call.Error = err.Error()
		call.mu.Unlock()
		h.transitionLocked(call, EventError)
		h.mu.Unlock()
		return "", fmt.Errorf("call: utterance processing failed: %w", err)
	}

	h.mu.Lock()
	h.transitionLocked(call, EventResponseReady)
	h.mu.Unlock()

	forceTransfer := h.assessTriage(call)

	if forceTransfer || h.shouldTransfer(text) {
		h.mu.Lock()
		call.mu.Lock()
		call.TransferTarget = "human-operator"
		call.mu.Unlock()
		h.transitionLocked(call, EventTransferRequested)
		h.mu.Unlock()
		return text, nil
	}

	if h.audioPipeline != nil {
		if err := h.audioPipeline.PlayRaw(audio, 16000); err != nil {
			h.logger.Warn("response playback failed", slog.Any("error", err))
		}
	}

	h.mu.Lock()
	h.transitionLocked(call, EventPlaybackComplete)
	h.mu.Unlock()

	return text, nil
}

// CompleteTransfer transitions a TRANSFERRING call to ENDED once the
// telephony layer confirms the human operator has taken the call.
func (h *Handler) CompleteTransfer() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	call := h.current
	if call == nil || call.getState() != StateTransferring {
		return fmt.Errorf("call: no call being transferred")
	}
	h.transitionLocked(call, EventTransferComplete)
	return nil
}

// assessTriage runs the most recent user turn through the configured
// TriagePolicy, if any, recording the result on the call's metadata and
// reporting whether an emergency classification should force a transfer
// regardless of the phrase heuristic.
func (h *Handler) assessTriage(call *Context) bool {
	if h.triage == nil {
		return false
	}

	turns := call.Conversation.Turns()
	var lastUser string
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == conversation.RoleUser {
			lastUser = turns[i].Content
			break
		}
	}
	if lastUser == "" {
		return false
	}

	result := h.triage.Assess(lastUser)

	call.mu.Lock()
	if call.Metadata == nil {
		call.Metadata = make(map[string]any)
	}
	call.Metadata["triage"] = result
	call.mu.Unlock()

	return result.Urgency == policy.UrgencyEmergency
}

func (h *Handler) shouldTransfer(responseText string) bool {
	lower := strings.ToLower(responseText)
	for _, phrase := range h.cfg.TransferPhrases {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

// Hangup idempotently tears down the audio pipeline, closes the
// conversation, archives the Call Context into history, and clears the
// current pointer. Returns nil if no call is active, matching the
// prototype's hangup().
func (h *Handler) Hangup() *Context {
	h.mu.Lock()
	defer h.mu.Unlock()

	call := h.current
	if call == nil {
		return nil
	}

	if h.audioPipeline != nil {
		h.audioPipeline.Stop()
	}
	if call.Conversation != nil {
		h.conversationEngine.End(call.Conversation.ID)
	}

	call.mu.Lock()
	call.EndedAt = time.Now()
	call.mu.Unlock()

	h.transitionLocked(call, EventHangup)

	h.history = append(h.history, call)
	h.current = nil

	h.logger.Info("call ended", slog.String("call_id", call.ID), slog.Duration("duration", call.Duration()))
	return call
}

// transitionLocked applies event to call under the handler's lock.
// Unknown (state, event) combinations are invalid per spec §4.5 and are
// logged without effect.
func (h *Handler) transitionLocked(call *Context, event Event) {
	old := call.getState()
	newState, ok := transitions[transitionKey{old, event}]
	if !ok {
		h.logger.Warn("invalid call state transition",
			slog.String("call_id", call.ID),
			slog.String("from", old.String()),
			slog.String("event", event.String()))
		return
	}

	call.setState(newState)

	evt := StateChangeEvent{From: event, Old: old, New: newState, Call: call.Snapshot()}
	select {
	case h.events <- evt:
	default:
		select {
		case <-h.events:
		default:
		}
		select {
		case h.events <- evt:
		default:
		}
	}
}

// CurrentCall returns the active call's live Context (not a Snapshot
// copy), or nil if none.
func (h *Handler) CurrentCall() *Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// IsInCall reports whether a call is active (neither IDLE nor ENDED).
func (h *Handler) IsInCall() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return false
	}
	state := h.current.getState()
	return state != StateIdle && state != StateEnded
}

// History returns the archived calls handled so far.
func (h *Handler) History() []*Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Context, len(h.history))
	copy(out, h.history)
	return out
}
