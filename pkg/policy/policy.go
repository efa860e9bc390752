// Package policy defines the pure capability interfaces the
// conversation and call-control core depends on for everything that
// varies by tenant and industry: system prompts, triage, intent
// detection, and consent. Policy bundles that implement these
// interfaces live outside the core (spec §4.8); this package ships no
// bundle of its own, only simple reference implementations: a
// keyword-based TriagePolicy and IntentDetector, an in-memory
// ConsentGate, and a static SystemPromptProvider.
package policy

// SystemPromptProvider composes the LLM system prompt for a given
// tenant. Its method signature matches
// pkg/conversation's local SystemPromptProvider capability interface
// structurally, so any implementation here satisfies that package
// without it importing this one.
type SystemPromptProvider interface {
	SystemPrompt(tenantID string) string
}

// Urgency is the enumerated urgency scale a TriagePolicy assigns to an
// utterance (spec §4.8).
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyStandard
	UrgencyHigh
	UrgencyEmergency
)

func (u Urgency) String() string {
	switch u {
	case UrgencyLow:
		return "low"
	case UrgencyStandard:
		return "standard"
	case UrgencyHigh:
		return "high"
	case UrgencyEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// TriageResult is the classification a TriagePolicy produces for one
// utterance. The core records it on the call's metadata and transfers
// the call when Urgency is UrgencyEmergency; it applies no category
// ordering of its own (SPEC_FULL.md
// §4.8's emergency-priority resolution: an implementation matching
// multiple categories must pick the single highest-priority pair
// itself).
type TriageResult struct {
	Urgency           Urgency
	Category          string
	MatchedKeywords   []string
	Confidence        float64
	RecommendedAction string
}

// TriagePolicy classifies a single utterance's urgency and category.
type TriagePolicy interface {
	Assess(utteranceText string) TriageResult
}

// IntentDetector maps an utterance, given whatever context a policy
// bundle needs, to an opaque intent code. The core does not interpret
// intent codes; it only routes on them via policy-supplied logic.
type IntentDetector interface {
	DetectIntent(utteranceText string, context map[string]any) string
}

// ConsentKind names a category of consent a ConsentGate is asked about
// (e.g. "recording", "marketing_contact").
type ConsentKind string

// ConsentKindRecording is the consent category checked before a call is
// captured for recording/transcription.
const ConsentKindRecording ConsentKind = "recording"

// ConsentGate decides whether an operation gated on consent (e.g.
// persisting a call recording) may proceed for a given contact.
type ConsentGate interface {
	Allow(contactID string, kind ConsentKind) (allowed bool, reason string)
}
