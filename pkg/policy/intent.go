package policy

import "strings"

// IntentRule maps a lowercase substring to the intent code it implies.
type IntentRule struct {
	Keyword string
	Intent  string
}

// KeywordIntentDetector is a reference IntentDetector, grounded on the
// gesundheit industry's IntentDetector.detect()/is_emergency() pattern
// (original_source/industry/gesundheit/conversation/manager.py), which
// scans an utterance for keyword rules and reports the detected
// patient intent back to the conversation manager's routing logic. The
// original's generated intents.py was not retained in the example
// pack, so the rule table below is a reconstruction generalized from
// the intent names it imports (PatientIntent.EMERGENCY, and the
// appointment/prescription/information intents referenced alongside
// it).
type KeywordIntentDetector struct {
	Rules         []IntentRule
	UnknownIntent string
}

const (
	IntentEmergency    = "emergency"
	IntentAppointment  = "appointment"
	IntentPrescription = "prescription"
	IntentInformation  = "information"
	IntentUnknown      = "unknown"
)

// DefaultKeywordIntentDetector mirrors DefaultKeywordTriage's
// vocabulary but resolves to a single intent code rather than an
// urgency/category pair, matching the two distinct consumers the
// Python manager keeps separate (triage for urgency, intent for
// routing).
func DefaultKeywordIntentDetector() *KeywordIntentDetector {
	return &KeywordIntentDetector{
		Rules: []IntentRule{
			{Keyword: "notfall", Intent: IntentEmergency},
			{Keyword: "112", Intent: IntentEmergency},
			{Keyword: "bewusstlos", Intent: IntentEmergency},
			{Keyword: "termin", Intent: IntentAppointment},
			{Keyword: "verschieben", Intent: IntentAppointment},
			{Keyword: "absagen", Intent: IntentAppointment},
			{Keyword: "rezept", Intent: IntentPrescription},
			{Keyword: "medikament", Intent: IntentPrescription},
			{Keyword: "öffnungszeiten", Intent: IntentInformation},
			{Keyword: "adresse", Intent: IntentInformation},
		},
		UnknownIntent: IntentUnknown,
	}
}

// DetectIntent implements IntentDetector. context is accepted to
// satisfy the interface but unused by this keyword-only reference
// implementation; richer bundles may use it to disambiguate using
// prior turns.
func (d *KeywordIntentDetector) DetectIntent(utteranceText string, context map[string]any) string {
	lower := strings.ToLower(utteranceText)
	for _, rule := range d.Rules {
		if strings.Contains(lower, rule.Keyword) {
			return rule.Intent
		}
	}
	return d.UnknownIntent
}

// IsEmergency mirrors the Python detector's separate is_emergency()
// check, which the manager consults even when detect() already
// returned a non-emergency intent, so an utterance mentioning both an
// appointment and an emergency keyword still escalates.
func (d *KeywordIntentDetector) IsEmergency(utteranceText string) bool {
	lower := strings.ToLower(utteranceText)
	for _, rule := range d.Rules {
		if rule.Intent == IntentEmergency && strings.Contains(lower, rule.Keyword) {
			return true
		}
	}
	return false
}

var _ IntentDetector = (*KeywordIntentDetector)(nil)
