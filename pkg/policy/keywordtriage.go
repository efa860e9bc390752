package policy

import "strings"

// KeywordRule maps a lowercase substring to the category and urgency it
// implies when found in an utterance.
type KeywordRule struct {
	Keyword  string
	Category string
	Urgency  Urgency
}

// KeywordTriage is a reference TriagePolicy that scores an utterance by
// substring match against a configured keyword table, reporting the
// single highest-urgency match as the result category per
// SPEC_FULL.md §4.8's "implementation must pick one highest-priority
// pair" rule. Grounded on
// original_source/industry/gastro/triage.py's keyword-dictionary
// classification idiom, adapted from reservation keywords to a general
// medical-reception vocabulary.
type KeywordTriage struct {
	Rules           []KeywordRule
	DefaultAction   string
	EmergencyAction string
}

// DefaultKeywordTriage is a starting keyword table for a German medical
// reception line; deployments are expected to supply their own via a
// policy bundle.
func DefaultKeywordTriage() *KeywordTriage {
	return &KeywordTriage{
		Rules: []KeywordRule{
			{Keyword: "notfall", Category: "emergency", Urgency: UrgencyEmergency},
			{Keyword: "112", Category: "emergency", Urgency: UrgencyEmergency},
			{Keyword: "bewusstlos", Category: "emergency", Urgency: UrgencyEmergency},
			{Keyword: "blutung", Category: "emergency", Urgency: UrgencyEmergency},
			{Keyword: "atemnot", Category: "emergency", Urgency: UrgencyEmergency},
			{Keyword: "starke schmerzen", Category: "urgent_symptom", Urgency: UrgencyHigh},
			{Keyword: "fieber", Category: "urgent_symptom", Urgency: UrgencyHigh},
			{Keyword: "schmerzen", Category: "symptom", Urgency: UrgencyStandard},
			{Keyword: "termin", Category: "appointment", Urgency: UrgencyStandard},
			{Keyword: "rezept", Category: "prescription", Urgency: UrgencyStandard},
			{Keyword: "öffnungszeiten", Category: "information", Urgency: UrgencyLow},
		},
		DefaultAction:   "route_to_reception",
		EmergencyAction: "advise_112_and_transfer",
	}
}

// Assess implements TriagePolicy.
func (k *KeywordTriage) Assess(utteranceText string) TriageResult {
	lower := strings.ToLower(utteranceText)

	best := TriageResult{
		Urgency:           UrgencyLow,
		Category:          "general",
		RecommendedAction: k.DefaultAction,
	}
	var matched []string

	for _, rule := range k.Rules {
		if !strings.Contains(lower, rule.Keyword) {
			continue
		}
		matched = append(matched, rule.Keyword)
		if rule.Urgency > best.Urgency {
			best.Urgency = rule.Urgency
			best.Category = rule.Category
		}
	}

	best.MatchedKeywords = matched
	if len(matched) == 0 {
		best.Confidence = 0.3
		return best
	}

	best.Confidence = confidenceFor(len(matched))
	if best.Urgency == UrgencyEmergency {
		best.RecommendedAction = k.EmergencyAction
	}
	return best
}

func confidenceFor(matchCount int) float64 {
	switch {
	case matchCount >= 3:
		return 0.95
	case matchCount == 2:
		return 0.85
	default:
		return 0.7
	}
}
