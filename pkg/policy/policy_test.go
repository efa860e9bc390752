package policy

import (
	"testing"

	"github.com/matryer/is"
)

func TestKeywordTriage_EmergencyKeywordWinsOverLowerUrgencyMatch(t *testing.T) {
	is := is.New(t)
	triage := DefaultKeywordTriage()

	result := triage.Assess("Ich habe einen Termin, aber jetzt habe ich einen Notfall, bitte helfen Sie mir")

	is.Equal(result.Urgency, UrgencyEmergency)
	is.Equal(result.Category, "emergency")
	is.Equal(result.RecommendedAction, triage.EmergencyAction)
}

func TestKeywordTriage_NoMatchReturnsLowConfidenceDefault(t *testing.T) {
	is := is.New(t)
	triage := DefaultKeywordTriage()

	result := triage.Assess("Guten Tag, wie geht es Ihnen?")

	is.Equal(result.Urgency, UrgencyLow)
	is.Equal(result.Category, "general")
	is.Equal(result.RecommendedAction, triage.DefaultAction)
	is.Equal(result.Confidence, 0.3)
	is.Equal(len(result.MatchedKeywords), 0)
}

func TestKeywordTriage_ConfidenceScalesWithMatchCount(t *testing.T) {
	is := is.New(t)
	triage := DefaultKeywordTriage()

	single := triage.Assess("Ich brauche ein Rezept")
	is.Equal(single.Confidence, 0.7)

	double := triage.Assess("Ich brauche ein Rezept und habe Fieber")
	is.Equal(double.Confidence, 0.85)

	triple := triage.Assess("Ich habe Fieber, starke Schmerzen und brauche ein Rezept")
	is.Equal(triple.Confidence, 0.95)
}

func TestKeywordTriage_StandardSymptomKeyword(t *testing.T) {
	is := is.New(t)
	triage := DefaultKeywordTriage()

	result := triage.Assess("Ich habe seit heute Schmerzen im Rücken")

	is.Equal(result.Urgency, UrgencyStandard)
	is.Equal(result.Category, "symptom")
}

func TestUrgency_String(t *testing.T) {
	is := is.New(t)
	is.Equal(UrgencyLow.String(), "low")
	is.Equal(UrgencyStandard.String(), "standard")
	is.Equal(UrgencyHigh.String(), "high")
	is.Equal(UrgencyEmergency.String(), "emergency")
	is.Equal(Urgency(99).String(), "unknown")
}

func TestKeywordIntentDetector_DetectsFirstMatchingIntent(t *testing.T) {
	is := is.New(t)
	detector := DefaultKeywordIntentDetector()

	is.Equal(detector.DetectIntent("Ich möchte meinen Termin verschieben", nil), IntentAppointment)
	is.Equal(detector.DetectIntent("Brauche ich ein neues Rezept?", nil), IntentPrescription)
	is.Equal(detector.DetectIntent("Wie sind Ihre Öffnungszeiten?", nil), IntentInformation)
	is.Equal(detector.DetectIntent("Das ist ein Notfall", nil), IntentEmergency)
	is.Equal(detector.DetectIntent("Hallo, ich rufe nur zum Plaudern an", nil), IntentUnknown)
}

func TestKeywordIntentDetector_IsEmergencyChecksIndependentlyOfDetect(t *testing.T) {
	is := is.New(t)
	detector := DefaultKeywordIntentDetector()

	is.True(detector.IsEmergency("Notfall, bitte schnell"))
	is.True(!detector.IsEmergency("Ich möchte einen Termin vereinbaren"))
}

func TestInMemoryConsentGate_DeniesWhenNoRecordExists(t *testing.T) {
	is := is.New(t)
	gate := NewInMemoryConsentGate()

	allowed, reason := gate.Allow("contact-1", "recording")
	is.True(!allowed)
	is.True(reason != "")
}

func TestInMemoryConsentGate_AllowsAfterGrant(t *testing.T) {
	is := is.New(t)
	gate := NewInMemoryConsentGate()

	gate.Grant("contact-1", "recording", true)

	allowed, _ := gate.Allow("contact-1", "recording")
	is.True(allowed)
}

func TestInMemoryConsentGate_DeniesAfterExplicitWithdrawal(t *testing.T) {
	is := is.New(t)
	gate := NewInMemoryConsentGate()

	gate.Grant("contact-1", "marketing_contact", false)

	allowed, reason := gate.Allow("contact-1", "marketing_contact")
	is.True(!allowed)
	is.True(reason != "")
}

func TestInMemoryConsentGate_ConsentIsScopedPerKind(t *testing.T) {
	is := is.New(t)
	gate := NewInMemoryConsentGate()

	gate.Grant("contact-1", "recording", true)

	allowed, _ := gate.Allow("contact-1", "marketing_contact")
	is.True(!allowed)
}
