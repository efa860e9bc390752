package policy

import "sync"

// InMemoryConsentGate is a reference ConsentGate backed by a map,
// grounded on original_source/services/compliance_service.py's
// verify_consent_for_recording_access (check a stored grant, deny with
// a reason when absent). Real deployments are expected to back this
// with a persistent consent repository instead.
type InMemoryConsentGate struct {
	mu     sync.RWMutex
	grants map[consentKey]bool
}

type consentKey struct {
	contactID string
	kind      ConsentKind
}

func NewInMemoryConsentGate() *InMemoryConsentGate {
	return &InMemoryConsentGate{grants: make(map[consentKey]bool)}
}

// Grant records that contactID has given (or, with granted=false,
// explicitly withheld) consent for kind.
func (g *InMemoryConsentGate) Grant(contactID string, kind ConsentKind, granted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants[consentKey{contactID, kind}] = granted
}

// Allow implements ConsentGate.
func (g *InMemoryConsentGate) Allow(contactID string, kind ConsentKind) (bool, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	granted, known := g.grants[consentKey{contactID, kind}]
	if !known {
		return false, "no consent record for " + string(kind)
	}
	if !granted {
		return false, "consent explicitly withheld for " + string(kind)
	}
	return true, "consent granted"
}

var _ ConsentGate = (*InMemoryConsentGate)(nil)
