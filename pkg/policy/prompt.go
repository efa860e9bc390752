package policy

import "sync"

// IndustryPrompts maps a tenant's industry code to its German system
// prompt, grounded on the per-industry prompts.py modules
// (original_source/industry/{gastro,freie_berufe,gesundheit}/
// prompts.py each export their own SYSTEM_PROMPT constant).
type IndustryPrompts map[string]string

// DefaultIndustryPrompts ships one prompt per industry the example pack
// covers; a real deployment supplies its own via a
// StaticSystemPromptProvider built from a richer IndustryPrompts map.
func DefaultIndustryPrompts() IndustryPrompts {
	return IndustryPrompts{
		"gastro": "Du bist der freundliche Telefonassistent des Restaurants. " +
			"Nimm Reservierungsanfragen entgegen, erfasse Personenzahl, Datum, " +
			"Uhrzeit und besondere Wünsche. Sprich höfliches Deutsch (Sie-Form).",
		"gesundheit": "Du bist der freundliche Telefonassistent der Arztpraxis. " +
			"Nimm Terminanfragen entgegen, erfasse das Anliegen und die " +
			"Dringlichkeit, und verweise bei Notfällen sofort auf den " +
			"Notruf 112. Sprich höfliches Deutsch (Sie-Form).",
		"freie_berufe": "Du bist der freundliche Telefonassistent der Kanzlei/Praxis. " +
			"Erfasse das Anliegen und die Dringlichkeit, qualifiziere die " +
			"Anfrage und vereinbare Erstberatungstermine. Keine Rechts- oder " +
			"Steuerberatung am Telefon. Sprich höfliches Deutsch (Sie-Form).",
	}
}

// TenantConfig maps one tenant to the industry whose prompt it uses.
type TenantConfig struct {
	Industry string
}

// StaticSystemPromptProvider is a reference SystemPromptProvider backed
// by an in-memory tenant -> industry map plus an industry -> prompt
// table. Real bundles are expected to back tenant lookup with the
// tenant store instead (pkg/tenant.Store already holds everything
// needed to look up a Tenant's industry field).
type StaticSystemPromptProvider struct {
	mu       sync.RWMutex
	tenants  map[string]TenantConfig
	prompts  IndustryPrompts
	fallback string
}

func NewStaticSystemPromptProvider(prompts IndustryPrompts) *StaticSystemPromptProvider {
	return &StaticSystemPromptProvider{
		tenants:  make(map[string]TenantConfig),
		prompts:  prompts,
		fallback: "Du bist ein freundlicher Telefonassistent. Sprich höfliches Deutsch (Sie-Form).",
	}
}

// SetTenant registers which industry prompt a tenant should receive.
func (p *StaticSystemPromptProvider) SetTenant(tenantID, industry string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tenants[tenantID] = TenantConfig{Industry: industry}
}

// SystemPrompt implements SystemPromptProvider.
func (p *StaticSystemPromptProvider) SystemPrompt(tenantID string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cfg, ok := p.tenants[tenantID]
	if !ok {
		return p.fallback
	}
	if prompt, ok := p.prompts[cfg.Industry]; ok {
		return prompt
	}
	return p.fallback
}

var _ SystemPromptProvider = (*StaticSystemPromptProvider)(nil)
