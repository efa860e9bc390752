// Package tenant resolves the tenant and language context for an
// inbound interaction from whatever identifying signal the channel
// provides: phone number, subdomain, API key, or email address.
// Grounded on spec §4.9 and
// original_source/services/tenant_resolver.py's TenantResolver.
package tenant

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Tenant is the minimal shape the resolver needs; callers hold the
// richer tenant record elsewhere and look it up by ID.
type Tenant struct {
	ID        string
	Name      string
	Phone     string
	Email     string
	Subdomain string
	APIKey    string
	Language  string
}

// Store looks tenants up by each identifying signal. Implementations
// back it with a real repository; pkg/tenant never imports one
// directly, matching pkg/conversation's Recorder/TokenCounter split.
type Store interface {
	GetByPhone(ctx context.Context, normalizedPhone string) (*Tenant, error)
	GetBySubdomain(ctx context.Context, subdomain string) (*Tenant, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*Tenant, error)
	GetActive(ctx context.Context) ([]*Tenant, error)
	Get(ctx context.Context, id string) (*Tenant, error)
}

// Resolution is the outcome of a resolution attempt (spec §4.9:
// tenant?, method, confidence in [0,1], message).
type Resolution struct {
	Tenant     *Tenant
	Resolved   bool
	Method     string
	Confidence float64
	Message    string
}

func notResolved(method, message string) Resolution {
	return Resolution{Resolved: false, Method: method, Confidence: 0, Message: message}
}

// Signals bundles every identifying value a caller may have for one
// interaction; unset fields are left empty and skipped.
type Signals struct {
	Phone          string
	Email          string
	Subdomain      string
	APIKey         string
	FallbackTenant string
}

// Resolver identifies a tenant from incoming signals, in priority
// order api-key > subdomain > phone > email > fallback, caching each
// signal kind independently so repeat calls/webhooks skip the store.
type Resolver struct {
	store  Store
	logger *slog.Logger

	mu             sync.Mutex
	phoneCache     map[string]string
	emailCache     map[string]string
	subdomainCache map[string]string
}

// systemSubdomains are reserved hostnames that never identify a
// tenant, even if a Store entry happens to exist with that name.
var systemSubdomains = map[string]bool{
	"www": true, "api": true, "app": true, "dashboard": true, "admin": true,
}

func New(store Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:          store,
		logger:         logger,
		phoneCache:     make(map[string]string),
		emailCache:     make(map[string]string),
		subdomainCache: make(map[string]string),
	}
}

// ResolveFromPhone resolves a tenant from the number an incoming call
// dialed (the tenant's dedicated line), falling back to fallbackTenantID
// when no dedicated line matches.
func (r *Resolver) ResolveFromPhone(ctx context.Context, phoneNumber, fallbackTenantID string) Resolution {
	normalized := NormalizePhone(phoneNumber)

	if id, ok := r.cachedPhone(normalized); ok {
		if t, err := r.store.Get(ctx, id); err == nil && t != nil {
			return Resolution{Tenant: t, Resolved: true, Method: "phone_cache", Confidence: 1.0,
				Message: "resolved from cached phone: " + normalized}
		}
	}

	if t, err := r.store.GetByPhone(ctx, normalized); err == nil && t != nil {
		r.cachePhone(normalized, t.ID)
		return Resolution{Tenant: t, Resolved: true, Method: "phone_lookup", Confidence: 1.0,
			Message: "resolved from phone: " + normalized + " -> " + t.Name}
	}

	if fallbackTenantID != "" {
		if t, err := r.store.Get(ctx, fallbackTenantID); err == nil && t != nil {
			return Resolution{Tenant: t, Resolved: true, Method: "fallback", Confidence: 0.5,
				Message: "fallback to configured tenant: " + t.Name}
		}
	}

	return notResolved("none", "could not resolve tenant for phone: "+phoneNumber)
}

// ResolveFromEmail resolves a tenant from a recipient address, trying
// an exact address match before falling back to a domain match.
func (r *Resolver) ResolveFromEmail(ctx context.Context, emailAddress string) Resolution {
	lower := strings.ToLower(emailAddress)
	domain := ""
	if idx := strings.LastIndex(lower, "@"); idx >= 0 {
		domain = lower[idx+1:]
	}

	if id, ok := r.cachedEmail(lower); ok {
		if t, err := r.store.Get(ctx, id); err == nil && t != nil {
			return Resolution{Tenant: t, Resolved: true, Method: "email_cache", Confidence: 1.0,
				Message: "resolved from cached email: " + lower}
		}
	}

	tenants, err := r.store.GetActive(ctx)
	if err != nil {
		return notResolved("none", "could not resolve tenant for email: "+emailAddress)
	}

	for _, t := range tenants {
		if t.Email != "" && strings.ToLower(t.Email) == lower {
			r.cacheEmail(lower, t.ID)
			return Resolution{Tenant: t, Resolved: true, Method: "email_exact", Confidence: 1.0,
				Message: "resolved from email: " + lower + " -> " + t.Name}
		}
	}

	if domain != "" {
		for _, t := range tenants {
			if t.Email != "" && strings.HasSuffix(strings.ToLower(t.Email), "@"+domain) {
				r.cacheEmail(lower, t.ID)
				return Resolution{Tenant: t, Resolved: true, Method: "email_domain", Confidence: 0.9,
					Message: "resolved from domain: " + domain + " -> " + t.Name}
			}
		}
	}

	return notResolved("none", "could not resolve tenant for email: "+emailAddress)
}

// ResolveFromSubdomain resolves a tenant from the request hostname's
// leading label, rejecting reserved system subdomains outright.
func (r *Resolver) ResolveFromSubdomain(ctx context.Context, hostname string) Resolution {
	parts := strings.Split(strings.ToLower(hostname), ".")
	if len(parts) < 2 {
		return notResolved("invalid_hostname", "invalid hostname format: "+hostname)
	}

	subdomain := parts[0]
	if systemSubdomains[subdomain] {
		return notResolved("system_subdomain", "system subdomain, not tenant: "+subdomain)
	}

	if id, ok := r.cachedSubdomain(subdomain); ok {
		if t, err := r.store.Get(ctx, id); err == nil && t != nil {
			return Resolution{Tenant: t, Resolved: true, Method: "subdomain_cache", Confidence: 1.0,
				Message: "resolved from cached subdomain: " + subdomain}
		}
	}

	if t, err := r.store.GetBySubdomain(ctx, subdomain); err == nil && t != nil {
		r.cacheSubdomain(subdomain, t.ID)
		return Resolution{Tenant: t, Resolved: true, Method: "subdomain_lookup", Confidence: 1.0,
			Message: "resolved from subdomain: " + subdomain + " -> " + t.Name}
	}

	return notResolved("none", "could not resolve tenant for subdomain: "+subdomain)
}

// ResolveFromAPIKey resolves a tenant from a webhook or dashboard API
// key.
func (r *Resolver) ResolveFromAPIKey(ctx context.Context, apiKey string) Resolution {
	if t, err := r.store.GetByAPIKey(ctx, apiKey); err == nil && t != nil {
		return Resolution{Tenant: t, Resolved: true, Method: "api_key", Confidence: 1.0,
			Message: "resolved from API key -> " + t.Name}
	}
	return notResolved("none", "could not resolve tenant from API key")
}

// Resolve tries every non-empty signal in priority order api-key >
// subdomain > phone > email, then the configured fallback, returning
// the first resolved result.
func (r *Resolver) Resolve(ctx context.Context, s Signals) Resolution {
	if s.APIKey != "" {
		if res := r.ResolveFromAPIKey(ctx, s.APIKey); res.Resolved {
			return res
		}
	}
	if s.Subdomain != "" {
		if res := r.ResolveFromSubdomain(ctx, s.Subdomain); res.Resolved {
			return res
		}
	}
	if s.Phone != "" {
		if res := r.ResolveFromPhone(ctx, s.Phone, ""); res.Resolved {
			return res
		}
	}
	if s.Email != "" {
		if res := r.ResolveFromEmail(ctx, s.Email); res.Resolved {
			return res
		}
	}

	if s.FallbackTenant != "" {
		if t, err := r.store.Get(ctx, s.FallbackTenant); err == nil && t != nil {
			return Resolution{Tenant: t, Resolved: true, Method: "fallback", Confidence: 0.5,
				Message: "used fallback tenant: " + t.Name}
		}
	}

	return notResolved("none", "could not resolve tenant from any method")
}

// NormalizePhone converts a phone number in any formatting to E.164,
// assuming a German national number when no country code is present.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, c := range phone {
		if c >= '0' && c <= '9' || c == '+' {
			b.WriteRune(c)
		}
	}
	cleaned := b.String()

	switch {
	case strings.HasPrefix(cleaned, "0"):
		return "+49" + cleaned[1:]
	case strings.HasPrefix(cleaned, "49") && !strings.HasPrefix(cleaned, "+"):
		return "+" + cleaned
	case !strings.HasPrefix(cleaned, "+"):
		return "+49" + cleaned
	default:
		return cleaned
	}
}

// ClearCache drops all cached signal -> tenant-id mappings.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phoneCache = make(map[string]string)
	r.emailCache = make(map[string]string)
	r.subdomainCache = make(map[string]string)
	r.logger.Info("tenant resolver cache cleared")
}

// WarmCache pre-populates every signal cache from the active tenant
// list, returning the number of entries cached.
func (r *Resolver) WarmCache(ctx context.Context) (int, error) {
	tenants, err := r.store.GetActive(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, t := range tenants {
		if t.Phone != "" {
			r.cachePhone(NormalizePhone(t.Phone), t.ID)
			count++
		}
		if t.Subdomain != "" {
			r.cacheSubdomain(strings.ToLower(t.Subdomain), t.ID)
			count++
		}
		if t.Email != "" {
			r.cacheEmail(strings.ToLower(t.Email), t.ID)
			count++
		}
	}

	r.logger.Info("warmed tenant resolver cache", slog.Int("entries", count))
	return count, nil
}

func (r *Resolver) cachedPhone(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.phoneCache[key]
	return id, ok
}

func (r *Resolver) cachePhone(key, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phoneCache[key] = id
}

func (r *Resolver) cachedEmail(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.emailCache[key]
	return id, ok
}

func (r *Resolver) cacheEmail(key, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emailCache[key] = id
}

func (r *Resolver) cachedSubdomain(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.subdomainCache[key]
	return id, ok
}

func (r *Resolver) cacheSubdomain(key, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subdomainCache[key] = id
}
