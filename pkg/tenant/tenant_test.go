package tenant

import (
	"context"
	"testing"

	"github.com/matryer/is"
)

type fakeStore struct {
	byID        map[string]*Tenant
	byPhone     map[string]*Tenant
	bySubdomain map[string]*Tenant
	byAPIKey    map[string]*Tenant
	active      []*Tenant
}

func newFakeStore(tenants ...*Tenant) *fakeStore {
	s := &fakeStore{
		byID:        make(map[string]*Tenant),
		byPhone:     make(map[string]*Tenant),
		bySubdomain: make(map[string]*Tenant),
		byAPIKey:    make(map[string]*Tenant),
	}
	for _, t := range tenants {
		s.byID[t.ID] = t
		if t.Phone != "" {
			s.byPhone[t.Phone] = t
		}
		if t.Subdomain != "" {
			s.bySubdomain[t.Subdomain] = t
		}
		if t.APIKey != "" {
			s.byAPIKey[t.APIKey] = t
		}
		s.active = append(s.active, t)
	}
	return s
}

func (s *fakeStore) GetByPhone(_ context.Context, normalizedPhone string) (*Tenant, error) {
	return s.byPhone[normalizedPhone], nil
}

func (s *fakeStore) GetBySubdomain(_ context.Context, subdomain string) (*Tenant, error) {
	return s.bySubdomain[subdomain], nil
}

func (s *fakeStore) GetByAPIKey(_ context.Context, apiKey string) (*Tenant, error) {
	return s.byAPIKey[apiKey], nil
}

func (s *fakeStore) GetActive(_ context.Context) ([]*Tenant, error) {
	return s.active, nil
}

func (s *fakeStore) Get(_ context.Context, id string) (*Tenant, error) {
	return s.byID[id], nil
}

func TestNormalizePhone_ConvertsGermanNationalToE164(t *testing.T) {
	is := is.New(t)
	is.Equal(NormalizePhone("0711 234 567"), "+49711234567")
	is.Equal(NormalizePhone("+49 711 234567"), "+49711234567")
	is.Equal(NormalizePhone("49711234567"), "+49711234567")
	is.Equal(NormalizePhone("711234567"), "+49711234567")
}

func TestResolveFromPhone_ResolvesByLookupThenCaches(t *testing.T) {
	is := is.New(t)
	mueller := &Tenant{ID: "t1", Name: "Mueller SHK", Phone: "+49711234567"}
	store := newFakeStore(mueller)
	r := New(store, nil)

	res := r.ResolveFromPhone(context.Background(), "0711 234567", "")
	is.True(res.Resolved)
	is.Equal(res.Method, "phone_lookup")
	is.Equal(res.Tenant.ID, "t1")

	cached := r.ResolveFromPhone(context.Background(), "0711 234567", "")
	is.True(cached.Resolved)
	is.Equal(cached.Method, "phone_cache")
}

func TestResolveFromPhone_FallsBackWhenNoMatch(t *testing.T) {
	is := is.New(t)
	fallback := &Tenant{ID: "fb", Name: "Default Practice"}
	store := newFakeStore(fallback)
	r := New(store, nil)

	res := r.ResolveFromPhone(context.Background(), "+49999999999", "fb")
	is.True(res.Resolved)
	is.Equal(res.Method, "fallback")
	is.Equal(res.Confidence, 0.5)
}

func TestResolveFromPhone_UnresolvedWithoutFallback(t *testing.T) {
	is := is.New(t)
	store := newFakeStore()
	r := New(store, nil)

	res := r.ResolveFromPhone(context.Background(), "+49999999999", "")
	is.True(!res.Resolved)
	is.Equal(res.Method, "none")
}

func TestResolveFromEmail_ExactMatchBeatsDomainMatch(t *testing.T) {
	is := is.New(t)
	exact := &Tenant{ID: "t1", Name: "Exact Match", Email: "info@mueller-shk.de"}
	domainOnly := &Tenant{ID: "t2", Name: "Domain Match", Email: "other@mueller-shk.de"}
	store := newFakeStore(domainOnly, exact)
	r := New(store, nil)

	res := r.ResolveFromEmail(context.Background(), "info@mueller-shk.de")
	is.True(res.Resolved)
	is.Equal(res.Method, "email_exact")
	is.Equal(res.Tenant.ID, "t1")
}

func TestResolveFromEmail_FallsBackToDomainMatch(t *testing.T) {
	is := is.New(t)
	tenant := &Tenant{ID: "t1", Name: "Mueller SHK", Email: "info@mueller-shk.de"}
	store := newFakeStore(tenant)
	r := New(store, nil)

	res := r.ResolveFromEmail(context.Background(), "anyone@mueller-shk.de")
	is.True(res.Resolved)
	is.Equal(res.Method, "email_domain")
	is.Equal(res.Confidence, 0.9)
}

func TestResolveFromSubdomain_RejectsSystemSubdomains(t *testing.T) {
	is := is.New(t)
	store := newFakeStore(&Tenant{ID: "t1", Subdomain: "www"})
	r := New(store, nil)

	res := r.ResolveFromSubdomain(context.Background(), "www.itf-handwerk.de")
	is.True(!res.Resolved)
	is.Equal(res.Method, "system_subdomain")
}

func TestResolveFromSubdomain_RejectsInvalidHostname(t *testing.T) {
	is := is.New(t)
	r := New(newFakeStore(), nil)

	res := r.ResolveFromSubdomain(context.Background(), "localhost")
	is.True(!res.Resolved)
	is.Equal(res.Method, "invalid_hostname")
}

func TestResolveFromSubdomain_ResolvesTenantSubdomain(t *testing.T) {
	is := is.New(t)
	tenant := &Tenant{ID: "t1", Name: "Mueller SHK", Subdomain: "mueller-shk"}
	store := newFakeStore(tenant)
	r := New(store, nil)

	res := r.ResolveFromSubdomain(context.Background(), "mueller-shk.itf-handwerk.de")
	is.True(res.Resolved)
	is.Equal(res.Method, "subdomain_lookup")
	is.Equal(res.Tenant.ID, "t1")
}

func TestResolve_PriorityOrderPrefersAPIKeyOverPhone(t *testing.T) {
	is := is.New(t)
	byKey := &Tenant{ID: "k1", Name: "Key Tenant", APIKey: "secret-key"}
	byPhone := &Tenant{ID: "p1", Name: "Phone Tenant", Phone: "+49711234567"}
	store := newFakeStore(byKey, byPhone)
	r := New(store, nil)

	res := r.Resolve(context.Background(), Signals{
		APIKey: "secret-key",
		Phone:  "+49711234567",
	})

	is.True(res.Resolved)
	is.Equal(res.Method, "api_key")
	is.Equal(res.Tenant.ID, "k1")
}

func TestResolve_FallsThroughToFallbackWhenNoSignalMatches(t *testing.T) {
	is := is.New(t)
	fallback := &Tenant{ID: "fb", Name: "Default"}
	store := newFakeStore(fallback)
	r := New(store, nil)

	res := r.Resolve(context.Background(), Signals{
		Phone:          "+49000000000",
		FallbackTenant: "fb",
	})

	is.True(res.Resolved)
	is.Equal(res.Method, "fallback")
}

func TestClearCache_ForcesFreshLookup(t *testing.T) {
	is := is.New(t)
	tenant := &Tenant{ID: "t1", Name: "Mueller SHK", Phone: "+49711234567"}
	store := newFakeStore(tenant)
	r := New(store, nil)

	_ = r.ResolveFromPhone(context.Background(), "+49711234567", "")
	r.ClearCache()
	res := r.ResolveFromPhone(context.Background(), "+49711234567", "")

	is.Equal(res.Method, "phone_lookup")
}

func TestWarmCache_PopulatesAllSignalCaches(t *testing.T) {
	is := is.New(t)
	tenant := &Tenant{ID: "t1", Name: "Mueller SHK", Phone: "+49711234567", Subdomain: "mueller-shk", Email: "info@mueller-shk.de"}
	store := newFakeStore(tenant)
	r := New(store, nil)

	count, err := r.WarmCache(context.Background())
	is.NoErr(err)
	is.Equal(count, 3)

	res := r.ResolveFromPhone(context.Background(), "+49711234567", "")
	is.Equal(res.Method, "phone_cache")
}
