package main

import (
	"context"
	"sync"

	"github.com/agent-handwerk/phone-agent-core/pkg/tenant"
)

// inMemoryTenantStore is a process-local tenant.Store for bootstrapping
// a single deployment without a database; persistence across restarts
// is out of scope here, same as conversation recording and CRM sync.
type inMemoryTenantStore struct {
	mu      sync.RWMutex
	tenants map[string]*tenant.Tenant
}

func newInMemoryTenantStore() *inMemoryTenantStore {
	demo := &tenant.Tenant{
		ID:        "demo",
		Name:      "Demo Praxis",
		Phone:     "+498912345",
		Subdomain: "demo",
		Language:  "de",
	}
	return &inMemoryTenantStore{
		tenants: map[string]*tenant.Tenant{demo.ID: demo},
	}
}

func (s *inMemoryTenantStore) Get(ctx context.Context, id string) (*tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tenants[id]; ok {
		return t, nil
	}
	return nil, nil
}

func (s *inMemoryTenantStore) GetByPhone(ctx context.Context, normalizedPhone string) (*tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if tenant.NormalizePhone(t.Phone) == normalizedPhone {
			return t, nil
		}
	}
	return nil, nil
}

func (s *inMemoryTenantStore) GetBySubdomain(ctx context.Context, subdomain string) (*tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.Subdomain == subdomain {
			return t, nil
		}
	}
	return nil, nil
}

func (s *inMemoryTenantStore) GetByAPIKey(ctx context.Context, apiKey string) (*tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.APIKey == apiKey {
			return t, nil
		}
	}
	return nil, nil
}

func (s *inMemoryTenantStore) GetActive(ctx context.Context) ([]*tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*tenant.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	return out, nil
}

var _ tenant.Store = (*inMemoryTenantStore)(nil)
