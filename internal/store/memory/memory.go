package memory

import (
	"context"
	"maps"
	"os"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"recobox/backend/internal/aggregator"
	"recobox/backend/internal/domain"
	"recobox/backend/internal/logging"
	"recobox/backend/internal/store"
)

type bucketKey struct {
	scope  domain.Scope
	bucket string
}

type anchorKey struct {
	bucketKey
	anchor string
}

type curatedKey struct {
	scope domain.Scope
	kind  domain.CuratedKind
}

// Store keeps every index in process memory behind one lock, so each merge is
// trivially atomic.
type Store struct {
	mu           sync.RWMutex
	tenants      map[string]domain.Tenant
	popularity   map[bucketKey]domain.Popularity
	associations map[anchorKey]domain.Popularity
	lookups      map[domain.Scope]domain.Lookup
	curated      map[curatedKey][]domain.CuratedProduct
	categories   map[string]domain.CategoryRecord
}

func New() *Store {
	return &Store{
		tenants:      make(map[string]domain.Tenant),
		popularity:   make(map[bucketKey]domain.Popularity),
		associations: make(map[anchorKey]domain.Popularity),
		lookups:      make(map[domain.Scope]domain.Lookup),
		curated:      make(map[curatedKey][]domain.CuratedProduct),
		categories:   make(map[string]domain.CategoryRecord),
	}
}

// NewSeeded returns a store with one demo tenant for local runs. The API key is
// read from SEED_TENANT_API_KEY.
func NewSeeded() *Store {
	s := New()
	apiKey := os.Getenv("SEED_TENANT_API_KEY")
	if apiKey == "" {
		apiKey = "demo-api-key"
		logging.Component("memory-store").Warn().Msg("using default demo tenant API key; set SEED_TENANT_API_KEY to override")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		hash = nil
	}
	s.PutTenant(domain.Tenant{
		ID:         "demo-tenant",
		Name:       "Demo Tenant",
		APIKeyHash: string(hash),
		Locations: map[string][]string{
			"loc-1": {"store-1", "store-2"},
		},
	})
	return s
}

func (s *Store) PutTenant(t domain.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
}

func (s *Store) UpsertTenant(_ context.Context, t domain.Tenant) error {
	s.PutTenant(t)
	return nil
}

func (s *Store) GetTenant(_ context.Context, tenantID string) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *Store) MergePopularity(_ context.Context, records []domain.PopularityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		key := bucketKey{scope: rec.Scope, bucket: rec.Bucket}
		s.popularity[key] = aggregator.MergeCounts(s.popularity[key], rec.Products)
	}
	return nil
}

func (s *Store) MergeAssociations(_ context.Context, records []domain.AssociationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		key := anchorKey{bucketKey: bucketKey{scope: rec.Scope, bucket: rec.Bucket}, anchor: rec.Anchor}
		s.associations[key] = aggregator.MergeCounts(s.associations[key], rec.Associates)
	}
	return nil
}

func (s *Store) MergeLookups(_ context.Context, records []domain.LookupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.lookups[rec.Scope] = aggregator.MergeLookup(s.lookups[rec.Scope], rec.Lookup)
	}
	return nil
}

func (s *Store) ClearScope(_ context.Context, tenantID, locationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.popularity {
		if key.scope.TenantID == tenantID && key.scope.LocationID == locationID {
			delete(s.popularity, key)
		}
	}
	for key := range s.associations {
		if key.scope.TenantID == tenantID && key.scope.LocationID == locationID {
			delete(s.associations, key)
		}
	}
	return nil
}

func (s *Store) GetPopularity(_ context.Context, scope domain.Scope, bucket string) (domain.Popularity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePopularity(s.popularity[bucketKey{scope: scope, bucket: bucket}]), nil
}

func (s *Store) GetAssociations(_ context.Context, scope domain.Scope, bucket string, anchors []string) (map[string]domain.Popularity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.Popularity, len(anchors))
	for _, anchor := range anchors {
		key := anchorKey{bucketKey: bucketKey{scope: scope, bucket: bucket}, anchor: anchor}
		if assoc, ok := s.associations[key]; ok {
			out[anchor] = clonePopularity(assoc)
		}
	}
	return out, nil
}

func (s *Store) GetLookup(_ context.Context, scope domain.Scope) (domain.Lookup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return aggregator.MergeLookup(domain.Lookup{}, s.lookups[scope]), nil
}

func (s *Store) GetCurated(_ context.Context, scope domain.Scope, kind domain.CuratedKind) ([]domain.CuratedProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.curated[curatedKey{scope: scope, kind: kind}]
	out := make([]domain.CuratedProduct, len(items))
	copy(out, items)
	return out, nil
}

func (s *Store) ReplaceCurated(_ context.Context, scope domain.Scope, kind domain.CuratedKind, items []domain.CuratedProduct) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := curatedKey{scope: scope, kind: kind}
	if len(items) == 0 {
		delete(s.curated, key)
		return nil
	}
	stored := make([]domain.CuratedProduct, len(items))
	copy(stored, items)
	s.curated[key] = stored
	return nil
}

func (s *Store) GetCategories(_ context.Context, names []string) (map[string]domain.CategoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.CategoryRecord, len(names))
	for _, name := range names {
		if rec, ok := s.categories[name]; ok {
			out[name] = rec
		}
	}
	return out, nil
}

func (s *Store) UpsertCategories(_ context.Context, records []domain.CategoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if rec.Name == "" {
			continue
		}
		s.categories[rec.Name] = rec
	}
	return nil
}

func clonePopularity(p domain.Popularity) domain.Popularity {
	out := make(domain.Popularity, len(p))
	for k, v := range p {
		v.Quantities = maps.Clone(v.Quantities)
		out[k] = v
	}
	return out
}
