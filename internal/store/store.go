package store

import (
	"context"
	"errors"

	"recobox/backend/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUnknownScope  = errors.New("unknown tenant, location or store")
	ErrMergeConflict = errors.New("merge conflict persisted after retry")
)

// IndexWriter persists aggregation output. Every merge is additive and atomic
// per key.
type IndexWriter interface {
	MergePopularity(ctx context.Context, records []domain.PopularityRecord) error
	MergeAssociations(ctx context.Context, records []domain.AssociationRecord) error
	MergeLookups(ctx context.Context, records []domain.LookupRecord) error
	// ClearScope removes popularity and association data for a location ahead
	// of a full reprocessing run. Lookups are kept.
	ClearScope(ctx context.Context, tenantID, locationID string) error
}

// IndexReader returns empty values, not ErrNotFound, when a scope has no data.
type IndexReader interface {
	GetPopularity(ctx context.Context, scope domain.Scope, bucket string) (domain.Popularity, error)
	GetAssociations(ctx context.Context, scope domain.Scope, bucket string, anchors []string) (map[string]domain.Popularity, error)
	GetLookup(ctx context.Context, scope domain.Scope) (domain.Lookup, error)
}

type CuratedStore interface {
	GetCurated(ctx context.Context, scope domain.Scope, kind domain.CuratedKind) ([]domain.CuratedProduct, error)
	ReplaceCurated(ctx context.Context, scope domain.Scope, kind domain.CuratedKind, items []domain.CuratedProduct) error
}

type CategoryStore interface {
	GetCategories(ctx context.Context, names []string) (map[string]domain.CategoryRecord, error)
	UpsertCategories(ctx context.Context, records []domain.CategoryRecord) error
}

type TenantStore interface {
	GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error)
}

type TenantWriter interface {
	UpsertTenant(ctx context.Context, t domain.Tenant) error
}

type Repository interface {
	IndexWriter
	IndexReader
	CuratedStore
	CategoryStore
	TenantStore
}
