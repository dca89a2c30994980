package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recobox/backend/internal/domain"
	"recobox/backend/internal/store"
)

var scope = domain.Scope{TenantID: "t1", LocationID: "loc-1", StoreID: "store-1"}

func TestMergePopularityIsAdditive(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := domain.PopularityRecord{Scope: scope, Bucket: "Lunch", Products: domain.Popularity{"coffee": {SKU: "C1", Count: 2}}}

	require.NoError(t, s.MergePopularity(ctx, []domain.PopularityRecord{rec}))
	require.NoError(t, s.MergePopularity(ctx, []domain.PopularityRecord{rec}))

	pop, err := s.GetPopularity(ctx, scope, "Lunch")
	require.NoError(t, err)
	assert.Equal(t, int64(4), pop["coffee"].Count)

	// Returned maps are copies.
	pop["coffee"] = domain.SKUCount{SKU: "X", Count: 99}
	again, _ := s.GetPopularity(ctx, scope, "Lunch")
	assert.Equal(t, "C1", again["coffee"].SKU)
}

func TestMergePopularityRepicksSKUAcrossChunks(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.MergePopularity(ctx, []domain.PopularityRecord{{Scope: scope, Bucket: "Breakfast",
		Products: domain.Popularity{"water": {SKU: "W-A", Count: 3, Quantities: map[string]int64{"W-A": 2, "W-B": 1}}}}}))
	require.NoError(t, s.MergePopularity(ctx, []domain.PopularityRecord{{Scope: scope, Bucket: "Breakfast",
		Products: domain.Popularity{"water": {SKU: "W-B", Count: 2, Quantities: map[string]int64{"W-B": 2}}}}}))

	pop, err := s.GetPopularity(ctx, scope, "Breakfast")
	require.NoError(t, err)
	assert.Equal(t, "W-B", pop["water"].SKU)
	assert.Equal(t, int64(5), pop["water"].Count)

	pop["water"].Quantities["W-A"] = 100
	again, _ := s.GetPopularity(ctx, scope, "Breakfast")
	assert.Equal(t, int64(2), again["water"].Quantities["W-A"])
}

func TestClearScopeKeepsLookupsAndOtherLocations(t *testing.T) {
	s := New()
	ctx := context.Background()
	other := domain.Scope{TenantID: "t1", LocationID: "loc-2", StoreID: "store-9"}

	require.NoError(t, s.MergePopularity(ctx, []domain.PopularityRecord{
		{Scope: scope, Bucket: "Lunch", Products: domain.Popularity{"coffee": {SKU: "C1", Count: 1}}},
		{Scope: other, Bucket: "Lunch", Products: domain.Popularity{"tea": {SKU: "T1", Count: 1}}},
	}))
	require.NoError(t, s.MergeAssociations(ctx, []domain.AssociationRecord{
		{Scope: scope, Bucket: "Lunch", Anchor: "coffee", Associates: domain.Popularity{"bagel": {SKU: "B1", Count: 1}}},
	}))
	lookup := domain.NewLookup()
	lookup.NameToSKU["coffee"] = "C1"
	lookup.SKUToName["C1"] = "coffee"
	require.NoError(t, s.MergeLookups(ctx, []domain.LookupRecord{{Scope: scope, Lookup: lookup}}))

	require.NoError(t, s.ClearScope(ctx, "t1", "loc-1"))

	pop, _ := s.GetPopularity(ctx, scope, "Lunch")
	assert.Empty(t, pop)
	assoc, _ := s.GetAssociations(ctx, scope, "Lunch", []string{"coffee"})
	assert.Empty(t, assoc)
	kept, _ := s.GetPopularity(ctx, other, "Lunch")
	assert.Len(t, kept, 1)
	got, _ := s.GetLookup(ctx, scope)
	assert.Equal(t, "C1", got.NameToSKU["coffee"])
}

func TestCuratedReplaceAndReset(t *testing.T) {
	s := New()
	ctx := context.Background()
	items := []domain.CuratedProduct{{SKU: "S1", Name: "latte"}, {SKU: "S2", Name: "muffin"}}

	require.NoError(t, s.ReplaceCurated(ctx, scope, domain.CuratedFixed, items))
	got, err := s.GetCurated(ctx, scope, domain.CuratedFixed)
	require.NoError(t, err)
	assert.Equal(t, items, got)

	always, _ := s.GetCurated(ctx, scope, domain.CuratedAlways)
	assert.Empty(t, always)

	require.NoError(t, s.ReplaceCurated(ctx, scope, domain.CuratedFixed, nil))
	got, _ = s.GetCurated(ctx, scope, domain.CuratedFixed)
	assert.Empty(t, got)
}

func TestSeededTenant(t *testing.T) {
	t.Setenv("SEED_TENANT_API_KEY", "seed-key")
	s := NewSeeded()

	tenant, err := s.GetTenant(context.Background(), "demo-tenant")
	require.NoError(t, err)
	assert.True(t, tenant.HasStore("loc-1", "store-2"))
	assert.NotEmpty(t, tenant.APIKeyHash)

	_, err = s.GetTenant(context.Background(), "ghost")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestCategoriesUpsert(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.UpsertCategories(ctx, []domain.CategoryRecord{
		{Name: "coffee", Category: "beverages", Subcategory: "hot drinks", Timing: "breakfast"},
		{Name: ""},
	}))

	got, err := s.GetCategories(ctx, []string{"coffee", "missing"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "hot drinks", got["coffee"].Subcategory)
}
