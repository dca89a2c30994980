package aggregator

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recobox/backend/internal/domain"
	"recobox/backend/internal/timing"
)

func at(hour int) time.Time {
	return time.Date(2026, 3, 2, hour, 15, 0, 0, time.UTC)
}

func txLine(session, name, sku string, qty int64, store string, hour int) domain.TransactionLine {
	return domain.TransactionLine{
		SessionID:  session,
		Timestamp:  at(hour),
		Product:    name,
		SKU:        sku,
		Quantity:   qty,
		LocationID: "loc-1",
		StoreID:    store,
	}
}

func findPopularity(t *testing.T, res Result, store, bucket string) domain.Popularity {
	t.Helper()
	for _, rec := range res.Popularity {
		if rec.Scope.StoreID == store && rec.Bucket == bucket {
			return rec.Products
		}
	}
	t.Fatalf("no popularity record for %s/%s", store, bucket)
	return nil
}

func findAssociation(res Result, store, bucket, anchor string) (domain.Popularity, bool) {
	for _, rec := range res.Associations {
		if rec.Scope.StoreID == store && rec.Bucket == bucket && rec.Anchor == anchor {
			return rec.Associates, true
		}
	}
	return nil, false
}

func TestAggregateCoffeeAndPastryBreakfast(t *testing.T) {
	agg := New(timing.DefaultBuckets(), 100)
	res, err := agg.Aggregate("tenant-a", []domain.TransactionLine{
		txLine("1", "coffee", "C-1", 2, "s1", 7),
		txLine("1", "pastry", "P-1", 1, "s1", 7),
	})
	require.NoError(t, err)

	assoc, ok := findAssociation(res, "s1", "Breakfast", "coffee")
	require.True(t, ok, "expected association record for coffee")
	assert.Equal(t, int64(1), assoc["pastry"].Count)
	assert.Equal(t, "P-1", assoc["pastry"].SKU)

	ranked := findPopularity(t, res, "s1", "Breakfast").Ranked()
	require.Len(t, ranked, 2)
	assert.Equal(t, "coffee", ranked[0].Name)
	assert.Equal(t, "pastry", ranked[1].Name)
	assert.Equal(t, "tenant-a", res.Popularity[0].Scope.TenantID)
}

func TestAggregateNeverPairsProductWithItself(t *testing.T) {
	agg := New(timing.DefaultBuckets(), 0)
	res, err := agg.Aggregate("t", []domain.TransactionLine{
		txLine("1", "Coke", "K-1", 1, "s1", 13),
		txLine("1", "coke ", "K-2", 3, "s1", 13),
		txLine("1", "Fries", "F-1", 1, "s1", 13),
		txLine("2", "coke", "K-1", 1, "s1", 13),
	})
	require.NoError(t, err)

	for _, rec := range res.Associations {
		_, self := rec.Associates[rec.Anchor]
		assert.False(t, self, "anchor %q associates with itself", rec.Anchor)
	}
	fries, ok := findAssociation(res, "s1", "Lunch", "fries")
	require.True(t, ok)
	assert.Equal(t, int64(4), fries["coke"].Count, "repeated lines of one product sum within a session")
	assert.Equal(t, "K-2", fries["coke"].SKU)
}

func TestAggregatePairsEveryLineItem(t *testing.T) {
	agg := New(timing.DefaultBuckets(), 0)
	res, err := agg.Aggregate("t", []domain.TransactionLine{
		txLine("1", "coffee", "C-1", 1, "s1", 7),
		txLine("1", "Coffee ", "C-1", 1, "s1", 7),
		txLine("1", "pastry", "P-1", 1, "s1", 7),
	})
	require.NoError(t, err)

	coffee, ok := findAssociation(res, "s1", "Breakfast", "coffee")
	require.True(t, ok)
	pastry, ok := findAssociation(res, "s1", "Breakfast", "pastry")
	require.True(t, ok)
	assert.Equal(t, int64(2), coffee["pastry"].Count, "each coffee line pairs with the pastry line")
	assert.Equal(t, int64(2), pastry["coffee"].Count, "the pastry line pairs with both coffee lines")
	assert.NotContains(t, coffee, "coffee")
}

func TestAggregateRepeatedLinesWeightByAssociateQuantity(t *testing.T) {
	agg := New(timing.DefaultBuckets(), 0)
	res, err := agg.Aggregate("t", []domain.TransactionLine{
		txLine("1", "burger", "B", 1, "s1", 19),
		txLine("1", "burger", "B", 1, "s1", 19),
		txLine("1", "coke", "K", 3, "s1", 19),
	})
	require.NoError(t, err)

	burger, _ := findAssociation(res, "s1", "Dinner", "burger")
	coke, _ := findAssociation(res, "s1", "Dinner", "coke")
	assert.Equal(t, int64(6), burger["coke"].Count)
	assert.Equal(t, int64(2), coke["burger"].Count)
}

func TestMergeCountsRepicksSKUFromSummedQuantities(t *testing.T) {
	agg := New(timing.DefaultBuckets(), 0)
	first, err := agg.Aggregate("t", []domain.TransactionLine{
		txLine("1", "water", "W-A", 2, "s1", 8),
		txLine("2", "water", "W-B", 1, "s1", 8),
	})
	require.NoError(t, err)
	second, err := agg.Aggregate("t", []domain.TransactionLine{
		txLine("3", "water", "W-B", 2, "s1", 8),
	})
	require.NoError(t, err)

	merged := MergeCounts(findPopularity(t, first, "s1", "Breakfast"), findPopularity(t, second, "s1", "Breakfast"))
	assert.Equal(t, "W-B", merged["water"].SKU)
	assert.Equal(t, int64(5), merged["water"].Count)
	assert.Equal(t, map[string]int64{"W-A": 2, "W-B": 3}, merged["water"].Quantities)

	// Entries without a breakdown count toward their SKU.
	legacy := domain.Popularity{"water": {SKU: "W-A", Count: 4}}
	assert.Equal(t, "W-A", MergeCounts(legacy, merged)["water"].SKU)
}

func TestAggregateKeepsHighestQuantitySKU(t *testing.T) {
	agg := New(timing.DefaultBuckets(), 0)
	res, err := agg.Aggregate("t", []domain.TransactionLine{
		txLine("1", "Water", "W-SMALL", 1, "s1", 8),
		txLine("2", "water", "W-BIG", 5, "s1", 8),
		txLine("3", "WATER.", "W-SMALL", 2, "s1", 8),
	})
	require.NoError(t, err)

	pop := findPopularity(t, res, "s1", "Breakfast")
	assert.Equal(t, domain.SKUCount{SKU: "W-BIG", Count: 8, Quantities: map[string]int64{"W-BIG": 5, "W-SMALL": 3}}, pop["water"])
	require.Len(t, res.Lookups, 1)
	assert.Equal(t, "W-BIG", res.Lookups[0].Lookup.NameToSKU["water"])
	assert.Equal(t, "water", res.Lookups[0].Lookup.SKUToName["W-SMALL"])
}

func TestAggregateSkipsMalformedRows(t *testing.T) {
	agg := New(timing.DefaultBuckets(), 0)
	bad := []domain.TransactionLine{
		{SessionID: "1", Timestamp: at(9), Product: "", SKU: "X", Quantity: 1, LocationID: "l", StoreID: "s"},
		{SessionID: "1", Timestamp: at(9), Product: "tea", SKU: "", Quantity: 1, LocationID: "l", StoreID: "s"},
		{SessionID: "1", Timestamp: at(9), Product: "tea", SKU: "T", Quantity: 0, LocationID: "l", StoreID: "s"},
		{SessionID: "1", Product: "tea", SKU: "T", Quantity: 1, LocationID: "l", StoreID: "s"},
	}
	good := txLine("1", "tea", "T", 1, "s1", 9)

	res, err := agg.Aggregate("t", append(bad, good))
	require.NoError(t, err)
	assert.Equal(t, Stats{Lines: 5, Accepted: 1, Skipped: 4}, res.Stats)

	_, err = agg.Aggregate("t", bad)
	assert.True(t, errors.Is(err, ErrNoData))
}

func TestAggregateTopNPerAnchor(t *testing.T) {
	agg := New(timing.DefaultBuckets(), 2)
	res, err := agg.Aggregate("t", []domain.TransactionLine{
		txLine("1", "burger", "B", 1, "s1", 18),
		txLine("1", "fries", "F", 3, "s1", 18),
		txLine("1", "coke", "K", 2, "s1", 18),
		txLine("1", "salad", "S", 1, "s1", 18),
	})
	require.NoError(t, err)

	assoc, ok := findAssociation(res, "s1", "Dinner", "burger")
	require.True(t, ok)
	assert.Len(t, assoc, 2)
	assert.Contains(t, assoc, "fries")
	assert.Contains(t, assoc, "coke")
	assert.Len(t, findPopularity(t, res, "s1", "Dinner"), 2)
}

func TestAggregatePartitionsByStoreAndBucket(t *testing.T) {
	agg := New(timing.DefaultBuckets(), 0)
	res, err := agg.Aggregate("t", []domain.TransactionLine{
		txLine("1", "coffee", "C", 1, "s1", 7),
		txLine("2", "coffee", "C", 1, "s2", 7),
		txLine("3", "coffee", "C", 1, "s1", 20),
	})
	require.NoError(t, err)
	assert.Len(t, res.Popularity, 3)
	assert.Equal(t, []string{"s1", "s2"}, res.Stores())
	assert.Len(t, res.ForStore("s1").Popularity, 2)
}

// Chunked aggregation merged additively must match a single pass.
func TestAggregateChunksConvergeToSinglePass(t *testing.T) {
	names := []string{"coffee", "pastry", "juice", "sandwich", "chips"}
	var lines []domain.TransactionLine
	for s := 0; s < 40; s++ {
		session := fmt.Sprintf("sess-%d", s)
		hour := []int{7, 13, 19, 2}[s%4]
		store := []string{"s1", "s2"}[s%2]
		for i := 0; i <= s%4; i++ {
			name := names[(s+i)%len(names)]
			lines = append(lines, txLine(session, name, "SKU-"+name, int64(1+(s+i)%3), store, hour))
		}
	}

	agg := New(timing.DefaultBuckets(), 0)
	whole, err := agg.Aggregate("t", lines)
	require.NoError(t, err)

	// Split on session boundaries into uneven chunks.
	type key struct{ store, bucket, anchor string }
	popMerged := map[key]domain.Popularity{}
	assocMerged := map[key]domain.Popularity{}
	start := 0
	for _, size := range []int{3, 17, 1, 29, 1000} {
		end := start + size
		if end > len(lines) {
			end = len(lines)
		}
		for end < len(lines) && lines[end].SessionID == lines[end-1].SessionID {
			end++
		}
		if start >= end {
			break
		}
		part, err := agg.Aggregate("t", lines[start:end])
		require.NoError(t, err)
		for _, rec := range part.Popularity {
			k := key{rec.Scope.StoreID, rec.Bucket, ""}
			popMerged[k] = MergeCounts(popMerged[k], rec.Products)
		}
		for _, rec := range part.Associations {
			k := key{rec.Scope.StoreID, rec.Bucket, rec.Anchor}
			assocMerged[k] = MergeCounts(assocMerged[k], rec.Associates)
		}
		start = end
	}

	require.Len(t, popMerged, len(whole.Popularity))
	for _, rec := range whole.Popularity {
		merged := popMerged[key{rec.Scope.StoreID, rec.Bucket, ""}]
		for name, entry := range rec.Products {
			assert.Equal(t, entry.Count, merged[name].Count, "popularity %s/%s/%s", rec.Scope.StoreID, rec.Bucket, name)
			assert.Equal(t, entry.SKU, merged[name].SKU, "popularity sku %s/%s/%s", rec.Scope.StoreID, rec.Bucket, name)
		}
	}
	require.Len(t, assocMerged, len(whole.Associations))
	for _, rec := range whole.Associations {
		merged := assocMerged[key{rec.Scope.StoreID, rec.Bucket, rec.Anchor}]
		require.Len(t, merged, len(rec.Associates))
		for name, entry := range rec.Associates {
			assert.Equal(t, entry.Count, merged[name].Count, "association %s -> %s", rec.Anchor, name)
		}
	}
}

func TestMergeLookupIsNonDestructive(t *testing.T) {
	existing := domain.Lookup{
		NameToSKU: map[string]string{"coffee": "C-1", "tea": "T-1"},
		SKUToName: map[string]string{"C-1": "coffee", "T-1": "tea"},
	}
	incoming := domain.Lookup{
		NameToSKU: map[string]string{"coffee": "C-2"},
		SKUToName: map[string]string{"C-2": "coffee"},
	}
	merged := MergeLookup(existing, incoming)
	assert.Equal(t, "C-2", merged.NameToSKU["coffee"])
	assert.Equal(t, "T-1", merged.NameToSKU["tea"])
	assert.Equal(t, "coffee", merged.SKUToName["C-1"])
	assert.Equal(t, "C-1", existing.NameToSKU["coffee"], "inputs must not be mutated")
}
