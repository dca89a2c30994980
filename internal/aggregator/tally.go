package aggregator

import "recobox/backend/internal/domain"

// tally accumulates a product's count together with per-SKU quantities so the
// representative SKU can be chosen once all rows are seen.
type tally struct {
	count int64
	skus  map[string]int64
}

func addTally(m map[string]*tally, name, sku string, qty int64) {
	t := m[name]
	if t == nil {
		t = &tally{skus: map[string]int64{}}
		m[name] = t
	}
	t.count += qty
	t.skus[sku] += qty
}

// bestSKU picks the SKU with the highest cumulative quantity. Ties go to the
// lexically smaller SKU.
func bestSKU(skus map[string]int64) string {
	best := ""
	var bestQty int64 = -1
	for sku, qty := range skus {
		if qty > bestQty || (qty == bestQty && sku < best) {
			best, bestQty = sku, qty
		}
	}
	return best
}

func topN(m map[string]*tally, n int) domain.Popularity {
	ranked := make([]domain.RankedProduct, 0, len(m))
	for name, t := range m {
		ranked = append(ranked, domain.RankedProduct{Name: name, SKU: bestSKU(t.skus), Count: t.count})
	}
	domain.SortRanked(ranked)
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	out := make(domain.Popularity, len(ranked))
	for _, r := range ranked {
		out[r.Name] = domain.SKUCount{SKU: r.SKU, Count: r.Count, Quantities: m[r.Name].skus}
	}
	return out
}
