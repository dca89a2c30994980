package aggregator

import (
	"maps"

	"recobox/backend/internal/domain"
)

// MergeCounts adds incoming counts onto existing and re-picks each product's
// SKU from the summed per-SKU quantities, so merged chunks select the same SKU
// as a single pass. Neither input is modified.
func MergeCounts(existing, incoming domain.Popularity) domain.Popularity {
	out := make(domain.Popularity, len(existing)+len(incoming))
	for name, entry := range existing {
		out[name] = entry
	}
	for name, entry := range incoming {
		current, ok := out[name]
		if !ok {
			entry.Quantities = maps.Clone(entry.Quantities)
			out[name] = entry
			continue
		}
		qty := make(map[string]int64, len(current.Quantities)+len(entry.Quantities))
		addQuantities(qty, current)
		addQuantities(qty, entry)
		out[name] = domain.SKUCount{SKU: bestSKU(qty), Count: current.Count + entry.Count, Quantities: qty}
	}
	return out
}

// SKUQuantities returns the per-SKU breakdown of e. Entries without one count
// entirely toward their SKU.
func SKUQuantities(e domain.SKUCount) map[string]int64 {
	qty := make(map[string]int64, max(1, len(e.Quantities)))
	addQuantities(qty, e)
	return qty
}

func addQuantities(dst map[string]int64, e domain.SKUCount) {
	if len(e.Quantities) == 0 {
		if e.SKU != "" {
			dst[e.SKU] += e.Count
		}
		return
	}
	for sku, q := range e.Quantities {
		dst[sku] += q
	}
}
