package aggregator

import (
	"sort"

	"recobox/backend/internal/domain"
)

// BuildLookups derives name to SKU and SKU to name maps per store. A name seen
// under several SKUs keeps the SKU with the highest total quantity; a SKU seen
// under several names keeps its highest-quantity name.
func BuildLookups(tenantID string, lines []domain.TransactionLine) []domain.LookupRecord {
	prepared := make([]line, 0, len(lines))
	for _, raw := range lines {
		name := domain.NormalizeName(raw.Product)
		if name == "" || raw.SKU == "" || raw.Quantity < 1 || raw.LocationID == "" || raw.StoreID == "" {
			continue
		}
		prepared = append(prepared, line{loc: raw.LocationID, store: raw.StoreID, name: name, sku: raw.SKU, qty: raw.Quantity})
	}
	return buildLookups(tenantID, prepared)
}

func buildLookups(tenantID string, lines []line) []domain.LookupRecord {
	names := map[storeKey]map[string]map[string]int64{}
	skus := map[storeKey]map[string]map[string]int64{}
	for _, l := range lines {
		key := storeKey{loc: l.loc, store: l.store}
		if names[key] == nil {
			names[key] = map[string]map[string]int64{}
			skus[key] = map[string]map[string]int64{}
		}
		if names[key][l.name] == nil {
			names[key][l.name] = map[string]int64{}
		}
		if skus[key][l.sku] == nil {
			skus[key][l.sku] = map[string]int64{}
		}
		names[key][l.name][l.sku] += l.qty
		skus[key][l.sku][l.name] += l.qty
	}

	out := make([]domain.LookupRecord, 0, len(names))
	for key, byName := range names {
		lookup := domain.NewLookup()
		for name, counts := range byName {
			lookup.NameToSKU[name] = bestSKU(counts)
		}
		for sku, counts := range skus[key] {
			lookup.SKUToName[sku] = bestSKU(counts)
		}
		out = append(out, domain.LookupRecord{
			Scope:  domain.Scope{TenantID: tenantID, LocationID: key.loc, StoreID: key.store},
			Lookup: lookup,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return lessBucket(out[i].Scope, "", out[j].Scope, "")
	})
	return out
}

// MergeLookup folds incoming into existing without removing keys that the
// incoming batch does not mention.
func MergeLookup(existing, incoming domain.Lookup) domain.Lookup {
	out := domain.NewLookup()
	for k, v := range existing.NameToSKU {
		out.NameToSKU[k] = v
	}
	for k, v := range existing.SKUToName {
		out.SKUToName[k] = v
	}
	for k, v := range incoming.NameToSKU {
		out.NameToSKU[k] = v
	}
	for k, v := range incoming.SKUToName {
		out.SKUToName[k] = v
	}
	return out
}
