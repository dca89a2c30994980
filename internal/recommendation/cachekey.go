package recommendation

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"recobox/backend/internal/domain"
)

// CacheKey identifies a response for the given request context. Cart order is
// significant because the last added item drives affinity promotion.
// Coordinates stand in for the weather feel, which depends only on them and
// the hour. generation changes whenever the location's data or curated lists
// are written, which retires every earlier key.
func CacheKey(req domain.RecommendationRequest, generation, bucket string, hour int, n int) string {
	parts := make([]string, 0, len(req.CartSKUs)+8)
	parts = append(parts, req.TenantID, req.LocationID, req.StoreID, "g:"+generation)
	parts = append(parts, NormalizeCart(req.CartSKUs)...)
	loc := "-"
	if req.Location != nil {
		loc = fmt.Sprintf("%.4f,%.4f", req.Location.Latitude, req.Location.Longitude)
	}
	parts = append(parts, fmt.Sprintf("b:%s", bucket), fmt.Sprintf("h:%d", hour), "l:"+loc, fmt.Sprintf("n:%d", n))

	hash := sha1.Sum([]byte(strings.Join(parts, "|")))
	return "recobox:recommendation:" + hex.EncodeToString(hash[:])
}

// NormalizeCart trims SKUs and drops repeats, keeping the position of the last
// occurrence so the most recently added item stays last.
func NormalizeCart(skus []string) []string {
	last := make(map[string]int, len(skus))
	for i, sku := range skus {
		sku = strings.TrimSpace(sku)
		if sku == "" {
			continue
		}
		last[sku] = i
	}
	out := make([]string, 0, len(last))
	for sku := range last {
		out = append(out, sku)
	}
	sort.Slice(out, func(i, j int) bool { return last[out[i]] < last[out[j]] })
	return out
}
