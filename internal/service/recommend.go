package service

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"recobox/backend/internal/domain"
	"recobox/backend/internal/logging"
	"recobox/backend/internal/metrics"
	"recobox/backend/internal/recommendation"
	"recobox/backend/internal/timing"
)

// Recommend returns up to N products for the request's cart and context.
// Scope and hour are validated before any lookup. Missing data of any kind
// only narrows the result.
func (s *Service) Recommend(ctx context.Context, req domain.RecommendationRequest) (domain.RecommendationResponse, error) {
	started := time.Now()
	req.CartSKUs = recommendation.NormalizeCart(req.CartSKUs)
	if err := validate(req); err != nil {
		return domain.RecommendationResponse{}, err
	}
	if _, err := s.resolveStore(ctx, req.Scope()); err != nil {
		return domain.RecommendationResponse{}, err
	}

	n := req.TopN
	if n == 0 {
		n = s.opts.DefaultTopN
	}
	n = min(n, s.opts.MaxTopN)

	at := s.opts.Now()
	if req.Timestamp != nil {
		at = *req.Timestamp
	}
	hour := at.Hour()
	if req.Hour != nil {
		hour = *req.Hour
	}
	bucket := timing.Classify(hour, s.opts.Buckets)
	scope := req.Scope()
	log := logging.Ctx(ctx)

	var cacheKey string
	if s.opts.CacheTTL > 0 {
		cacheKey = recommendation.CacheKey(req, s.generation(ctx, req.TenantID, req.LocationID), bucket, hour, n)
		var cached domain.RecommendationResponse
		hit, err := s.cache.Get(ctx, cacheKey, &cached)
		if err != nil {
			log.Warn().Err(err).Str("component", "service").Msg("recommendation cache read failed")
		}
		if hit && err == nil {
			cached.LatencyMS = time.Since(started).Milliseconds()
			metrics.ObserveRecommendation(string(cached.Source), true, len(cached.Items))
			return cached, nil
		}
	}

	var (
		lookup     domain.Lookup
		popularity domain.Popularity
		always     []domain.CuratedProduct
		fixed      []domain.CuratedProduct
		feel       string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		lookup, err = s.repo.GetLookup(gctx, scope)
		return err
	})
	g.Go(func() (err error) {
		popularity, err = s.repo.GetPopularity(gctx, scope, bucket)
		return err
	})
	g.Go(func() (err error) {
		always, err = s.repo.GetCurated(gctx, scope, domain.CuratedAlways)
		return err
	})
	g.Go(func() (err error) {
		fixed, err = s.repo.GetCurated(gctx, scope, domain.CuratedFixed)
		return err
	})
	g.Go(func() error {
		feel = s.weather.Feel(gctx, req.Location, at)
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.RecommendationResponse{}, fmt.Errorf("load recommendation inputs: %w", err)
	}

	cartSKUs := make(map[string]struct{}, len(req.CartSKUs))
	cartNames := make([]string, 0, len(req.CartSKUs))
	for _, sku := range req.CartSKUs {
		cartSKUs[sku] = struct{}{}
		if name, ok := lookup.SKUToName[sku]; ok {
			cartNames = append(cartNames, name)
		}
	}

	pool := n + s.opts.CandidateExtra
	popular := candidates(popularity.Ranked(), pool)

	var associated []domain.Recommendation
	if len(cartNames) > 0 {
		byAnchor, err := s.repo.GetAssociations(ctx, scope, bucket, cartNames)
		if err != nil {
			return domain.RecommendationResponse{}, fmt.Errorf("load associations: %w", err)
		}
		associated = candidates(combineAssociates(byAnchor), pool)
	}

	names := make([]string, 0, len(popular)+len(associated)+len(cartNames))
	names = append(names, cartNames...)
	for _, c := range popular {
		names = append(names, c.Name)
	}
	for _, c := range associated {
		names = append(names, c.Name)
	}
	var categories domain.CategoryIndex
	if s.categories != nil {
		idx, err := s.categories.Lookup(ctx, names)
		if err != nil {
			log.Warn().Err(err).Str("component", "service").Msg("category lookup failed, candidates without categories are excluded")
		}
		categories = idx
	}

	refine := func(list []domain.Recommendation) recommendation.Result {
		return s.pipeline.Refine(recommendation.Input{
			Candidates: list,
			Cart:       cartNames,
			Categories: categories,
			Hour:       hour,
			Weather:    feel,
		})
	}
	refinedAssoc := refine(associated)
	refinedPop := refine(popular)

	nameBySKU := map[string]string{}
	fromAssoc := map[string]struct{}{}
	fromPop := map[string]struct{}{}
	base := make([]string, 0, len(refinedAssoc.Items)+len(refinedPop.Items))
	for _, list := range []struct {
		items []domain.Recommendation
		seen  map[string]struct{}
	}{{refinedAssoc.Items, fromAssoc}, {refinedPop.Items, fromPop}} {
		for _, item := range list.items {
			if _, inCart := cartSKUs[item.SKU]; inCart {
				continue
			}
			if _, dup := nameBySKU[item.SKU]; !dup {
				list.seen[item.SKU] = struct{}{}
				nameBySKU[item.SKU] = item.Name
				base = append(base, item.SKU)
			}
		}
	}

	alwaysSKUs := curatedSKUs(always, cartSKUs, nil, nameBySKU)
	fixedSKUs := curatedSKUs(fixed, cartSKUs, lookup.SKUToName, nameBySKU)

	merged, drawn := s.merger.MergeReport(base, fixedSKUs, alwaysSKUs, n)
	source := provenance(merged, alwaysSKUs, fixedSKUs, fromAssoc, fromPop, n)

	items := make([]domain.Recommendation, 0, len(merged))
	for _, sku := range merged {
		name := lookup.SKUToName[sku]
		if name == "" {
			name = nameBySKU[sku]
		}
		items = append(items, domain.Recommendation{Name: name, SKU: sku})
	}

	resp := domain.RecommendationResponse{
		Items:     items,
		Source:    source,
		Bucket:    bucket,
		Weather:   feel,
		LatencyMS: time.Since(started).Milliseconds(),
	}

	// A drawn result would pin one sample for the whole TTL.
	if s.opts.CacheTTL > 0 && !drawn {
		if err := s.cache.Set(ctx, cacheKey, resp, s.opts.CacheTTL); err != nil {
			log.Warn().Err(err).Str("component", "service").Msg("recommendation cache write failed")
		}
	}
	metrics.ObserveRecommendation(string(source), false, len(items))
	log.Debug().
		Str("component", "service").
		Str("scope", scope.String()).
		Str("bucket", bucket).
		Str("weather", feel).
		Str("source", string(source)).
		Int("popular_in", len(popular)).
		Int("popular_out", len(refinedPop.Items)).
		Int("association_in", len(associated)).
		Int("association_out", len(refinedAssoc.Items)).
		Int("items", len(items)).
		Msg("recommendation computed")

	return resp, nil
}

func candidates(ranked []domain.RankedProduct, limit int) []domain.Recommendation {
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]domain.Recommendation, 0, len(ranked))
	for _, p := range ranked {
		out = append(out, domain.Recommendation{Name: p.Name, SKU: p.SKU})
	}
	return out
}

// combineAssociates sums associate counts across every anchor in the cart.
// The SKU of the single largest contribution is kept.
func combineAssociates(byAnchor map[string]domain.Popularity) []domain.RankedProduct {
	type acc struct {
		sku  string
		best int64
		sum  int64
	}
	totals := map[string]*acc{}
	for _, associates := range byAnchor {
		for name, entry := range associates {
			a := totals[name]
			if a == nil {
				a = &acc{}
				totals[name] = a
			}
			a.sum += entry.Count
			if entry.Count > a.best || (entry.Count == a.best && entry.SKU < a.sku) {
				a.best = entry.Count
				a.sku = entry.SKU
			}
		}
	}
	out := make([]domain.RankedProduct, 0, len(totals))
	for name, a := range totals {
		out = append(out, domain.RankedProduct{Name: name, SKU: a.sku, Count: a.sum})
	}
	domain.SortRanked(out)
	return out
}

// curatedSKUs drops cart items and, when catalogue is set, SKUs the store no
// longer sells.
func curatedSKUs(items []domain.CuratedProduct, cart map[string]struct{}, catalogue map[string]string, names map[string]string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, inCart := cart[item.SKU]; inCart {
			continue
		}
		if catalogue != nil {
			if _, ok := catalogue[item.SKU]; !ok {
				continue
			}
		}
		if _, ok := names[item.SKU]; !ok {
			names[item.SKU] = item.Name
		}
		out = append(out, item.SKU)
	}
	return out
}

func provenance(merged, always, fixed []string, fromAssoc, fromPop map[string]struct{}, n int) domain.Provenance {
	if recommendation.Saturated(always, n) {
		return domain.ProvenanceAlwaysOnly
	}
	curated := make(map[string]struct{}, len(always)+len(fixed))
	for _, sku := range always {
		curated[sku] = struct{}{}
	}
	for _, sku := range fixed {
		curated[sku] = struct{}{}
	}

	var usedCurated, usedAssoc, usedPop bool
	for _, sku := range merged {
		if _, ok := curated[sku]; ok {
			usedCurated = true
		}
		if _, ok := fromAssoc[sku]; ok {
			usedAssoc = true
		}
		if _, ok := fromPop[sku]; ok {
			usedPop = true
		}
	}
	switch {
	case usedCurated || (usedAssoc && usedPop):
		return domain.ProvenanceMerged
	case usedAssoc:
		return domain.ProvenanceAssociationOnly
	default:
		return domain.ProvenancePopularOnly
	}
}
