// Package category resolves product names to category records. Records are
// classified lazily, persisted once, and served through an advisory cache.
package category

import (
	"context"
	"fmt"
	"time"

	"recobox/backend/internal/cache"
	"recobox/backend/internal/domain"
	"recobox/backend/internal/logging"
	"recobox/backend/internal/metrics"
	"recobox/backend/internal/store"
)

const cacheKeyPrefix = "category:"

type Accessor struct {
	repo       store.CategoryStore
	cache      cache.Store
	classifier Classifier
	ttl        time.Duration
}

type Option func(*Accessor)

// WithCacheTTL bounds how long cached records live. Zero keeps them until
// evicted.
func WithCacheTTL(ttl time.Duration) Option {
	return func(a *Accessor) { a.ttl = ttl }
}

func NewAccessor(repo store.CategoryStore, c cache.Store, classifier Classifier, opts ...Option) *Accessor {
	if c == nil {
		c = cache.Noop{}
	}
	a := &Accessor{repo: repo, cache: c, classifier: classifier}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Lookup returns the records known for names. Unknown names are simply absent
// from the index.
func (a *Accessor) Lookup(ctx context.Context, names []string) (domain.CategoryIndex, error) {
	keys := uniqueNames(names)
	out := make(domain.CategoryIndex, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	log := logging.Ctx(ctx)
	missing := make([]string, 0, len(keys))
	for _, name := range keys {
		var rec domain.CategoryRecord
		hit, err := a.cache.Get(ctx, cacheKeyPrefix+name, &rec)
		if err != nil {
			log.Warn().Err(err).Str("component", "category").Msg("category cache read failed")
		}
		if hit && err == nil {
			out[name] = rec
			continue
		}
		missing = append(missing, name)
	}
	metrics.CategoryLookups.WithLabelValues("cache").Add(float64(len(out)))
	if len(missing) == 0 {
		return out, nil
	}

	found, err := a.repo.GetCategories(ctx, missing)
	if err != nil {
		return out, fmt.Errorf("load categories: %w", err)
	}
	metrics.CategoryLookups.WithLabelValues("store").Add(float64(len(found)))
	metrics.CategoryLookups.WithLabelValues("missing").Add(float64(len(missing) - len(found)))

	for name, rec := range found {
		out[name] = rec
		if err := a.cache.Set(ctx, cacheKeyPrefix+name, rec, a.ttl); err != nil {
			log.Warn().Err(err).Str("component", "category").Msg("category cache write failed")
		}
	}
	return out, nil
}

// EnsureClassified classifies and persists names that have no record yet. It
// returns how many new records were stored. Records the classifier produced
// are stored even when part of the classification failed; the failed names
// are picked up again on the next call.
func (a *Accessor) EnsureClassified(ctx context.Context, names []string) (int, error) {
	keys := uniqueNames(names)
	if len(keys) == 0 || a.classifier == nil {
		return 0, nil
	}

	existing, err := a.repo.GetCategories(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("load categories: %w", err)
	}
	missing := make([]string, 0, len(keys))
	for _, name := range keys {
		if _, ok := existing[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	return a.classify(ctx, missing)
}

// Reclassify reruns classification for names regardless of existing records
// and drops their cache entries.
func (a *Accessor) Reclassify(ctx context.Context, names []string) (domain.ReclassifyResult, error) {
	keys := uniqueNames(names)
	result := domain.ReclassifyResult{Requested: len(keys)}
	if len(keys) == 0 || a.classifier == nil {
		return result, nil
	}

	n, err := a.classify(ctx, keys)
	result.Classified = n

	cacheKeys := make([]string, len(keys))
	for i, name := range keys {
		cacheKeys[i] = cacheKeyPrefix + name
	}
	if cerr := a.cache.Delete(ctx, cacheKeys...); cerr != nil {
		logging.Ctx(ctx).Warn().Err(cerr).Str("component", "category").Msg("category cache invalidation failed")
	}
	return result, err
}

func (a *Accessor) classify(ctx context.Context, names []string) (int, error) {
	wanted := make(map[string]struct{}, len(names))
	for _, name := range names {
		wanted[name] = struct{}{}
	}

	recs, classifyErr := a.classifier.Classify(ctx, names)
	keep := make([]domain.CategoryRecord, 0, len(recs))
	for _, rec := range recs {
		rec = domain.NormalizeRecord(rec)
		if _, ok := wanted[rec.Name]; !ok {
			continue
		}
		delete(wanted, rec.Name)
		keep = append(keep, rec)
	}

	if len(keep) > 0 {
		if err := a.repo.UpsertCategories(ctx, keep); err != nil {
			return 0, fmt.Errorf("store categories: %w", err)
		}
	}
	if classifyErr != nil {
		return len(keep), fmt.Errorf("classify %d products: %w", len(wanted), classifyErr)
	}
	return len(keep), nil
}

func uniqueNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, raw := range names {
		name := domain.NormalizeName(raw)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
