package category

import (
	"context"
	"fmt"

	"recobox/backend/internal/domain"
	"recobox/backend/internal/logging"
	"recobox/backend/internal/metrics"
)

// Classifier labels product names with category, subcategory and timing.
// Names it cannot label are left out of the result.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, names []string) ([]domain.CategoryRecord, error)
}

const TimingAllTime = "all time"

// StaticClassifier answers from a fixed catalogue of well known products.
type StaticClassifier struct {
	catalogue map[string]domain.CategoryRecord
}

func NewStaticClassifier() *StaticClassifier {
	entries := []domain.CategoryRecord{
		{Name: "coke", Category: "beverage", Subcategory: "soda", Timing: TimingAllTime},
		{Name: "pepsi", Category: "beverage", Subcategory: "soda", Timing: TimingAllTime},
		{Name: "tea", Category: "beverage", Subcategory: "coffee/tea", Timing: "breakfast"},
		{Name: "coffee", Category: "beverage", Subcategory: "coffee/tea", Timing: "breakfast"},
		{Name: "sandwich", Category: "snack", Subcategory: "sandwich", Timing: "breakfast"},
		{Name: "burger", Category: "snack", Subcategory: "unknown", Timing: "lunch"},
		{Name: "chips", Category: "snack", Subcategory: "chips", Timing: TimingAllTime},
		{Name: "chocolate", Category: "snack", Subcategory: "chocolate", Timing: TimingAllTime},
		{Name: "pizza", Category: "snack", Subcategory: "unknown", Timing: "dinner"},
		{Name: "carrom", Category: "playing item", Subcategory: "toys", Timing: TimingAllTime},
		{Name: "ludo", Category: "playing item", Subcategory: "toys", Timing: TimingAllTime},
		{Name: "water", Category: "beverage", Subcategory: "water", Timing: TimingAllTime},
		{Name: "biryani", Category: "meal", Subcategory: "unknown", Timing: "lunch"},
		{Name: "pasta", Category: "meal", Subcategory: "pasta", Timing: "dinner"},
		{Name: "bread", Category: "snack", Subcategory: "unknown", Timing: "breakfast"},
		{Name: "juice", Category: "beverage", Subcategory: "juice", Timing: "breakfast"},
		{Name: "ice cream", Category: "snack", Subcategory: "ice cream", Timing: TimingAllTime},
	}
	c := &StaticClassifier{catalogue: make(map[string]domain.CategoryRecord, len(entries))}
	for _, e := range entries {
		c.catalogue[e.Name] = e
	}
	return c
}

func (c *StaticClassifier) Name() string { return "static" }

func (c *StaticClassifier) Classify(_ context.Context, names []string) ([]domain.CategoryRecord, error) {
	out := make([]domain.CategoryRecord, 0, len(names))
	for _, name := range names {
		if rec, ok := c.catalogue[domain.NormalizeName(name)]; ok {
			rec.Name = domain.NormalizeName(name)
			out = append(out, rec)
		}
	}
	metrics.ClassifierCalls.WithLabelValues(c.Name(), "ok").Inc()
	return out, nil
}

// ChainClassifier asks each classifier in turn for the names the previous ones
// left unlabeled. A failing link is skipped; its error is returned alongside
// whatever the other links produced.
type ChainClassifier struct {
	links []Classifier
}

func NewChainClassifier(links ...Classifier) *ChainClassifier {
	kept := make([]Classifier, 0, len(links))
	for _, l := range links {
		if l != nil {
			kept = append(kept, l)
		}
	}
	return &ChainClassifier{links: kept}
}

func (c *ChainClassifier) Name() string { return "chain" }

func (c *ChainClassifier) Classify(ctx context.Context, names []string) ([]domain.CategoryRecord, error) {
	remaining := make(map[string]struct{}, len(names))
	pending := make([]string, 0, len(names))
	for _, name := range names {
		key := domain.NormalizeName(name)
		if key == "" {
			continue
		}
		if _, dup := remaining[key]; dup {
			continue
		}
		remaining[key] = struct{}{}
		pending = append(pending, key)
	}

	var out []domain.CategoryRecord
	var firstErr error
	for _, link := range c.links {
		if len(pending) == 0 {
			break
		}
		recs, err := link.Classify(ctx, pending)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("component", "category").Str("classifier", link.Name()).Int("names", len(pending)).Msg("classifier failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("%s classifier: %w", link.Name(), err)
			}
		}
		for _, rec := range recs {
			rec = domain.NormalizeRecord(rec)
			if _, ok := remaining[rec.Name]; !ok {
				continue
			}
			delete(remaining, rec.Name)
			out = append(out, rec)
		}
		next := pending[:0]
		for _, name := range pending {
			if _, ok := remaining[name]; ok {
				next = append(next, name)
			}
		}
		pending = next
	}
	return out, firstErr
}
