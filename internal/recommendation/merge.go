package recommendation

import (
	"math/rand/v2"
	"sync"
)

// Merger blends curated Always and Fixed lists with an algorithmic base list.
// Sampling uses the injected source; *rand.Rand is not goroutine safe, so
// access is serialized.
type Merger struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewMerger uses src for sampling. A nil src draws a random seed.
func NewMerger(src rand.Source) *Merger {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Merger{rng: rand.New(src)}
}

// Saturated reports whether the distinct Always SKUs can fill n slots alone.
func Saturated(always []string, n int) bool {
	return n > 0 && len(unique(always)) >= n
}

// Merge returns at most n distinct SKUs. Priority runs Always, then Fixed
// entries that appear in base (in base order), then a random sample of the
// remaining Fixed, then base in order.
func (m *Merger) Merge(base, fixed, always []string, n int) []string {
	out, _ := m.MergeReport(base, fixed, always, n)
	return out
}

// MergeReport is Merge that also reports whether a random draw chose the
// members or order of any slot. Drawn results differ between calls.
func (m *Merger) MergeReport(base, fixed, always []string, n int) (out []string, drawn bool) {
	if n < 1 {
		return []string{}, false
	}
	always = unique(always)
	if len(always) >= n {
		return m.sample(always, n)
	}

	out = make([]string, 0, n)
	used := make(map[string]struct{}, n)
	add := func(sku string) {
		if len(out) >= n {
			return
		}
		if _, dup := used[sku]; dup || sku == "" {
			return
		}
		used[sku] = struct{}{}
		out = append(out, sku)
	}

	for _, sku := range always {
		add(sku)
	}

	fixed = unique(fixed)
	fixedSet := make(map[string]struct{}, len(fixed))
	for _, sku := range fixed {
		fixedSet[sku] = struct{}{}
	}
	for _, sku := range base {
		if _, ok := fixedSet[sku]; ok {
			add(sku)
		}
	}

	if slots := n - len(out); slots > 0 {
		rest := make([]string, 0, len(fixed))
		for _, sku := range fixed {
			if _, taken := used[sku]; !taken {
				rest = append(rest, sku)
			}
		}
		picked, random := m.sample(rest, slots)
		for _, sku := range picked {
			add(sku)
		}
		drawn = random
	}

	for _, sku := range base {
		add(sku)
	}
	return out, drawn
}

// sample draws k items uniformly without replacement. random is false when
// the result could not have come out any other way.
func (m *Merger) sample(items []string, k int) (picked []string, random bool) {
	if k > len(items) {
		k = len(items)
	}
	if k < 1 {
		return nil, false
	}
	if len(items) == 1 {
		return []string{items[0]}, false
	}
	pool := make([]string, len(items))
	copy(pool, items)

	m.mu.Lock()
	m.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	m.mu.Unlock()

	return pool[:k], true
}

func unique(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == "" {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
