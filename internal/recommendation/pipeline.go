package recommendation

import (
	"unicode/utf8"

	"recobox/backend/internal/domain"
	"recobox/backend/internal/timing"
)

const (
	StageExcludeCart     = "exclude_cart"
	StageExcludeObvious  = "exclude_obvious"
	StageTimeGate        = "time_gate"
	StageCartContext     = "cart_context"
	StageSubcategoryCap  = "subcategory_cap"
	StageDegenerateNames = "degenerate_names"
	StageWeather         = "weather"
)

// Input is everything a single refinement needs. Candidates and Cart hold
// normalized product names; Cart is in the order items were added.
type Input struct {
	Candidates []domain.Recommendation
	Cart       []string
	Categories domain.CategoryIndex
	Hour       int
	Weather    string
}

// StageResult records what one stage did to the candidate list.
type StageResult struct {
	Stage string `json:"stage"`
	In    int    `json:"in"`
	Out   int    `json:"out"`
	// NoCategory counts candidates removed because no category record exists.
	NoCategory int  `json:"no_category,omitempty"`
	Skipped    bool `json:"skipped,omitempty"`
}

type Result struct {
	Items []domain.Recommendation
	Trace []StageResult
}

type stageOutcome struct {
	items      []domain.Recommendation
	noCategory int
	skipped    bool
}

type stage struct {
	name string
	run  func(p *Pipeline, in Input, items []domain.Recommendation) stageOutcome
}

// stages run in this order; each one replaces the candidate list.
var stages = []stage{
	{StageExcludeCart, excludeCart},
	{StageExcludeObvious, excludeObvious},
	{StageTimeGate, timeGate},
	{StageCartContext, cartContext},
	{StageSubcategoryCap, subcategoryCap},
	{StageDegenerateNames, degenerateNames},
	{StageWeather, weatherReorder},
}

// Pipeline filters and reorders candidate lists using fixed category rules.
// It holds no per-request state and is safe for concurrent use.
type Pipeline struct {
	rules compiledRules
}

func NewPipeline(rules Rules) *Pipeline {
	return &Pipeline{rules: compile(rules)}
}

func (p *Pipeline) Refine(in Input) Result {
	items := make([]domain.Recommendation, len(in.Candidates))
	copy(items, in.Candidates)

	trace := make([]StageResult, 0, len(stages))
	for _, st := range stages {
		before := len(items)
		outcome := st.run(p, in, items)
		items = outcome.items
		trace = append(trace, StageResult{
			Stage:      st.name,
			In:         before,
			Out:        len(items),
			NoCategory: outcome.noCategory,
			Skipped:    outcome.skipped,
		})
	}
	return Result{Items: items, Trace: trace}
}

func excludeCart(_ *Pipeline, in Input, items []domain.Recommendation) stageOutcome {
	if len(in.Cart) == 0 {
		return stageOutcome{items: items, skipped: true}
	}
	cart := make(map[string]struct{}, len(in.Cart))
	for _, name := range in.Cart {
		cart[name] = struct{}{}
	}
	return stageOutcome{items: filter(items, func(c domain.Recommendation) bool {
		_, inCart := cart[c.Name]
		return !inCart
	})}
}

func excludeObvious(p *Pipeline, in Input, items []domain.Recommendation) stageOutcome {
	var missing int
	out := filter(items, func(c domain.Recommendation) bool {
		rec, ok := in.Categories.Get(c.Name)
		if !ok {
			missing++
			return false
		}
		return !p.rules.excluded.has(rec.Subcategory)
	})
	return stageOutcome{items: out, noCategory: missing}
}

func timeGate(p *Pipeline, in Input, items []domain.Recommendation) stageOutcome {
	if !p.rules.timeGating {
		return stageOutcome{items: items, skipped: true}
	}
	var missing int
	out := filter(items, func(c domain.Recommendation) bool {
		rec, ok := in.Categories.Get(c.Name)
		if !ok {
			missing++
			return false
		}
		slot, known := timing.Find(rec.Timing, p.rules.slots)
		if !known {
			return true
		}
		return slot.Contains(in.Hour)
	})
	return stageOutcome{items: out, noCategory: missing}
}

func cartContext(p *Pipeline, in Input, items []domain.Recommendation) stageOutcome {
	if len(in.Cart) == 0 {
		return stageOutcome{items: items, skipped: true}
	}

	monoInCart := labelSet{}
	conflicting := labelSet{}
	for _, name := range in.Cart {
		rec, ok := in.Categories.Get(name)
		if !ok {
			continue
		}
		if p.rules.mono.has(rec.Subcategory) {
			monoInCart[rec.Subcategory] = struct{}{}
		}
		for category := range p.rules.conflicts[rec.Category] {
			conflicting[category] = struct{}{}
		}
	}

	var missing int
	out := filter(items, func(c domain.Recommendation) bool {
		rec, ok := in.Categories.Get(c.Name)
		if !ok {
			missing++
			return false
		}
		return !monoInCart.has(rec.Subcategory) && !conflicting.has(rec.Category)
	})

	last, ok := in.Categories.Get(in.Cart[len(in.Cart)-1])
	if ok {
		if affinities := p.rules.cross[last.Subcategory]; len(affinities) > 0 {
			out = promote(out, func(c domain.Recommendation) bool {
				rec, _ := in.Categories.Get(c.Name)
				return affinities.has(rec.Subcategory)
			})
		}
	}
	return stageOutcome{items: out, noCategory: missing}
}

func subcategoryCap(p *Pipeline, in Input, items []domain.Recommendation) stageOutcome {
	if p.rules.maxPerSub < 1 {
		return stageOutcome{items: items, skipped: true}
	}
	counts := map[string]int{}
	var missing int
	out := filter(items, func(c domain.Recommendation) bool {
		rec, ok := in.Categories.Get(c.Name)
		if !ok {
			missing++
			return false
		}
		if counts[rec.Subcategory] >= p.rules.maxPerSub {
			return false
		}
		counts[rec.Subcategory]++
		return true
	})
	return stageOutcome{items: out, noCategory: missing}
}

func degenerateNames(_ *Pipeline, _ Input, items []domain.Recommendation) stageOutcome {
	return stageOutcome{items: filter(items, func(c domain.Recommendation) bool {
		return utf8.RuneCountInString(c.Name) > 1
	})}
}

func weatherReorder(p *Pipeline, in Input, items []domain.Recommendation) stageOutcome {
	rule, ok := p.rules.weather[domain.NormalizeLabel(in.Weather)]
	if !ok || (len(rule.avoid) == 0 && len(rule.prefer) == 0) {
		return stageOutcome{items: items, skipped: true}
	}
	var missing int
	out := filter(items, func(c domain.Recommendation) bool {
		rec, ok := in.Categories.Get(c.Name)
		if !ok {
			missing++
			return false
		}
		return !rule.avoid.has(rec.Subcategory)
	})
	out = promote(out, func(c domain.Recommendation) bool {
		rec, _ := in.Categories.Get(c.Name)
		return rule.prefer.has(rec.Subcategory)
	})
	return stageOutcome{items: out, noCategory: missing}
}

func filter(items []domain.Recommendation, keep func(domain.Recommendation) bool) []domain.Recommendation {
	out := make([]domain.Recommendation, 0, len(items))
	for _, item := range items {
		if keep(item) {
			out = append(out, item)
		}
	}
	return out
}

// promote is a stable partition: matching items first, both halves keep their
// relative order.
func promote(items []domain.Recommendation, match func(domain.Recommendation) bool) []domain.Recommendation {
	front := make([]domain.Recommendation, 0, len(items))
	back := make([]domain.Recommendation, 0, len(items))
	for _, item := range items {
		if match(item) {
			front = append(front, item)
		} else {
			back = append(back, item)
		}
	}
	return append(front, back...)
}
