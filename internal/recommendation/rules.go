package recommendation

import (
	"recobox/backend/internal/domain"
	"recobox/backend/internal/timing"
)

type WeatherRule struct {
	Avoid  []string `koanf:"avoid" yaml:"avoid"`
	Prefer []string `koanf:"prefer" yaml:"prefer"`
}

// Rules are the category business rules applied by the Pipeline. Labels are
// matched after NormalizeLabel, so table casing does not matter.
type Rules struct {
	ExcludedSubcategories []string               `koanf:"excluded_subcategories" yaml:"excluded_subcategories"`
	StrictConflicts       map[string][]string    `koanf:"strict_conflicts" yaml:"strict_conflicts"`
	MonoSubcategories     []string               `koanf:"mono_subcategories" yaml:"mono_subcategories"`
	CrossAffinities       map[string][]string    `koanf:"cross_affinities" yaml:"cross_affinities"`
	TimeSlots             []timing.Range         `koanf:"time_slots" yaml:"time_slots"`
	MaxPerSubcategory     int                    `koanf:"max_per_subcategory" yaml:"max_per_subcategory"`
	TimeGating            bool                   `koanf:"time_gating" yaml:"time_gating"`
	Weather               map[string]WeatherRule `koanf:"weather" yaml:"weather"`
}

func DefaultRules() Rules {
	return Rules{
		ExcludedSubcategories: []string{"water"},
		StrictConflicts: map[string][]string{
			"food and beverage": {"home decor", "cloths", "personal care", "medicine", "toys", "reading"},
			"medicine":          {"home decor", "cloths", "personal care", "toys"},
			"toys":              {"medicine"},
		},
		MonoSubcategories: []string{
			"water", "juice", "coffee/tea", "soda/soft drink", "smoothie", "fries", "protein drinks",
			"cold coffee", "cereal", "pastry", "condiments", "dairy", "burgers", "coke",
		},
		CrossAffinities: map[string][]string{
			"burger":      {"fries", "coke"},
			"sandwich":    {"soda", "soft drink"},
			"salad":       {"protein (chicken/meat)"},
			"snack":       {"snack", "soda/soft drink"},
			"meal":        {"coke", "soda"},
			"wrap":        {"juice"},
			"smoothie":    {"fruit"},
			"burrito":     {"side"},
			"cold coffee": {"pastry"},
			"cereal":      {"milk"},
			"apparel":     {"bags"},
			"platter":     {"drink"},
		},
		TimeSlots:         timing.DefaultSlots(),
		MaxPerSubcategory: 3,
		TimeGating:        false,
		Weather: map[string]WeatherRule{
			"hot": {
				Avoid:  []string{"coffee/tea", "hot chocolate", "soup"},
				Prefer: []string{"juice", "soda/soft drink", "ice cream", "cold coffee", "smoothie"},
			},
			"cold": {
				Avoid:  []string{"ice cream", "smoothie", "cold coffee"},
				Prefer: []string{"coffee/tea", "soup", "hot chocolate"},
			},
			"moderate": {},
		},
	}
}

type labelSet map[string]struct{}

func newLabelSet(labels []string) labelSet {
	s := make(labelSet, len(labels))
	for _, l := range labels {
		if n := domain.NormalizeLabel(l); n != "" {
			s[n] = struct{}{}
		}
	}
	return s
}

func (s labelSet) has(label string) bool {
	_, ok := s[label]
	return ok
}

type weatherSets struct {
	avoid  labelSet
	prefer labelSet
}

// compiledRules holds the normalized lookup tables derived from Rules.
type compiledRules struct {
	excluded   labelSet
	conflicts  map[string]labelSet
	mono       labelSet
	cross      map[string]labelSet
	slots      []timing.Range
	maxPerSub  int
	timeGating bool
	weather    map[string]weatherSets
}

func compile(r Rules) compiledRules {
	c := compiledRules{
		excluded:   newLabelSet(r.ExcludedSubcategories),
		conflicts:  make(map[string]labelSet, len(r.StrictConflicts)),
		mono:       newLabelSet(r.MonoSubcategories),
		cross:      make(map[string]labelSet, len(r.CrossAffinities)),
		maxPerSub:  r.MaxPerSubcategory,
		timeGating: r.TimeGating,
		weather:    make(map[string]weatherSets, len(r.Weather)),
	}
	for k, v := range r.StrictConflicts {
		c.conflicts[domain.NormalizeLabel(k)] = newLabelSet(v)
	}
	for k, v := range r.CrossAffinities {
		c.cross[domain.NormalizeLabel(k)] = newLabelSet(v)
	}
	for k, v := range r.Weather {
		c.weather[domain.NormalizeLabel(k)] = weatherSets{avoid: newLabelSet(v.Avoid), prefer: newLabelSet(v.Prefer)}
	}
	for _, slot := range r.TimeSlots {
		slot.Name = domain.NormalizeLabel(slot.Name)
		c.slots = append(c.slots, slot)
	}
	return c
}
