// Package timing maps hours of the day onto named time buckets.
package timing

// Unknown is returned when no range contains the hour.
const Unknown = "unknown"

// Range is a half-open hour interval [Start, End). A range with Start > End
// wraps past midnight, so {22, 4} holds 22, 23, 0, 1, 2 and 3.
type Range struct {
	Name  string `koanf:"name" json:"name" yaml:"name"`
	Start int    `koanf:"start" json:"start" yaml:"start"`
	End   int    `koanf:"end" json:"end" yaml:"end"`
}

func (r Range) Contains(hour int) bool {
	if r.Start <= r.End {
		return r.Start <= hour && hour < r.End
	}
	return hour >= r.Start || hour < r.End
}

// Classify returns the name of the first range containing hour, or Unknown.
func Classify(hour int, ranges []Range) string {
	for _, r := range ranges {
		if r.Contains(hour) {
			return r.Name
		}
	}
	return Unknown
}

// Find returns the range with the given name.
func Find(name string, ranges []Range) (Range, bool) {
	for _, r := range ranges {
		if r.Name == name {
			return r, true
		}
	}
	return Range{}, false
}

// DefaultBuckets partitions the day for popularity and association indexes.
// Other starts at 24, which no hour reaches, so it only matches 0 through 4.
func DefaultBuckets() []Range {
	return []Range{
		{Name: "Breakfast", Start: 5, End: 12},
		{Name: "Lunch", Start: 12, End: 16},
		{Name: "Dinner", Start: 16, End: 24},
		{Name: "Other", Start: 24, End: 5},
	}
}

// DefaultSlots are the serving windows referenced by category timing labels.
func DefaultSlots() []Range {
	return []Range{
		{Name: "breakfast", Start: 5, End: 10},
		{Name: "breakfast/lunch", Start: 5, End: 18},
		{Name: "lunch", Start: 10, End: 18},
		{Name: "lunch/dinner", Start: 10, End: 23},
		{Name: "dinner", Start: 18, End: 23},
	}
}
