package domain

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// nameNoise is stripped from product names before grouping.
var nameNoise = strings.NewReplacer(
	".", "",
	",", " ",
	";", " ",
	"\"", "",
	"*", "",
	"`", "",
	"_", " ",
)

// NormalizeName folds a raw product name into its grouping key. NFKC maps the
// non-breaking space to a plain space, so "Cold Coffee." and " cold coffee"
// collapse to the same key.
func NormalizeName(raw string) string {
	s := norm.NFKC.String(raw)
	s = nameNoise.Replace(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeLabel folds a category, subcategory or timing label. Punctuation is
// kept because labels such as "coffee/tea" depend on it.
func NormalizeLabel(raw string) string {
	s := norm.NFKC.String(raw)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeRecord returns rec with every field folded.
func NormalizeRecord(rec CategoryRecord) CategoryRecord {
	return CategoryRecord{
		Name:        NormalizeName(rec.Name),
		Category:    NormalizeLabel(rec.Category),
		Subcategory: NormalizeLabel(rec.Subcategory),
		Timing:      NormalizeLabel(rec.Timing),
	}
}
