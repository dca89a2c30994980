package recommendation

import (
	"fmt"
	"math/rand/v2"
	"testing"
)

func seeded() *Merger {
	return NewMerger(rand.NewPCG(42, 7))
}

func TestMergeAlwaysSaturates(t *testing.T) {
	always := []string{"a1", "a2", "a3", "a4", "a5"}
	got := seeded().Merge(nil, nil, always, 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %v", got)
	}
	seen := map[string]bool{}
	allowed := map[string]bool{"a1": true, "a2": true, "a3": true, "a4": true, "a5": true}
	for _, sku := range got {
		if seen[sku] {
			t.Fatalf("duplicate %s in %v", sku, got)
		}
		if !allowed[sku] {
			t.Fatalf("unexpected sku %s", sku)
		}
		seen[sku] = true
	}
	if !Saturated(always, 3) || Saturated(always, 6) {
		t.Fatalf("unexpected Saturated result")
	}
}

func TestMergeBaseFallbackIsDeterministic(t *testing.T) {
	got := seeded().Merge([]string{"a", "b", "c"}, nil, nil, 2)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected [a b], got %v", got)
	}
}

func TestMergeFixedOverlapFollowsBaseOrder(t *testing.T) {
	got := seeded().Merge([]string{"x", "f2", "y", "f1"}, []string{"f1", "f2"}, nil, 3)
	want := []string{"f2", "f1", "x"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestMergeFixedTopUpAfterAlways(t *testing.T) {
	got := seeded().Merge([]string{"b1"}, []string{"f1", "f2", "f3"}, []string{"a1", "a1"}, 3)
	if len(got) != 3 || got[0] != "a1" {
		t.Fatalf("expected always first and 3 items, got %v", got)
	}
	for _, sku := range got[1:] {
		if sku != "f1" && sku != "f2" && sku != "f3" {
			t.Fatalf("expected fixed top-up before base, got %v", got)
		}
	}
	if got[1] == got[2] {
		t.Fatalf("duplicate fixed sku in %v", got)
	}
}

func TestMergeSameSeedSameOutput(t *testing.T) {
	always := []string{"a", "b", "c", "d", "e", "f"}
	first := NewMerger(rand.NewPCG(1, 2)).Merge(nil, nil, always, 4)
	second := NewMerger(rand.NewPCG(1, 2)).Merge(nil, nil, always, 4)
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("expected identical output for identical seed: %v vs %v", first, second)
		}
	}
}

func TestMergeSizeBound(t *testing.T) {
	m := seeded()
	rng := rand.New(rand.NewPCG(9, 9))
	pick := func(prefix string, count int) []string {
		out := make([]string, 0, count)
		for i := 0; i < count; i++ {
			out = append(out, fmt.Sprintf("%s%d", prefix, rng.IntN(6)))
		}
		return out
	}

	for iter := 0; iter < 500; iter++ {
		base := pick("s", rng.IntN(8))
		fixed := pick("s", rng.IntN(5))
		always := pick("s", rng.IntN(4))
		n := rng.IntN(8)

		got := m.Merge(base, fixed, always, n)
		if len(got) > n {
			t.Fatalf("len %d exceeds n=%d", len(got), n)
		}
		distinct := map[string]bool{}
		for _, list := range [][]string{base, fixed, always} {
			for _, sku := range list {
				distinct[sku] = true
			}
		}
		want := n
		if len(distinct) < n {
			want = len(distinct)
		}
		if len(got) != want {
			t.Fatalf("base=%v fixed=%v always=%v n=%d: expected %d items, got %v", base, fixed, always, n, want, got)
		}
		seen := map[string]bool{}
		for _, sku := range got {
			if seen[sku] || !distinct[sku] {
				t.Fatalf("invalid output %v", got)
			}
			seen[sku] = true
		}
	}
}

func TestMergeZeroSlots(t *testing.T) {
	if got := seeded().Merge([]string{"a"}, []string{"b"}, []string{"c"}, 0); len(got) != 0 {
		t.Fatalf("expected empty result, got %v", got)
	}
}

func TestMergeReportFlagsRandomDraws(t *testing.T) {
	m := seeded()
	cases := []struct {
		name                string
		base, fixed, always []string
		n                   int
		drawn               bool
	}{
		{"base only", []string{"a", "b"}, nil, nil, 2, false},
		{"fixed overlap", []string{"f1", "x"}, []string{"f1"}, nil, 2, false},
		{"single fixed top-up", []string{"x"}, []string{"f1"}, nil, 2, false},
		{"fixed sample", []string{"x"}, []string{"f1", "f2", "f3"}, nil, 2, true},
		{"fixed order shuffled", nil, []string{"f1", "f2"}, nil, 3, true},
		{"always saturated", nil, nil, []string{"a1", "a2"}, 2, true},
		{"always filled by one", nil, nil, []string{"a1"}, 1, false},
	}
	for _, tc := range cases {
		got, drawn := m.MergeReport(tc.base, tc.fixed, tc.always, tc.n)
		if drawn != tc.drawn {
			t.Fatalf("%s: expected drawn=%v, got %v (%v)", tc.name, tc.drawn, drawn, got)
		}
	}
}
