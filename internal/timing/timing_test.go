package timing

import "testing"

func TestClassifyDefaultBucketsCoversEveryHour(t *testing.T) {
	want := map[int]string{
		0: "Other", 4: "Other", 5: "Breakfast", 11: "Breakfast",
		12: "Lunch", 15: "Lunch", 16: "Dinner", 23: "Dinner",
	}
	for hour := 0; hour < 24; hour++ {
		got := Classify(hour, DefaultBuckets())
		if got == Unknown {
			t.Fatalf("hour %d fell outside every bucket", hour)
		}
		if expected, ok := want[hour]; ok && got != expected {
			t.Fatalf("hour %d: expected %s, got %s", hour, expected, got)
		}
	}
}

func TestClassifyWrapAround(t *testing.T) {
	ranges := []Range{{Name: "Night", Start: 22, End: 4}, {Name: "Day", Start: 8, End: 18}}

	for _, hour := range []int{22, 23, 0, 2, 3} {
		if got := Classify(hour, ranges); got != "Night" {
			t.Fatalf("hour %d: expected Night, got %s", hour, got)
		}
	}
	for _, hour := range []int{4, 5, 7, 18, 21} {
		if got := Classify(hour, ranges); got != Unknown {
			t.Fatalf("hour %d: expected unknown, got %s", hour, got)
		}
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	ranges := []Range{{Name: "A", Start: 0, End: 12}, {Name: "B", Start: 6, End: 18}}
	if got := Classify(8, ranges); got != "A" {
		t.Fatalf("expected first matching range, got %s", got)
	}
	if got := Classify(13, ranges); got != "B" {
		t.Fatalf("expected B, got %s", got)
	}
}

func TestClassifyEmptyRanges(t *testing.T) {
	if got := Classify(10, nil); got != Unknown {
		t.Fatalf("expected unknown with no ranges, got %s", got)
	}
	if got := Classify(10, []Range{{Name: "Empty", Start: 10, End: 10}}); got != Unknown {
		t.Fatalf("empty interval must not match, got %s", got)
	}
}
