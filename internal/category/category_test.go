package category

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"recobox/backend/internal/cache"
	"recobox/backend/internal/domain"
	"recobox/backend/internal/store/memory"
)

type countingRepo struct {
	*memory.Store
	mu    sync.Mutex
	reads int
}

func (r *countingRepo) GetCategories(ctx context.Context, names []string) (map[string]domain.CategoryRecord, error) {
	r.mu.Lock()
	r.reads++
	r.mu.Unlock()
	return r.Store.GetCategories(ctx, names)
}

type stubClassifier struct {
	recs  []domain.CategoryRecord
	err   error
	calls [][]string
}

func (s *stubClassifier) Name() string { return "stub" }

func (s *stubClassifier) Classify(_ context.Context, names []string) ([]domain.CategoryRecord, error) {
	s.calls = append(s.calls, append([]string(nil), names...))
	return s.recs, s.err
}

func TestLookupServesFromCacheAfterFirstRead(t *testing.T) {
	ctx := context.Background()
	repo := &countingRepo{Store: memory.New()}
	if err := repo.UpsertCategories(ctx, []domain.CategoryRecord{{Name: "coffee", Category: "beverage", Subcategory: "coffee/tea", Timing: "breakfast"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	a := NewAccessor(repo, cache.NewMemory(100), nil)

	idx, err := a.Lookup(ctx, []string{" Coffee.", "unknown thing"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec, ok := idx.Get("coffee"); !ok || rec.Subcategory != "coffee/tea" {
		t.Fatalf("expected coffee record, got %+v", idx)
	}
	if _, ok := idx.Get("unknown thing"); ok {
		t.Fatalf("unknown product must be absent")
	}

	if _, err := a.Lookup(ctx, []string{"coffee"}); err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if repo.reads != 1 {
		t.Fatalf("expected one repository read, got %d", repo.reads)
	}
}

func TestEnsureClassifiedOnlyClassifiesMissing(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	_ = repo.UpsertCategories(ctx, []domain.CategoryRecord{{Name: "coffee", Category: "beverage", Subcategory: "coffee/tea", Timing: "breakfast"}})
	stub := &stubClassifier{recs: []domain.CategoryRecord{
		{Name: "Croissant", Category: "Snack", Subcategory: "Pastry", Timing: "Breakfast"},
		{Name: "not asked", Category: "snack"},
	}}
	a := NewAccessor(repo, nil, stub)

	n, err := a.EnsureClassified(ctx, []string{"coffee", "croissant", "croissant"})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 new record, got %d", n)
	}
	if len(stub.calls) != 1 || len(stub.calls[0]) != 1 || stub.calls[0][0] != "croissant" {
		t.Fatalf("unexpected classifier calls %v", stub.calls)
	}
	got, _ := repo.GetCategories(ctx, []string{"croissant", "not asked"})
	if got["croissant"].Subcategory != "pastry" {
		t.Fatalf("expected normalized record, got %+v", got)
	}
	if _, ok := got["not asked"]; ok {
		t.Fatalf("records for names not requested must not be stored")
	}
}

func TestEnsureClassifiedFailurePersistsNothing(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	a := NewAccessor(repo, nil, &stubClassifier{err: errors.New("quota exceeded")})

	n, err := a.EnsureClassified(ctx, []string{"mystery snack"})
	if err == nil || n != 0 {
		t.Fatalf("expected error and no records, got n=%d err=%v", n, err)
	}
	got, _ := repo.GetCategories(ctx, []string{"mystery snack"})
	if len(got) != 0 {
		t.Fatalf("expected nothing persisted, got %+v", got)
	}
}

func TestReclassifyInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	c := cache.NewMemory(100)
	_ = repo.UpsertCategories(ctx, []domain.CategoryRecord{{Name: "latte", Category: "beverage", Subcategory: "coffee/tea", Timing: "breakfast"}})
	stub := &stubClassifier{recs: []domain.CategoryRecord{{Name: "latte", Category: "beverage", Subcategory: "cold coffee", Timing: "all time"}}}
	a := NewAccessor(repo, c, stub)

	if _, err := a.Lookup(ctx, []string{"latte"}); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	res, err := a.Reclassify(ctx, []string{"Latte"})
	if err != nil {
		t.Fatalf("reclassify: %v", err)
	}
	if res.Requested != 1 || res.Classified != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	idx, _ := a.Lookup(ctx, []string{"latte"})
	if idx["latte"].Subcategory != "cold coffee" {
		t.Fatalf("expected fresh record after reclassify, got %+v", idx["latte"])
	}
}

func TestChainFallsThroughToNextClassifier(t *testing.T) {
	llm := &stubClassifier{recs: []domain.CategoryRecord{{Name: "kombucha", Category: "beverage", Subcategory: "juice", Timing: "all time"}}}
	chain := NewChainClassifier(NewStaticClassifier(), nil, llm)

	recs, err := chain.Classify(context.Background(), []string{"Coke", "kombucha"})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %+v", recs)
	}
	if len(llm.calls) != 1 || len(llm.calls[0]) != 1 || llm.calls[0][0] != "kombucha" {
		t.Fatalf("llm should only see unknown names, got %v", llm.calls)
	}
}

func TestChainKeepsPartialResultsOnError(t *testing.T) {
	llm := &stubClassifier{err: errors.New("boom")}
	chain := NewChainClassifier(NewStaticClassifier(), llm)

	recs, err := chain.Classify(context.Background(), []string{"water", "kombucha"})
	if err == nil {
		t.Fatalf("expected error from failing link")
	}
	if len(recs) != 1 || recs[0].Name != "water" || recs[0].Subcategory != "water" {
		t.Fatalf("expected static record to survive, got %+v", recs)
	}
}

func TestParseClassification(t *testing.T) {
	text := "```json\n[{\"product\":\"Lays Classic\",\"category\":\"Snack\",\"subcategory\":\"Chips\",\"timing\":\"All time\"}," +
		"{\"product\":\"Kinley\",\"category\":\"Beverage\",\"subcategory\":\"Water\",\"timing\":[\"Lunch\"]}]\n```"
	if _, err := parseClassification(text); err == nil {
		t.Fatalf("expected list-valued timing to fail parsing")
	}

	text = "```json\n[{\"product\":\"Lays Classic\",\"category\":\"Snack\",\"subcategory\":\"Chips\",\"timing\":\"Brunch\"}," +
		"{\"product\":\"\",\"category\":\"Snack\"}]\n```"
	recs, err := parseClassification(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected entry without product to be skipped, got %+v", recs)
	}
	if recs[0].Name != "lays classic" || recs[0].Timing != TimingAllTime {
		t.Fatalf("unexpected record %+v", recs[0])
	}
}

func TestGeminiClassifierBatchesAndToleratesPartialFailure(t *testing.T) {
	var mu sync.Mutex
	prompts := 0
	generate := func(_ context.Context, prompt string) (string, error) {
		mu.Lock()
		prompts++
		mu.Unlock()
		if strings.Contains(prompt, "bad") {
			return "", errors.New("upstream 500")
		}
		return `[{"product":"granola","category":"snack","subcategory":"cereal","timing":"Breakfast"}]`, nil
	}
	c := newGeminiClassifier(generate, 1, 0)

	recs, err := c.Classify(context.Background(), []string{"granola", "bad"})
	if err != nil {
		t.Fatalf("partial failure should not error: %v", err)
	}
	if prompts != 2 {
		t.Fatalf("expected one prompt per batch, got %d", prompts)
	}
	if len(recs) != 1 || recs[0].Timing != "breakfast" {
		t.Fatalf("unexpected records %+v", recs)
	}

	if _, err := c.Classify(context.Background(), []string{"bad"}); err == nil {
		t.Fatalf("expected error when every batch fails")
	}
}
