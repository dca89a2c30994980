package category

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/generative-ai-go/genai"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"recobox/backend/internal/domain"
	"recobox/backend/internal/logging"
	"recobox/backend/internal/metrics"
)

const systemPrompt = `You are a strict retail product classifier for unattended stores and vending machines.
For each product name, return:
- category: a short lowercase category such as beverage, snack, meal, dessert, medicine, personal care, toys, home decor
- subcategory: a short lowercase subcategory such as soda, chips, coffee/tea, juice, sandwich, pastry, water, ice cream
- timing: exactly one of "Breakfast", "Lunch", "Dinner", "All time" (never a list)

Rules:
1. Water and its brands (mineral water, Smart Water, Kinley, Aquafina, Bisleri) are category "beverage", subcategory "water", timing "All time".
2. Echo each product name exactly as given.
3. Respond ONLY with a JSON array, no markdown, no commentary:
[{"product":"Lays","category":"snack","subcategory":"chips","timing":"All time"}]`

var validTimings = map[string]struct{}{
	"breakfast": {},
	"lunch":     {},
	"dinner":    {},
	"all time":  {},
}

var codeFence = regexp.MustCompile("(?s)^```(?:json)?\\s*|\\s*```$")

// generateFunc sends one prompt and returns the raw model text.
type generateFunc func(ctx context.Context, prompt string) (string, error)

type GeminiConfig struct {
	APIKey            string
	Model             string
	BatchSize         int
	RequestsPerMinute int
}

type GeminiClassifier struct {
	generate  generateFunc
	closeFn   func() error
	batchSize int
	limiter   *rate.Limiter
}

// NewGeminiClassifier returns nil and no error when no API key is configured.
func NewGeminiClassifier(ctx context.Context, cfg GeminiConfig) (*GeminiClassifier, error) {
	if cfg.APIKey == "" {
		return nil, nil
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}

	generate := func(ctx context.Context, prompt string) (string, error) {
		resp, err := model.GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			return "", fmt.Errorf("failed to generate content: %w", err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
			return "", errors.New("no response from model")
		}
		var b strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
		return b.String(), nil
	}

	c := newGeminiClassifier(generate, cfg.BatchSize, cfg.RequestsPerMinute)
	c.closeFn = client.Close
	return c, nil
}

func newGeminiClassifier(generate generateFunc, batchSize, rpm int) *GeminiClassifier {
	if batchSize < 1 {
		batchSize = 40
	}
	limit := rate.Inf
	if rpm > 0 {
		limit = rate.Every(time.Minute / time.Duration(rpm))
	}
	return &GeminiClassifier{
		generate:  generate,
		batchSize: batchSize,
		limiter:   rate.NewLimiter(limit, 1),
	}
}

func (c *GeminiClassifier) Name() string { return "gemini" }

func (c *GeminiClassifier) Close() error {
	if c == nil || c.closeFn == nil {
		return nil
	}
	return c.closeFn()
}

// Classify sends names in batches. A failed batch is dropped so its names are
// retried on a later run; an error is returned only when every batch failed.
func (c *GeminiClassifier) Classify(ctx context.Context, names []string) ([]domain.CategoryRecord, error) {
	if len(names) == 0 {
		return nil, nil
	}

	var (
		mu       sync.Mutex
		out      []domain.CategoryRecord
		failures []error
		batches  int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for start := 0; start < len(names); start += c.batchSize {
		end := min(start+c.batchSize, len(names))
		batch := names[start:end]
		batches++
		g.Go(func() error {
			recs, err := c.classifyBatch(gctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				metrics.ClassifierCalls.WithLabelValues(c.Name(), "error").Inc()
				logging.Ctx(ctx).Warn().Err(err).Str("component", "category").Int("batch_size", len(batch)).Msg("gemini batch failed")
				failures = append(failures, err)
				return nil
			}
			metrics.ClassifierCalls.WithLabelValues(c.Name(), "ok").Inc()
			out = append(out, recs...)
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) == batches {
		return nil, errors.Join(failures...)
	}
	return out, nil
}

func (c *GeminiClassifier) classifyBatch(ctx context.Context, names []string) ([]domain.CategoryRecord, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(names)
	if err != nil {
		return nil, err
	}
	text, err := c.generate(ctx, "Products: "+string(payload))
	if err != nil {
		return nil, err
	}
	return parseClassification(text)
}

type classifiedEntry struct {
	Product     string `json:"product"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	Timing      string `json:"timing"`
}

func parseClassification(text string) ([]domain.CategoryRecord, error) {
	cleaned := strings.TrimSpace(codeFence.ReplaceAllString(strings.TrimSpace(text), ""))
	if cleaned == "" {
		return nil, errors.New("empty classifier response")
	}

	var entries []classifiedEntry
	if err := json.Unmarshal([]byte(cleaned), &entries); err != nil {
		return nil, fmt.Errorf("failed to parse classifier response: %w", err)
	}

	out := make([]domain.CategoryRecord, 0, len(entries))
	for _, e := range entries {
		rec := domain.NormalizeRecord(domain.CategoryRecord{
			Name:        e.Product,
			Category:    e.Category,
			Subcategory: e.Subcategory,
			Timing:      e.Timing,
		})
		if rec.Name == "" || rec.Category == "" {
			continue
		}
		if rec.Subcategory == "" {
			rec.Subcategory = "unknown"
		}
		if _, ok := validTimings[rec.Timing]; !ok {
			rec.Timing = TimingAllTime
		}
		out = append(out, rec)
	}
	return out, nil
}
