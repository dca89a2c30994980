package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"recobox/backend/internal/cache"
	"recobox/backend/internal/domain"
	"recobox/backend/internal/logging"
	"recobox/backend/internal/recommendation"
	"recobox/backend/internal/store"
	"recobox/backend/internal/timing"
	"recobox/backend/internal/validation"
	"recobox/backend/internal/xid"
)

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrForbiddenTenant = errors.New("tenant not permitted for caller")
	ErrUpstream        = errors.New("upstream dependency failed")
)

type tenantContextKey struct{}

// WithTenant marks ctx as acting for tenantID. Operations on other tenants
// are rejected with ErrForbiddenTenant. A context without a tenant is treated
// as an operator context and may act on any tenant.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenantID)
}

func TenantFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantContextKey{}).(string)
	return id, ok && id != ""
}

// Categories resolves and classifies product categories.
type Categories interface {
	Lookup(ctx context.Context, names []string) (domain.CategoryIndex, error)
	EnsureClassified(ctx context.Context, names []string) (int, error)
	Reclassify(ctx context.Context, names []string) (domain.ReclassifyResult, error)
}

// Weather returns the feel (cold, moderate, hot) at a place and time. It must
// not block for long and must fall back to moderate on its own.
type Weather interface {
	Feel(ctx context.Context, coords *domain.Coordinates, at time.Time) string
}

type Deps struct {
	Repo       store.Repository
	Categories Categories
	Weather    Weather
	Cache      cache.Store
	Pipeline   *recommendation.Pipeline
	Merger     *recommendation.Merger
}

type Options struct {
	Buckets        []timing.Range
	DefaultTopN    int
	MaxTopN        int
	CandidateExtra int
	CacheTTL       time.Duration
	ChunkSize      int
	Workers        int
	// IngestTopN caps products kept per bucket in each chunk. Zero keeps all,
	// which keeps chunked totals identical to a single pass.
	IngestTopN int
	Now        func() time.Time
}

type Service struct {
	repo       store.Repository
	categories Categories
	weather    Weather
	cache      cache.Store
	pipeline   *recommendation.Pipeline
	merger     *recommendation.Merger
	opts       Options
}

func New(deps Deps, opts Options) *Service {
	if deps.Cache == nil {
		deps.Cache = cache.Noop{}
	}
	if deps.Pipeline == nil {
		deps.Pipeline = recommendation.NewPipeline(recommendation.DefaultRules())
	}
	if deps.Merger == nil {
		deps.Merger = recommendation.NewMerger(nil)
	}
	if deps.Weather == nil {
		deps.Weather = moderateWeather{}
	}
	if len(opts.Buckets) == 0 {
		opts.Buckets = timing.DefaultBuckets()
	}
	if opts.DefaultTopN < 1 {
		opts.DefaultTopN = 5
	}
	if opts.MaxTopN < opts.DefaultTopN {
		opts.MaxTopN = max(50, opts.DefaultTopN)
	}
	if opts.CandidateExtra < 0 {
		opts.CandidateExtra = 0
	}
	if opts.ChunkSize < 1 {
		opts.ChunkSize = 50000
	}
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		repo:       deps.Repo,
		categories: deps.Categories,
		weather:    deps.Weather,
		cache:      deps.Cache,
		pipeline:   deps.Pipeline,
		merger:     deps.Merger,
		opts:       opts,
	}
}

type moderateWeather struct{}

func (moderateWeather) Feel(context.Context, *domain.Coordinates, time.Time) string {
	return "moderate"
}

func validate(req any) error {
	if err := validation.Struct(req); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// resolveTenant loads tenantID after checking the caller may act for it.
func (s *Service) resolveTenant(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	if caller, ok := TenantFromContext(ctx); ok && caller != tenantID {
		return nil, ErrForbiddenTenant
	}
	tenant, err := s.repo.GetTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: tenant %s", store.ErrUnknownScope, tenantID)
	}
	if err != nil {
		return nil, err
	}
	return tenant, nil
}

func (s *Service) resolveStore(ctx context.Context, scope domain.Scope) (*domain.Tenant, error) {
	tenant, err := s.resolveTenant(ctx, scope.TenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.HasStore(scope.LocationID, scope.StoreID) {
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownScope, scope)
	}
	return tenant, nil
}

// ResetScope removes popularity and association data for a location.
func (s *Service) ResetScope(ctx context.Context, tenantID, locationID string) error {
	tenant, err := s.resolveTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if !tenant.HasLocation(locationID) {
		return fmt.Errorf("%w: location %s", store.ErrUnknownScope, locationID)
	}
	if err := s.repo.ClearScope(ctx, tenantID, locationID); err != nil {
		return err
	}
	s.bumpGeneration(ctx, tenantID, locationID)
	return nil
}

func generationKey(tenantID, locationID string) string {
	return "recobox:generation:" + tenantID + "/" + locationID
}

// generation returns the response cache generation of a location. A location
// that was never written reads as "0".
func (s *Service) generation(ctx context.Context, tenantID, locationID string) string {
	var gen string
	hit, err := s.cache.Get(ctx, generationKey(tenantID, locationID), &gen)
	if err != nil || !hit {
		return "0"
	}
	return gen
}

// bumpGeneration retires every cached response of a location.
func (s *Service) bumpGeneration(ctx context.Context, tenantID, locationID string) {
	if s.opts.CacheTTL <= 0 {
		return
	}
	if err := s.cache.Set(ctx, generationKey(tenantID, locationID), xid.New("gen"), 0); err != nil {
		logging.Ctx(ctx).Warn().Err(err).
			Str("component", "service").
			Str("location_id", locationID).
			Msg("recommendation cache generation not advanced")
	}
}

func (s *Service) Reclassify(ctx context.Context, req domain.ReclassifyRequest) (domain.ReclassifyResult, error) {
	if err := validate(req); err != nil {
		return domain.ReclassifyResult{}, err
	}
	if s.categories == nil {
		return domain.ReclassifyResult{Requested: len(req.Products)}, nil
	}
	res, err := s.categories.Reclassify(ctx, req.Products)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	return res, nil
}
