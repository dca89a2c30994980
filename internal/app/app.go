// Package app wires configuration into a ready Service for the server and the
// operator CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"recobox/backend/internal/cache"
	"recobox/backend/internal/category"
	"recobox/backend/internal/config"
	"recobox/backend/internal/logging"
	"recobox/backend/internal/recommendation"
	"recobox/backend/internal/service"
	"recobox/backend/internal/store"
	"recobox/backend/internal/store/memory"
	pgstore "recobox/backend/internal/store/postgres"
	"recobox/backend/internal/weather"
)

const memoryCacheEntries = 10000

type App struct {
	Service *service.Service
	Repo    store.Repository
	Tenants store.TenantWriter
	Cache   cache.Store

	closers []func() error
}

// Build connects the repository and cache named by cfg. A configured database
// that cannot be reached is an error; an unreachable Redis falls back to an
// in-process cache.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	log := logging.Component("bootstrap")
	a := &App{}

	if cfg.Database.URL != "" {
		pg, err := pgstore.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = a.Close()
				return nil, fmt.Errorf("migrate schema: %w", err)
			}
		}
		a.Repo, a.Tenants = pg, pg
		log.Info().Msg("repository: postgres")
	} else {
		mem := memory.NewSeeded()
		a.Repo, a.Tenants = mem, mem
		log.Info().Msg("repository: in-memory")
	}

	a.Cache = cache.NewMemory(memoryCacheEntries)
	if cfg.Redis.Addr != "" {
		redisCache := cache.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := redisCache.Ping(ctx); err != nil {
			_ = redisCache.Close()
			log.Warn().Err(err).Msg("redis unavailable, using in-process cache")
		} else {
			a.Cache = redisCache
			a.closers = append(a.closers, redisCache.Close)
			log.Info().Msg("cache: redis")
		}
	} else {
		log.Info().Msg("cache: in-process")
	}

	links := []category.Classifier{category.NewStaticClassifier()}
	gemini, err := category.NewGeminiClassifier(ctx, category.GeminiConfig{
		APIKey:            cfg.Classifier.GeminiAPIKey,
		Model:             cfg.Classifier.Model,
		BatchSize:         cfg.Classifier.BatchSize,
		RequestsPerMinute: cfg.Classifier.RequestsPerMinute,
	})
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("gemini classifier unavailable, using static catalogue only")
	case gemini != nil:
		links = append(links, gemini)
		a.closers = append(a.closers, gemini.Close)
		log.Info().Str("model", cfg.Classifier.Model).Msg("classifier: static + gemini")
	default:
		log.Info().Msg("classifier: static")
	}
	categories := category.NewAccessor(a.Repo, a.Cache, category.NewChainClassifier(links...))

	var src rand.Source
	if cfg.Recommend.MergeSeed != 0 {
		src = rand.NewPCG(cfg.Recommend.MergeSeed, cfg.Recommend.MergeSeed)
	}

	a.Service = service.New(service.Deps{
		Repo:       a.Repo,
		Categories: categories,
		Weather: weather.New(weather.Config{
			URL:      cfg.Weather.URL,
			APIKey:   cfg.Weather.APIKey,
			Timeout:  cfg.Weather.Timeout,
			CacheTTL: cfg.Weather.CacheTTL,
		}, a.Cache),
		Cache:    a.Cache,
		Pipeline: recommendation.NewPipeline(cfg.Rules),
		Merger:   recommendation.NewMerger(src),
	}, service.Options{
		Buckets:        cfg.Timing.Buckets,
		DefaultTopN:    cfg.Recommend.DefaultTopN,
		MaxTopN:        cfg.Recommend.MaxTopN,
		CandidateExtra: cfg.Recommend.CandidateExtra,
		CacheTTL:       cfg.Recommend.CacheTTL,
		ChunkSize:      cfg.Ingest.ChunkSize,
		Workers:        cfg.Ingest.Workers,
		IngestTopN:     cfg.Ingest.TopN,
	})
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
