package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"recobox/backend/internal/aggregator"
	"recobox/backend/internal/domain"
	"recobox/backend/internal/ingest"
	"recobox/backend/internal/logging"
	"recobox/backend/internal/metrics"
	"recobox/backend/internal/store"
	"recobox/backend/internal/xid"
)

// Ingest aggregates a transaction file for one location and merges the result
// into the stored indexes. The file is scanned once up front; nothing is
// written unless every row is in scope and at least one row is valid.
//
// Chunks are aggregated in parallel. A failed store write is reported in the
// result and does not stop the other stores.
func (s *Service) Ingest(ctx context.Context, req domain.IngestRequest, src io.ReadSeeker) (domain.IngestResult, error) {
	started := time.Now()
	if err := validate(req); err != nil {
		return domain.IngestResult{}, err
	}
	tenant, err := s.resolveTenant(ctx, req.TenantID)
	if err != nil {
		return domain.IngestResult{}, err
	}
	if !tenant.HasLocation(req.LocationID) {
		return domain.IngestResult{}, fmt.Errorf("%w: location %s", store.ErrUnknownScope, req.LocationID)
	}

	summary, err := ingest.Scan(src, *tenant, req.LocationID)
	if err != nil {
		return domain.IngestResult{}, err
	}
	if summary.Rows-summary.Malformed == 0 {
		return domain.IngestResult{RowsRead: summary.Rows, RowsSkipped: summary.Malformed}, aggregator.ErrNoData
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return domain.IngestResult{}, fmt.Errorf("rewind transaction file: %w", err)
	}

	log := logging.Ctx(ctx)
	result := domain.IngestResult{BatchID: xid.New("batch")}

	if req.Replace {
		if err := s.repo.ClearScope(ctx, req.TenantID, req.LocationID); err != nil {
			return domain.IngestResult{}, fmt.Errorf("clear location %s: %w", req.LocationID, err)
		}
		log.Info().Str("component", "ingest").Str("location_id", req.LocationID).Msg("cleared location ahead of reprocessing")
	}

	reader, err := ingest.NewReader(src)
	if err != nil {
		return domain.IngestResult{}, err
	}
	chunker := ingest.NewChunker(reader, s.opts.ChunkSize)
	chunker.OnSkip(func(rowErr *ingest.RowError) {
		log.Debug().Str("component", "ingest").Int("line", rowErr.Line).Str("reason", rowErr.Reason).Msg("skipped row")
	})

	var (
		mu       sync.Mutex
		stores   = map[string]struct{}{}
		failures = map[string]string{}
		names    = map[string]struct{}{}
		stats    aggregator.Stats
	)
	agg := aggregator.New(s.opts.Buckets, s.opts.IngestTopN)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for {
		chunk, err := chunker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = g.Wait()
			return domain.IngestResult{}, fmt.Errorf("read transaction file: %w", err)
		}
		result.Chunks++

		g.Go(func() error {
			res, err := agg.Aggregate(req.TenantID, chunk)
			if errors.Is(err, aggregator.ErrNoData) {
				mu.Lock()
				addStats(&stats, res.Stats)
				mu.Unlock()
				return nil
			}
			if err != nil {
				return err
			}

			chunkNames := map[string]struct{}{}
			for _, rec := range res.Lookups {
				for name := range rec.Lookup.NameToSKU {
					chunkNames[name] = struct{}{}
				}
			}

			var chunkFailures map[string]string
			for _, storeID := range res.Stores() {
				if err := s.persist(gctx, res.ForStore(storeID)); err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					if chunkFailures == nil {
						chunkFailures = map[string]string{}
					}
					chunkFailures[storeID] = err.Error()
					metrics.StoreFailures.Inc()
					log.Error().Err(err).Str("component", "ingest").Str("store_id", storeID).Msg("store merge failed")
				}
			}

			mu.Lock()
			defer mu.Unlock()
			addStats(&stats, res.Stats)
			for _, storeID := range res.Stores() {
				stores[storeID] = struct{}{}
			}
			for storeID, msg := range chunkFailures {
				if _, seen := failures[storeID]; !seen {
					failures[storeID] = msg
				}
			}
			for name := range chunkNames {
				names[name] = struct{}{}
			}
			return nil
		})
	}
	err = g.Wait()
	if req.Replace || result.Chunks > 0 {
		s.bumpGeneration(ctx, req.TenantID, req.LocationID)
	}
	if err != nil {
		return domain.IngestResult{}, fmt.Errorf("aggregate transaction file: %w", err)
	}

	result.RowsRead = reader.Rows()
	result.RowsAccepted = stats.Accepted
	result.RowsSkipped = reader.Malformed() + stats.Skipped
	result.RowsUnbucketed = stats.Unbucketed
	for storeID := range stores {
		if _, failed := failures[storeID]; !failed {
			result.Stores = append(result.Stores, storeID)
		}
	}
	sort.Strings(result.Stores)
	for storeID, msg := range failures {
		result.Failures = append(result.Failures, domain.StoreFailure{StoreID: storeID, Error: msg})
	}
	sort.Slice(result.Failures, func(i, j int) bool { return result.Failures[i].StoreID < result.Failures[j].StoreID })

	if s.categories != nil && len(names) > 0 {
		list := make([]string, 0, len(names))
		for name := range names {
			list = append(list, name)
		}
		sort.Strings(list)
		classified, err := s.categories.EnsureClassified(ctx, list)
		if err != nil {
			log.Warn().Err(err).Str("component", "ingest").Int("classified", classified).Msg("product classification incomplete")
		}
		result.Classified = classified
	}

	metrics.IngestRows.WithLabelValues("accepted").Add(float64(result.RowsAccepted))
	metrics.IngestRows.WithLabelValues("skipped").Add(float64(result.RowsSkipped))
	metrics.IngestRows.WithLabelValues("unbucketed").Add(float64(result.RowsUnbucketed))
	metrics.IngestDuration.Observe(time.Since(started).Seconds())

	log.Info().
		Str("component", "ingest").
		Str("batch_id", result.BatchID).
		Str("location_id", req.LocationID).
		Int("rows", result.RowsRead).
		Int("accepted", result.RowsAccepted).
		Int("skipped", result.RowsSkipped).
		Int("chunks", result.Chunks).
		Int("failed_stores", len(result.Failures)).
		Dur("elapsed", time.Since(started)).
		Msg("transaction file ingested")

	return result, nil
}

// persist writes one store's share of a chunk. Lookups go first so a store
// with counts always has names for its SKUs.
func (s *Service) persist(ctx context.Context, res aggregator.Result) error {
	if err := s.repo.MergeLookups(ctx, res.Lookups); err != nil {
		return fmt.Errorf("merge lookups: %w", err)
	}
	if err := s.repo.MergePopularity(ctx, res.Popularity); err != nil {
		return fmt.Errorf("merge popularity: %w", err)
	}
	if err := s.repo.MergeAssociations(ctx, res.Associations); err != nil {
		return fmt.Errorf("merge associations: %w", err)
	}
	return nil
}

func addStats(dst *aggregator.Stats, src aggregator.Stats) {
	dst.Lines += src.Lines
	dst.Accepted += src.Accepted
	dst.Skipped += src.Skipped
	dst.Unbucketed += src.Unbucketed
}
