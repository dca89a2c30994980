package service

import (
	"context"
	"fmt"
	"strings"

	"recobox/backend/internal/domain"
	"recobox/backend/internal/logging"
)

// SetCurated replaces a store's Fixed or Always list. SKUs the store has never
// sold are reported as skipped; a list with no known SKU is rejected.
func (s *Service) SetCurated(ctx context.Context, req domain.CuratedUploadRequest) (domain.CuratedUploadResult, error) {
	if err := validate(req); err != nil {
		return domain.CuratedUploadResult{}, err
	}
	if _, err := s.resolveStore(ctx, req.Scope); err != nil {
		return domain.CuratedUploadResult{}, err
	}

	lookup, err := s.repo.GetLookup(ctx, req.Scope)
	if err != nil {
		return domain.CuratedUploadResult{}, fmt.Errorf("load lookup: %w", err)
	}

	result := domain.CuratedUploadResult{Kind: req.Kind, Accepted: []domain.CuratedProduct{}, Skipped: []string{}}
	seen := make(map[string]struct{}, len(req.SKUs))
	for _, raw := range req.SKUs {
		sku := strings.TrimSpace(raw)
		if _, dup := seen[sku]; dup || sku == "" {
			continue
		}
		seen[sku] = struct{}{}
		name, ok := lookup.SKUToName[sku]
		if !ok {
			result.Skipped = append(result.Skipped, sku)
			continue
		}
		result.Accepted = append(result.Accepted, domain.CuratedProduct{SKU: sku, Name: name})
	}
	if len(result.Accepted) == 0 {
		return result, fmt.Errorf("%w: none of the %d SKUs are known for store %s", ErrInvalidRequest, len(seen), req.StoreID)
	}

	if err := s.repo.ReplaceCurated(ctx, req.Scope, req.Kind, result.Accepted); err != nil {
		return domain.CuratedUploadResult{}, fmt.Errorf("replace %s list: %w", req.Kind, err)
	}
	s.bumpGeneration(ctx, req.TenantID, req.LocationID)
	logging.Ctx(ctx).Info().
		Str("component", "service").
		Str("scope", req.Scope.String()).
		Str("kind", string(req.Kind)).
		Int("accepted", len(result.Accepted)).
		Int("skipped", len(result.Skipped)).
		Msg("curated list replaced")
	return result, nil
}

// ResetCurated empties a store's Fixed or Always list.
func (s *Service) ResetCurated(ctx context.Context, scope domain.Scope, kind domain.CuratedKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown curated kind %q", ErrInvalidRequest, kind)
	}
	if _, err := s.resolveStore(ctx, scope); err != nil {
		return err
	}
	if err := s.repo.ReplaceCurated(ctx, scope, kind, nil); err != nil {
		return err
	}
	s.bumpGeneration(ctx, scope.TenantID, scope.LocationID)
	return nil
}

// Curated returns a store's Fixed or Always list.
func (s *Service) Curated(ctx context.Context, scope domain.Scope, kind domain.CuratedKind) ([]domain.CuratedProduct, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown curated kind %q", ErrInvalidRequest, kind)
	}
	if _, err := s.resolveStore(ctx, scope); err != nil {
		return nil, err
	}
	return s.repo.GetCurated(ctx, scope, kind)
}
