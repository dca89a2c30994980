package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"recobox/backend/internal/aggregator"
	"recobox/backend/internal/domain"
	"recobox/backend/internal/logging"
	"recobox/backend/internal/metrics"
	"recobox/backend/internal/store"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates missing tables. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	var t domain.Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key_hash
		FROM tenants
		WHERE id = $1
	`, tenantID).Scan(&t.ID, &t.Name, &t.APIKeyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT location_id, store_id
		FROM tenant_stores
		WHERE tenant_id = $1
		ORDER BY location_id, store_id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	t.Locations = map[string][]string{}
	for rows.Next() {
		var locationID, storeID string
		if err := rows.Scan(&locationID, &storeID); err != nil {
			return nil, err
		}
		t.Locations[locationID] = append(t.Locations[locationID], storeID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertTenant creates or replaces a tenant and its store list.
func (s *Store) UpsertTenant(ctx context.Context, t domain.Tenant) error {
	return s.inTx(ctx, "tenants", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tenants (id, name, api_key_hash, created_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, api_key_hash = EXCLUDED.api_key_hash
		`, t.ID, t.Name, t.APIKeyHash); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tenant_stores WHERE tenant_id = $1`, t.ID); err != nil {
			return err
		}
		for locationID, stores := range t.Locations {
			for _, storeID := range stores {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO tenant_stores (tenant_id, location_id, store_id)
					VALUES ($1, $2, $3)
				`, t.ID, locationID, storeID); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// The representative SKU is re-picked from the summed per-SKU quantities so
// chunked merges select the same SKU as a single pass.
const mergePopularitySQL = `
	INSERT INTO popularity (tenant_id, location_id, store_id, time_bucket, product_name, sku, count, sku_quantities, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, now())
	ON CONFLICT (tenant_id, location_id, store_id, time_bucket, product_name)
	DO UPDATE SET
		count = popularity.count + EXCLUDED.count,
		sku_quantities = recobox_add_quantities(popularity.sku_quantities, EXCLUDED.sku_quantities),
		sku = COALESCE(recobox_heaviest_sku(recobox_add_quantities(popularity.sku_quantities, EXCLUDED.sku_quantities)), EXCLUDED.sku),
		updated_at = now()
`

func (s *Store) MergePopularity(ctx context.Context, records []domain.PopularityRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.inTx(ctx, "popularity", func(tx *sql.Tx) error {
		for _, rec := range records {
			for _, p := range rankedByName(rec.Products) {
				qty, err := quantitiesJSON(rec.Products[p.Name])
				if err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, mergePopularitySQL,
					rec.Scope.TenantID, rec.Scope.LocationID, rec.Scope.StoreID, rec.Bucket,
					p.Name, p.SKU, p.Count, qty,
				); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

const mergeAssociationSQL = `
	INSERT INTO associations (tenant_id, location_id, store_id, time_bucket, anchor_name, associate_name, sku, count, sku_quantities, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, now())
	ON CONFLICT (tenant_id, location_id, store_id, time_bucket, anchor_name, associate_name)
	DO UPDATE SET
		count = associations.count + EXCLUDED.count,
		sku_quantities = recobox_add_quantities(associations.sku_quantities, EXCLUDED.sku_quantities),
		sku = COALESCE(recobox_heaviest_sku(recobox_add_quantities(associations.sku_quantities, EXCLUDED.sku_quantities)), EXCLUDED.sku),
		updated_at = now()
`

func (s *Store) MergeAssociations(ctx context.Context, records []domain.AssociationRecord) error {
	if len(records) == 0 {
		return nil
	}
	sorted := make([]domain.AssociationRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Bucket != sorted[j].Bucket {
			return sorted[i].Bucket < sorted[j].Bucket
		}
		return sorted[i].Anchor < sorted[j].Anchor
	})

	return s.inTx(ctx, "associations", func(tx *sql.Tx) error {
		for _, rec := range sorted {
			if rec.Anchor == "" {
				continue
			}
			for _, p := range rankedByName(rec.Associates) {
				if p.Name == rec.Anchor {
					continue
				}
				qty, err := quantitiesJSON(rec.Associates[p.Name])
				if err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, mergeAssociationSQL,
					rec.Scope.TenantID, rec.Scope.LocationID, rec.Scope.StoreID, rec.Bucket,
					rec.Anchor, p.Name, p.SKU, p.Count, qty,
				); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *Store) MergeLookups(ctx context.Context, records []domain.LookupRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.inTx(ctx, "lookups", func(tx *sql.Tx) error {
		for _, rec := range records {
			sc := rec.Scope
			for _, name := range sortedKeys(rec.Lookup.NameToSKU) {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO name_lookup (tenant_id, location_id, store_id, product_name, sku)
					VALUES ($1, $2, $3, $4, $5)
					ON CONFLICT (tenant_id, location_id, store_id, product_name)
					DO UPDATE SET sku = EXCLUDED.sku
				`, sc.TenantID, sc.LocationID, sc.StoreID, name, rec.Lookup.NameToSKU[name]); err != nil {
					return err
				}
			}
			for _, sku := range sortedKeys(rec.Lookup.SKUToName) {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO sku_lookup (tenant_id, location_id, store_id, sku, product_name)
					VALUES ($1, $2, $3, $4, $5)
					ON CONFLICT (tenant_id, location_id, store_id, sku)
					DO UPDATE SET product_name = EXCLUDED.product_name
				`, sc.TenantID, sc.LocationID, sc.StoreID, sku, rec.Lookup.SKUToName[sku]); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *Store) ClearScope(ctx context.Context, tenantID, locationID string) error {
	return s.inTx(ctx, "clear", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM popularity WHERE tenant_id = $1 AND location_id = $2`, tenantID, locationID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM associations WHERE tenant_id = $1 AND location_id = $2`, tenantID, locationID); err != nil {
			return err
		}
		return nil
	})
}

func (s *Store) GetPopularity(ctx context.Context, scope domain.Scope, bucket string) (domain.Popularity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_name, sku, count
		FROM popularity
		WHERE tenant_id = $1 AND location_id = $2 AND store_id = $3 AND time_bucket = $4
	`, scope.TenantID, scope.LocationID, scope.StoreID, bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := domain.Popularity{}
	for rows.Next() {
		var name string
		var entry domain.SKUCount
		if err := rows.Scan(&name, &entry.SKU, &entry.Count); err != nil {
			return nil, err
		}
		out[name] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetAssociations(ctx context.Context, scope domain.Scope, bucket string, anchors []string) (map[string]domain.Popularity, error) {
	out := map[string]domain.Popularity{}
	if len(anchors) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT anchor_name, associate_name, sku, count
		FROM associations
		WHERE tenant_id = $1 AND location_id = $2 AND store_id = $3 AND time_bucket = $4
		  AND anchor_name = ANY($5)
	`, scope.TenantID, scope.LocationID, scope.StoreID, bucket, anchors)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var anchor, associate string
		var entry domain.SKUCount
		if err := rows.Scan(&anchor, &associate, &entry.SKU, &entry.Count); err != nil {
			return nil, err
		}
		if out[anchor] == nil {
			out[anchor] = domain.Popularity{}
		}
		out[anchor][associate] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetLookup(ctx context.Context, scope domain.Scope) (domain.Lookup, error) {
	lookup := domain.NewLookup()
	if err := s.scanPairs(ctx, lookup.NameToSKU, `
		SELECT product_name, sku
		FROM name_lookup
		WHERE tenant_id = $1 AND location_id = $2 AND store_id = $3
	`, scope); err != nil {
		return domain.Lookup{}, err
	}
	if err := s.scanPairs(ctx, lookup.SKUToName, `
		SELECT sku, product_name
		FROM sku_lookup
		WHERE tenant_id = $1 AND location_id = $2 AND store_id = $3
	`, scope); err != nil {
		return domain.Lookup{}, err
	}
	return lookup, nil
}

func (s *Store) scanPairs(ctx context.Context, dest map[string]string, query string, scope domain.Scope) error {
	rows, err := s.db.QueryContext(ctx, query, scope.TenantID, scope.LocationID, scope.StoreID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		dest[k] = v
	}
	return rows.Err()
}

func (s *Store) GetCurated(ctx context.Context, scope domain.Scope, kind domain.CuratedKind) ([]domain.CuratedProduct, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, product_name
		FROM curated_products
		WHERE tenant_id = $1 AND location_id = $2 AND store_id = $3 AND kind = $4
		ORDER BY position
	`, scope.TenantID, scope.LocationID, scope.StoreID, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.CuratedProduct, 0, 16)
	for rows.Next() {
		var p domain.CuratedProduct
		if err := rows.Scan(&p.SKU, &p.Name); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ReplaceCurated(ctx context.Context, scope domain.Scope, kind domain.CuratedKind, items []domain.CuratedProduct) error {
	return s.inTx(ctx, "curated", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM curated_products
			WHERE tenant_id = $1 AND location_id = $2 AND store_id = $3 AND kind = $4
		`, scope.TenantID, scope.LocationID, scope.StoreID, string(kind)); err != nil {
			return err
		}
		for i, item := range items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO curated_products (tenant_id, location_id, store_id, kind, sku, product_name, position)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT DO NOTHING
			`, scope.TenantID, scope.LocationID, scope.StoreID, string(kind), item.SKU, item.Name, i); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetCategories(ctx context.Context, names []string) (map[string]domain.CategoryRecord, error) {
	out := map[string]domain.CategoryRecord{}
	if len(names) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_name, category, subcategory, timing
		FROM product_categories
		WHERE product_name = ANY($1)
	`, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var rec domain.CategoryRecord
		if err := rows.Scan(&rec.Name, &rec.Category, &rec.Subcategory, &rec.Timing); err != nil {
			return nil, err
		}
		out[rec.Name] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpsertCategories(ctx context.Context, records []domain.CategoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.inTx(ctx, "categories", func(tx *sql.Tx) error {
		for _, rec := range records {
			if rec.Name == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO product_categories (product_name, category, subcategory, timing, updated_at)
				VALUES ($1, $2, $3, $4, now())
				ON CONFLICT (product_name) DO UPDATE SET
					category = EXCLUDED.category,
					subcategory = EXCLUDED.subcategory,
					timing = EXCLUDED.timing,
					updated_at = now()
			`, rec.Name, rec.Category, rec.Subcategory, rec.Timing); err != nil {
				return err
			}
		}
		return nil
	})
}

// inTx runs fn in a transaction. A write conflict is retried once; a second
// conflict surfaces as store.ErrMergeConflict.
func (s *Store) inTx(ctx context.Context, table string, fn func(tx *sql.Tx) error) error {
	err := s.runTx(ctx, fn)
	if err == nil || !isRetryable(err) {
		return err
	}

	metrics.MergeRetries.WithLabelValues(table).Inc()
	logging.Ctx(ctx).Warn().Err(err).Str("component", "store").Str("table", table).Msg("write conflict, retrying once")

	err = s.runTx(ctx, fn)
	if err != nil && isRetryable(err) {
		return fmt.Errorf("%w: %s: %v", store.ErrMergeConflict, table, err)
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return true
		}
	}
	return false
}

// rankedByName orders entries by name so concurrent writers lock rows in the
// same order.
func rankedByName(p domain.Popularity) []domain.RankedProduct {
	out := make([]domain.RankedProduct, 0, len(p))
	for name, entry := range p {
		if name == "" || entry.Count < 0 {
			continue
		}
		out = append(out, domain.RankedProduct{Name: name, SKU: entry.SKU, Count: entry.Count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func quantitiesJSON(e domain.SKUCount) (string, error) {
	raw, err := json.Marshal(aggregator.SKUQuantities(e))
	if err != nil {
		return "", fmt.Errorf("encode sku quantities: %w", err)
	}
	return string(raw), nil
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
