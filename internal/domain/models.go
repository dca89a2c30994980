package domain

import (
	"sort"
	"time"
)

type Provenance string

const (
	ProvenanceAlwaysOnly      Provenance = "Always-only"
	ProvenanceMerged          Provenance = "Final/Merged"
	ProvenancePopularOnly     Provenance = "Popular-only"
	ProvenanceAssociationOnly Provenance = "Association-only"
)

type CuratedKind string

const (
	CuratedFixed  CuratedKind = "fixed"
	CuratedAlways CuratedKind = "always"
)

func (k CuratedKind) Valid() bool {
	return k == CuratedFixed || k == CuratedAlways
}

// TransactionLine is one row of an uploaded transaction file. Product holds the
// raw name; aggregation normalizes it.
type TransactionLine struct {
	SessionID  string
	Timestamp  time.Time
	Product    string
	SKU        string
	Quantity   int64
	LocationID string
	StoreID    string
}

type Scope struct {
	TenantID   string `json:"tenant_id"`
	LocationID string `json:"location_id"`
	StoreID    string `json:"store_id"`
}

func (s Scope) String() string {
	return s.TenantID + "/" + s.LocationID + "/" + s.StoreID
}

type SKUCount struct {
	SKU   string `json:"sku"`
	Count int64  `json:"count"`
	// Quantities breaks Count down per SKU. SKU is the heaviest entry.
	Quantities map[string]int64 `json:"quantities,omitempty"`
}

// Popularity maps a normalized product name to its SKU and cumulative count.
type Popularity map[string]SKUCount

type RankedProduct struct {
	Name  string `json:"name"`
	SKU   string `json:"sku"`
	Count int64  `json:"count"`
}

// Ranked orders entries by count descending, then name ascending.
func (p Popularity) Ranked() []RankedProduct {
	out := make([]RankedProduct, 0, len(p))
	for name, entry := range p {
		out = append(out, RankedProduct{Name: name, SKU: entry.SKU, Count: entry.Count})
	}
	SortRanked(out)
	return out
}

func SortRanked(items []RankedProduct) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Count != items[j].Count {
			return items[i].Count > items[j].Count
		}
		return items[i].Name < items[j].Name
	})
}

type PopularityRecord struct {
	Scope    Scope
	Bucket   string
	Products Popularity
}

type AssociationRecord struct {
	Scope      Scope
	Bucket     string
	Anchor     string
	Associates Popularity
}

type Lookup struct {
	NameToSKU map[string]string `json:"name_to_sku"`
	SKUToName map[string]string `json:"sku_to_name"`
}

func NewLookup() Lookup {
	return Lookup{NameToSKU: map[string]string{}, SKUToName: map[string]string{}}
}

func (l Lookup) Empty() bool {
	return len(l.NameToSKU) == 0 && len(l.SKUToName) == 0
}

type LookupRecord struct {
	Scope  Scope
	Lookup Lookup
}

type CategoryRecord struct {
	Name        string `json:"product"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	Timing      string `json:"timing"`
}

// CategoryIndex is keyed by normalized product name. Absence is a normal state
// and callers must go through Get.
type CategoryIndex map[string]CategoryRecord

func (c CategoryIndex) Get(name string) (CategoryRecord, bool) {
	if c == nil {
		return CategoryRecord{}, false
	}
	rec, ok := c[name]
	return rec, ok
}

type CuratedProduct struct {
	SKU  string `json:"sku"`
	Name string `json:"name"`
}

type Tenant struct {
	ID         string
	Name       string
	APIKeyHash string
	// Locations maps a location id to the store ids it contains.
	Locations map[string][]string
}

func (t Tenant) HasLocation(locationID string) bool {
	_, ok := t.Locations[locationID]
	return ok
}

func (t Tenant) HasStore(locationID, storeID string) bool {
	for _, id := range t.Locations[locationID] {
		if id == storeID {
			return true
		}
	}
	return false
}

type Coordinates struct {
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
}

type RecommendationRequest struct {
	TenantID   string       `json:"tenant_id" validate:"required,max=128"`
	LocationID string       `json:"location_id" validate:"required,max=128"`
	StoreID    string       `json:"store_id" validate:"required,max=128"`
	CartSKUs   []string     `json:"cart_skus" validate:"max=200,dive,required"`
	TopN       int          `json:"top_n" validate:"gte=0"`
	Hour       *int         `json:"hour,omitempty" validate:"omitempty,min=0,max=23"`
	Timestamp  *time.Time   `json:"timestamp,omitempty"`
	Location   *Coordinates `json:"coordinates,omitempty"`
}

func (r RecommendationRequest) Scope() Scope {
	return Scope{TenantID: r.TenantID, LocationID: r.LocationID, StoreID: r.StoreID}
}

type Recommendation struct {
	Name string `json:"name"`
	SKU  string `json:"sku"`
}

type RecommendationResponse struct {
	Items     []Recommendation `json:"items"`
	Source    Provenance       `json:"source"`
	Bucket    string           `json:"time_bucket"`
	Weather   string           `json:"weather"`
	LatencyMS int64            `json:"latency_ms"`
}

type IngestRequest struct {
	TenantID   string `json:"tenant_id" validate:"required,max=128"`
	LocationID string `json:"location_id" validate:"required,max=128"`
	Replace    bool   `json:"replace"`
}

type StoreFailure struct {
	StoreID string `json:"store_id"`
	Error   string `json:"error"`
}

type IngestResult struct {
	BatchID        string         `json:"batch_id"`
	RowsRead       int            `json:"rows_read"`
	RowsAccepted   int            `json:"rows_accepted"`
	RowsSkipped    int            `json:"rows_skipped"`
	RowsUnbucketed int            `json:"rows_unbucketed"`
	Chunks         int            `json:"chunks"`
	Stores         []string       `json:"affected_stores"`
	Failures       []StoreFailure `json:"failures,omitempty"`
	Classified     int            `json:"classified_products"`
}

type CuratedUploadRequest struct {
	Scope
	Kind CuratedKind `json:"kind" validate:"required,oneof=fixed always"`
	SKUs []string    `json:"skus" validate:"required,min=1,max=500,dive,required"`
}

type CuratedUploadResult struct {
	Kind     CuratedKind      `json:"kind"`
	Accepted []CuratedProduct `json:"accepted"`
	Skipped  []string         `json:"skipped_skus"`
}

type ReclassifyRequest struct {
	Products []string `json:"products" validate:"required,min=1,max=500,dive,required"`
}

type ReclassifyResult struct {
	Requested  int `json:"requested"`
	Classified int `json:"classified"`
}

type TokenRequest struct {
	TenantID string `json:"tenant_id"`
	APIKey   string `json:"api_key"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TenantID    string `json:"tenant_id"`
	ExpiresAt   string `json:"expires_at"`
}
