// Package aggregator builds popularity, association and lookup indexes from
// batches of transaction lines.
//
// Every output is additive: aggregating a dataset in one pass and aggregating
// session-aligned chunks of it, then summing the counts per key, yields the
// same totals as long as TopN does not truncate a per-chunk ranking.
package aggregator

import (
	"errors"
	"sort"

	"recobox/backend/internal/domain"
	"recobox/backend/internal/timing"
)

var ErrNoData = errors.New("no valid transaction rows")

type Stats struct {
	Lines      int
	Accepted   int
	Skipped    int
	Unbucketed int
}

type Result struct {
	Popularity   []domain.PopularityRecord
	Associations []domain.AssociationRecord
	Lookups      []domain.LookupRecord
	Stats        Stats
}

// Stores returns the distinct store ids touched by the result.
func (r Result) Stores() []string {
	seen := map[string]struct{}{}
	for _, rec := range r.Lookups {
		seen[rec.Scope.StoreID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ForStore narrows the result to a single store.
func (r Result) ForStore(storeID string) Result {
	out := Result{Stats: r.Stats}
	for _, rec := range r.Popularity {
		if rec.Scope.StoreID == storeID {
			out.Popularity = append(out.Popularity, rec)
		}
	}
	for _, rec := range r.Associations {
		if rec.Scope.StoreID == storeID {
			out.Associations = append(out.Associations, rec)
		}
	}
	for _, rec := range r.Lookups {
		if rec.Scope.StoreID == storeID {
			out.Lookups = append(out.Lookups, rec)
		}
	}
	return out
}

type Aggregator struct {
	buckets []timing.Range
	topN    int
}

// New returns an aggregator. A topN below one keeps every product.
func New(buckets []timing.Range, topN int) *Aggregator {
	if len(buckets) == 0 {
		buckets = timing.DefaultBuckets()
	}
	return &Aggregator{buckets: buckets, topN: topN}
}

type line struct {
	loc     string
	store   string
	session string
	bucket  string
	name    string
	sku     string
	qty     int64
}

type bucketKey struct {
	loc    string
	store  string
	bucket string
}

type sessionKey struct {
	bucketKey
	session string
}

type storeKey struct {
	loc   string
	store string
}

// Aggregate computes all indexes for the given tenant. Malformed lines are
// skipped and counted. ErrNoData is returned when nothing survives validation,
// so callers never persist empty records over prior results.
func (a *Aggregator) Aggregate(tenantID string, lines []domain.TransactionLine) (Result, error) {
	stats := Stats{Lines: len(lines)}
	valid := make([]line, 0, len(lines))
	for _, raw := range lines {
		l, ok := a.prepare(raw)
		if !ok {
			stats.Skipped++
			continue
		}
		stats.Accepted++
		if l.bucket == timing.Unknown {
			stats.Unbucketed++
		}
		valid = append(valid, l)
	}
	if len(valid) == 0 {
		return Result{Stats: stats}, ErrNoData
	}

	return Result{
		Popularity:   a.popularity(tenantID, valid),
		Associations: a.associations(tenantID, valid),
		Lookups:      buildLookups(tenantID, valid),
		Stats:        stats,
	}, nil
}

func (a *Aggregator) prepare(raw domain.TransactionLine) (line, bool) {
	name := domain.NormalizeName(raw.Product)
	if name == "" || raw.SKU == "" || raw.SessionID == "" || raw.Quantity < 1 ||
		raw.LocationID == "" || raw.StoreID == "" || raw.Timestamp.IsZero() {
		return line{}, false
	}
	return line{
		loc:     raw.LocationID,
		store:   raw.StoreID,
		session: raw.SessionID,
		bucket:  timing.Classify(raw.Timestamp.Hour(), a.buckets),
		name:    name,
		sku:     raw.SKU,
		qty:     raw.Quantity,
	}, true
}

func (a *Aggregator) popularity(tenantID string, lines []line) []domain.PopularityRecord {
	groups := map[bucketKey]map[string]*tally{}
	for _, l := range lines {
		if l.bucket == timing.Unknown {
			continue
		}
		key := bucketKey{loc: l.loc, store: l.store, bucket: l.bucket}
		products := groups[key]
		if products == nil {
			products = map[string]*tally{}
			groups[key] = products
		}
		addTally(products, l.name, l.sku, l.qty)
	}

	out := make([]domain.PopularityRecord, 0, len(groups))
	for key, products := range groups {
		out = append(out, domain.PopularityRecord{
			Scope:    domain.Scope{TenantID: tenantID, LocationID: key.loc, StoreID: key.store},
			Bucket:   key.bucket,
			Products: topN(products, a.topN),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return lessBucket(out[i].Scope, out[i].Bucket, out[j].Scope, out[j].Bucket)
	})
	return out
}

// basketLine is one line item of a session. Repeated lines of a product stay
// separate so every line pairs with every other line of the basket.
type basketLine struct {
	name string
	sku  string
	qty  int64
}

func (a *Aggregator) associations(tenantID string, lines []line) []domain.AssociationRecord {
	sessions := map[sessionKey][]basketLine{}
	for _, l := range lines {
		if l.bucket == timing.Unknown {
			continue
		}
		key := sessionKey{bucketKey: bucketKey{loc: l.loc, store: l.store, bucket: l.bucket}, session: l.session}
		sessions[key] = append(sessions[key], basketLine{name: l.name, sku: l.sku, qty: l.qty})
	}

	// anchors[bucket][anchor][associate]
	anchors := map[bucketKey]map[string]map[string]*tally{}
	for key, basket := range sessions {
		if len(basket) < 2 {
			continue
		}
		byAnchor := anchors[key.bucketKey]
		if byAnchor == nil {
			byAnchor = map[string]map[string]*tally{}
			anchors[key.bucketKey] = byAnchor
		}
		for i, anchor := range basket {
			for j, associate := range basket {
				if i == j || anchor.name == associate.name {
					continue
				}
				associates := byAnchor[anchor.name]
				if associates == nil {
					associates = map[string]*tally{}
					byAnchor[anchor.name] = associates
				}
				addTally(associates, associate.name, associate.sku, associate.qty)
			}
		}
	}

	out := make([]domain.AssociationRecord, 0, len(anchors))
	for key, byAnchor := range anchors {
		scope := domain.Scope{TenantID: tenantID, LocationID: key.loc, StoreID: key.store}
		for anchor, associates := range byAnchor {
			out = append(out, domain.AssociationRecord{
				Scope:      scope,
				Bucket:     key.bucket,
				Anchor:     anchor,
				Associates: topN(associates, a.topN),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope || out[i].Bucket != out[j].Bucket {
			return lessBucket(out[i].Scope, out[i].Bucket, out[j].Scope, out[j].Bucket)
		}
		return out[i].Anchor < out[j].Anchor
	})
	return out
}

func lessBucket(a domain.Scope, ab string, b domain.Scope, bb string) bool {
	if a.LocationID != b.LocationID {
		return a.LocationID < b.LocationID
	}
	if a.StoreID != b.StoreID {
		return a.StoreID < b.StoreID
	}
	return ab < bb
}
