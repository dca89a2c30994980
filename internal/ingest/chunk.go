package ingest

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"recobox/backend/internal/domain"
)

// Chunker groups lines into chunks of roughly size lines. A chunk is closed
// only where the session id changes, so a session stays in one chunk as long
// as its rows are contiguous in the file.
type Chunker struct {
	r       *Reader
	size    int
	pending *domain.TransactionLine
	onSkip  func(*RowError)
	done    bool
}

func NewChunker(r *Reader, size int) *Chunker {
	if size < 1 {
		size = 1
	}
	return &Chunker{r: r, size: size}
}

// OnSkip registers a callback for rows the reader rejects.
func (c *Chunker) OnSkip(fn func(*RowError)) {
	c.onSkip = fn
}

// Next returns the next chunk, or io.EOF when the file is exhausted.
func (c *Chunker) Next() ([]domain.TransactionLine, error) {
	if c.done {
		return nil, io.EOF
	}

	chunk := make([]domain.TransactionLine, 0, c.size)
	if c.pending != nil {
		chunk = append(chunk, *c.pending)
		c.pending = nil
	}

	for {
		line, err := c.r.Next()
		if errors.Is(err, io.EOF) {
			c.done = true
			if len(chunk) == 0 {
				return nil, io.EOF
			}
			return chunk, nil
		}
		var rowErr *RowError
		if errors.As(err, &rowErr) {
			if c.onSkip != nil {
				c.onSkip(rowErr)
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		if len(chunk) >= c.size && chunk[len(chunk)-1].SessionID != line.SessionID {
			c.pending = &line
			return chunk, nil
		}
		chunk = append(chunk, line)
	}
}

// Summary is the outcome of a Scan pre-pass.
type Summary struct {
	Rows      int
	Malformed int
	Stores    []string
}

// Scan reads the whole file once and checks every well-formed row against
// the tenant's scope, before anything is written. Out-of-scope identifiers
// reject the file.
func Scan(r io.Reader, tenant domain.Tenant, locationID string) (Summary, error) {
	reader, err := NewReader(r)
	if err != nil {
		return Summary{}, err
	}

	stores := map[string]struct{}{}
	badLocations := map[string]struct{}{}
	badStores := map[string]struct{}{}
	for {
		line, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var rowErr *RowError
		if errors.As(err, &rowErr) {
			continue
		}
		if err != nil {
			return Summary{}, err
		}

		switch {
		case line.LocationID != locationID:
			badLocations[line.LocationID] = struct{}{}
		case !tenant.HasStore(locationID, line.StoreID):
			badStores[line.StoreID] = struct{}{}
		default:
			stores[line.StoreID] = struct{}{}
		}
	}

	summary := Summary{Rows: reader.Rows(), Malformed: reader.Malformed(), Stores: sortedSet(stores)}
	if len(badLocations) > 0 || len(badStores) > 0 {
		var parts []string
		if len(badLocations) > 0 {
			parts = append(parts, "locations "+strings.Join(sortedSet(badLocations), ", "))
		}
		if len(badStores) > 0 {
			parts = append(parts, "stores "+strings.Join(sortedSet(badStores), ", "))
		}
		return summary, fmt.Errorf("%w: %s", ErrOutOfScope, strings.Join(parts, "; "))
	}
	return summary, nil
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
