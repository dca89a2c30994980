// Package ingest reads transaction files: the column contract, row parsing
// and session-aligned chunking.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"recobox/backend/internal/domain"
)

var (
	ErrMissingColumns = errors.New("transaction file is missing required columns")
	ErrOutOfScope     = errors.New("transaction file references locations or stores outside the tenant")
)

const (
	ColSession  = "Session_id"
	ColDatetime = "Datetime"
	ColProduct  = "Product_name"
	ColSKU      = "UPC"
	ColQuantity = "Quantity"
	ColLocation = "location_id"
	ColStore    = "store_id"
)

// Columns is the required header, in canonical order.
var Columns = []string{ColSession, ColDatetime, ColProduct, ColSKU, ColQuantity, ColLocation, ColStore}

var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"2006-01-02",
}

// RowError describes a data row that could not be parsed. Readers skip such
// rows; it is returned so callers can count or log them.
type RowError struct {
	Line   int
	Reason string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

type Reader struct {
	cr        *csv.Reader
	index     map[string]int
	width     int
	rows      int
	malformed int
}

// NewReader consumes the header row and checks it against Columns. Header
// matching ignores case, surrounding whitespace and a UTF-8 BOM.
func NewReader(r io.Reader) (*Reader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty file", ErrMissingColumns)
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	seen := make(map[string]int, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := seen[key]; !dup {
			seen[key] = i
		}
	}

	index := make(map[string]int, len(Columns))
	var missing []string
	width := 0
	for _, col := range Columns {
		i, ok := seen[strings.ToLower(col)]
		if !ok {
			missing = append(missing, col)
			continue
		}
		index[col] = i
		width = max(width, i+1)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return &Reader{cr: cr, index: index, width: width}, nil
}

// Rows is the number of data rows read so far, malformed ones included.
func (r *Reader) Rows() int { return r.rows }

// Malformed is the number of rows rejected by the reader.
func (r *Reader) Malformed() int { return r.malformed }

// Next returns the next well-formed line. It returns io.EOF at the end of the
// file and a *RowError for rows it skipped.
func (r *Reader) Next() (domain.TransactionLine, error) {
	record, err := r.cr.Read()
	if errors.Is(err, io.EOF) {
		return domain.TransactionLine{}, io.EOF
	}
	if err != nil {
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			r.rows++
			r.malformed++
			return domain.TransactionLine{}, &RowError{Line: perr.Line, Reason: perr.Err.Error()}
		}
		return domain.TransactionLine{}, err
	}

	r.rows++
	line, _ := r.cr.FieldPos(0)
	tl, reason := r.parse(record)
	if reason != "" {
		r.malformed++
		return domain.TransactionLine{}, &RowError{Line: line, Reason: reason}
	}
	return tl, nil
}

func (r *Reader) field(record []string, col string) string {
	return strings.TrimSpace(record[r.index[col]])
}

func (r *Reader) parse(record []string) (domain.TransactionLine, string) {
	if len(record) < r.width {
		return domain.TransactionLine{}, "too few fields"
	}

	tl := domain.TransactionLine{
		SessionID:  r.field(record, ColSession),
		Product:    r.field(record, ColProduct),
		SKU:        r.field(record, ColSKU),
		LocationID: r.field(record, ColLocation),
		StoreID:    r.field(record, ColStore),
	}
	if tl.SessionID == "" || tl.Product == "" || tl.SKU == "" || tl.LocationID == "" || tl.StoreID == "" {
		return domain.TransactionLine{}, "missing required value"
	}

	ts, ok := parseDatetime(r.field(record, ColDatetime))
	if !ok {
		return domain.TransactionLine{}, "invalid datetime"
	}
	tl.Timestamp = ts

	qty, ok := parseQuantity(r.field(record, ColQuantity))
	if !ok {
		return domain.TransactionLine{}, "invalid quantity"
	}
	tl.Quantity = qty
	tl.SKU = normalizeSKU(tl.SKU)
	return tl, ""
}

func parseDatetime(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range datetimeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// parseQuantity accepts integers and integral decimals such as "2.0".
func parseQuantity(raw string) (int64, bool) {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, n > 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 || f != math.Trunc(f) || f > math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// normalizeSKU drops the ".0" spreadsheets append to numeric UPCs.
func normalizeSKU(raw string) string {
	if strings.HasSuffix(raw, ".0") {
		if _, err := strconv.ParseInt(strings.TrimSuffix(raw, ".0"), 10, 64); err == nil {
			return strings.TrimSuffix(raw, ".0")
		}
	}
	return raw
}
