package ledger

import (
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/segment-cli/internal/model"
)

// maxChunkErrors caps the row errors returned per chunk; the rest are only counted.
const maxChunkErrors = 10

// CleanRow is a ledger row that passed the filter, with typed fields.
type CleanRow struct {
	Chunk int
	Row   int

	EntityID        string
	Amount          decimal.Decimal
	Date            time.Time
	Attrs           model.Attributes
	PaymentCategory string
	Manufacturer    string
	Product         string
}

// Detail converts the row into a persisted line item.
func (c CleanRow) Detail() model.PaymentDetail {
	return model.PaymentDetail{
		EntityID:        c.EntityID,
		Amount:          c.Amount.InexactFloat64(),
		PaymentDate:     c.Date,
		PaymentCategory: c.PaymentCategory,
		Manufacturer:    c.Manufacturer,
		Product:         c.Product,
	}
}

// Stats counts row outcomes. Total = Valid + Filtered + ParseErrors.
type Stats struct {
	Total       int64 `json:"total"`
	Valid       int64 `json:"valid"`
	Filtered    int64 `json:"filtered"`
	ParseErrors int64 `json:"parse_errors"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Total += o.Total
	s.Valid += o.Valid
	s.Filtered += o.Filtered
	s.ParseErrors += o.ParseErrors
}

// RowError describes one dropped row.
type RowError struct {
	Chunk    int
	Row      int
	EntityID string
	Reason   string
}

// DefaultDateLayout is the ledger's month/day/year format. Month and day may be unpadded.
const DefaultDateLayout = "1/2/2006"

// FilterConfig configures which rows are kept.
type FilterConfig struct {
	AcceptedTypes      []string
	PrimaryTypePattern string
	DateLayout         string
}

// Filter keeps individual-practitioner rows and normalizes their fields. It holds no per-run state.
type Filter struct {
	accepted map[string]bool
	primary  *regexp.Regexp
	layout   string
}

// NewFilter compiles the filter configuration.
func NewFilter(cfg FilterConfig) (*Filter, error) {
	if len(cfg.AcceptedTypes) == 0 {
		return nil, eris.New("ledger: no accepted entity types")
	}
	re, err := regexp.Compile(cfg.PrimaryTypePattern)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: compile primary type pattern")
	}
	layout := cfg.DateLayout
	if layout == "" {
		layout = DefaultDateLayout
	}
	accepted := make(map[string]bool, len(cfg.AcceptedTypes))
	for _, t := range cfg.AcceptedTypes {
		accepted[strings.TrimSpace(t)] = true
	}
	return &Filter{accepted: accepted, primary: re, layout: layout}, nil
}

// Clean filters and normalizes one chunk. Malformed records in the chunk count as parse errors.
func (f *Filter) Clean(chunk Chunk) ([]CleanRow, Stats, []RowError) {
	out := make([]CleanRow, 0, len(chunk.Rows))
	stats := Stats{
		Total:       int64(len(chunk.Rows) + chunk.Malformed),
		ParseErrors: int64(chunk.Malformed),
	}
	var errs []RowError

	for i := range chunk.Rows {
		row := &chunk.Rows[i]

		if !f.accepted[row.EntityType] || !f.primary.MatchString(row.PrimaryType) {
			stats.Filtered++
			continue
		}
		id := NormalizeEntityID(row.EntityID)
		if id == "" {
			stats.Filtered++
			continue
		}

		date, err := time.Parse(f.layout, row.PaymentDate)
		if err != nil {
			stats.ParseErrors++
			if len(errs) < maxChunkErrors {
				errs = append(errs, RowError{
					Chunk:    chunk.Index,
					Row:      i,
					EntityID: id,
					Reason:   "unparseable payment date " + quote(row.PaymentDate),
				})
			}
			continue
		}

		out = append(out, CleanRow{
			Chunk:    chunk.Index,
			Row:      i,
			EntityID: id,
			Amount:   ParseAmount(row.Amount),
			Date:     date,
			Attrs: model.Attributes{
				FirstName:   row.FirstName,
				LastName:    row.LastName,
				PrimaryType: row.PrimaryType,
				Specialty:   StripSpecialtyPrefix(row.Specialty),
				State:       row.State,
				City:        row.City,
			},
			PaymentCategory: row.PaymentCategory,
			Manufacturer:    row.Manufacturer,
			Product:         row.Product,
		})
	}
	stats.Valid = int64(len(out))
	return out, stats, errs
}

// NormalizeEntityID trims the identifier and drops a float-form ".0" suffix.
// Placeholder text for a missing value normalizes to "".
func NormalizeEntityID(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "nan", "null", "none", "na", "n/a":
		return ""
	}
	if i := strings.IndexByte(s, '.'); i > 0 && strings.Trim(s[i+1:], "0") == "" {
		s = s[:i]
	}
	return s
}

// ParseAmount coerces a payment amount to a non-negative decimal; unparseable input yields zero.
func ParseAmount(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// StripSpecialtyPrefix keeps the part after the first "|" of a hierarchical taxonomy.
func StripSpecialtyPrefix(s string) string {
	if _, rest, ok := strings.Cut(s, "|"); ok {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(s)
}

func quote(s string) string {
	return `"` + s + `"`
}
