// Package ledger reads the payment ledger in bounded chunks and cleans rows for aggregation.
package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/segment-cli/internal/model"
)

// Ledger column names.
const (
	ColEntityID        = "Covered_Recipient_NPI"
	ColEntityType      = "Covered_Recipient_Type"
	ColFirstName       = "Covered_Recipient_First_Name"
	ColLastName        = "Covered_Recipient_Last_Name"
	ColPrimaryType     = "Covered_Recipient_Primary_Type_1"
	ColSpecialty       = "Covered_Recipient_Specialty_1"
	ColState           = "Recipient_State"
	ColCity            = "Recipient_City"
	ColAmount          = "Total_Amount_of_Payment_USDollars"
	ColPaymentDate     = "Date_of_Payment"
	ColPaymentCategory = "Nature_of_Payment_or_Transfer_of_Value"
	ColManufacturer    = "Applicable_Manufacturer_or_Applicable_GPO_Making_Payment_Name"
	ColProduct         = "Name_of_Drug_or_Biological_or_Device_or_Medical_Supply_1"
)

// RequiredColumns must be present in the header or the ingest fails up front.
var RequiredColumns = []string{ColEntityID, ColEntityType, ColAmount, ColPaymentDate}

// Chunk is an ordered batch of ledger rows.
type Chunk struct {
	Index int
	Rows  []model.LedgerRow
	// Malformed counts CSV records in this chunk's span that could not be parsed.
	Malformed int
}

// Options configures a Reader.
type Options struct {
	ChunkSize int
	Encoding  string // any WHATWG label; "" = utf-8
}

// Reader streams a CSV ledger. The header is validated on construction.
type Reader struct {
	csv       *csv.Reader
	cols      map[string]int
	chunkSize int
}

// NewReader decodes r with the configured encoding and reads the header.
func NewReader(r io.Reader, opts Options) (*Reader, error) {
	if opts.ChunkSize <= 0 {
		return nil, eris.Errorf("ledger: chunk size must be positive, got %d", opts.ChunkSize)
	}

	if enc := strings.ToLower(strings.TrimSpace(opts.Encoding)); enc != "" && enc != "utf-8" && enc != "utf8" {
		e, err := htmlindex.Get(enc)
		if err != nil {
			return nil, eris.Wrapf(err, "ledger: unsupported encoding %q", opts.Encoding)
		}
		r = e.NewDecoder().Reader(r)
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, eris.New("ledger: empty input")
	}
	if err != nil {
		return nil, eris.Wrap(err, "ledger: read header")
	}

	cols := mapColumns(header)
	var missing []string
	for _, c := range RequiredColumns {
		if _, ok := cols[normalizeCol(c)]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, eris.Errorf("ledger: missing required columns: %s", strings.Join(missing, ", "))
	}

	return &Reader{csv: cr, cols: cols, chunkSize: opts.ChunkSize}, nil
}

// Chunks streams fixed-size chunks. Both channels are closed when reading completes.
// The caller must drain the chunk channel.
func (r *Reader) Chunks(ctx context.Context) (<-chan Chunk, <-chan error) {
	chunkCh := make(chan Chunk, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(chunkCh)
		defer close(errCh)

		send := func(c Chunk) bool {
			select {
			case chunkCh <- c:
				return true
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "ledger: context cancelled")
				return false
			}
		}

		cur := Chunk{Rows: make([]model.LedgerRow, 0, r.chunkSize)}
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "ledger: context cancelled")
				return
			}

			record, err := r.csv.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				var pe *csv.ParseError
				if !errors.As(err, &pe) {
					errCh <- eris.Wrap(err, "ledger: read row")
					return
				}
				cur.Malformed++
				continue
			}

			cur.Rows = append(cur.Rows, r.row(record))
			if len(cur.Rows) >= r.chunkSize {
				if !send(cur) {
					return
				}
				cur = Chunk{Index: cur.Index + 1, Rows: make([]model.LedgerRow, 0, r.chunkSize)}
			}
		}

		if len(cur.Rows) > 0 || cur.Malformed > 0 {
			send(cur)
		}
	}()

	return chunkCh, errCh
}

func (r *Reader) row(record []string) model.LedgerRow {
	return model.LedgerRow{
		EntityID:        r.col(record, ColEntityID),
		EntityType:      r.col(record, ColEntityType),
		FirstName:       r.col(record, ColFirstName),
		LastName:        r.col(record, ColLastName),
		PrimaryType:     r.col(record, ColPrimaryType),
		Specialty:       r.col(record, ColSpecialty),
		State:           r.col(record, ColState),
		City:            r.col(record, ColCity),
		Amount:          r.col(record, ColAmount),
		PaymentDate:     r.col(record, ColPaymentDate),
		PaymentCategory: r.col(record, ColPaymentCategory),
		Manufacturer:    r.col(record, ColManufacturer),
		Product:         r.col(record, ColProduct),
	}
}

func (r *Reader) col(record []string, name string) string {
	idx, ok := r.cols[normalizeCol(name)]
	if !ok || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// normalizeCol lowercases and trims a header for case-insensitive matching.
func normalizeCol(s string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(s, "\ufeff")))
}

func mapColumns(header []string) map[string]int {
	m := make(map[string]int, len(header))
	for i, col := range header {
		m[normalizeCol(col)] = i
	}
	return m
}
