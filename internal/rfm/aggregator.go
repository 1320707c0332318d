// Package rfm reduces cleaned ledger rows into one Recency/Frequency/Monetary profile per entity.
package rfm

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/ledger"
	"github.com/sells-group/segment-cli/internal/model"
)

// position orders ledger rows; the smallest position supplies descriptive attributes.
type position struct {
	chunk int
	row   int
}

func (p position) before(o position) bool {
	if p.chunk != o.chunk {
		return p.chunk < o.chunk
	}
	return p.row < o.row
}

type entityStats struct {
	mostRecent time.Time
	frequency  int64
	monetary   decimal.Decimal
	attrs      model.Attributes
	first      position
}

// Aggregator accumulates per-entity RFM state across chunks.
// Memory grows with distinct entities, not rows. Not safe for concurrent use.
type Aggregator struct {
	stats     map[string]*entityStats
	finalized bool
	log       *zap.Logger
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		stats: make(map[string]*entityStats),
		log:   zap.L().With(zap.String("component", "rfm")),
	}
}

// Len returns the number of distinct entities seen.
func (a *Aggregator) Len() int { return len(a.stats) }

// Update folds one cleaned row into its entity's state.
// Frequency and monetary are order-independent; attributes come from the earliest ledger position.
func (a *Aggregator) Update(r ledger.CleanRow) {
	pos := position{chunk: r.Chunk, row: r.Row}
	s, ok := a.stats[r.EntityID]
	if !ok {
		a.stats[r.EntityID] = &entityStats{
			mostRecent: r.Date,
			frequency:  1,
			monetary:   r.Amount,
			attrs:      r.Attrs,
			first:      pos,
		}
		return
	}

	if r.Date.After(s.mostRecent) {
		s.mostRecent = r.Date
	}
	if pos.before(s.first) {
		s.first = pos
		s.attrs = r.Attrs
	}
	s.frequency++
	s.monetary = s.monetary.Add(r.Amount)
}

// UpdateAll folds a cleaned chunk.
func (a *Aggregator) UpdateAll(rows []ledger.CleanRow) {
	for i := range rows {
		a.Update(rows[i])
	}
}

// FinalizeResult is the output of Finalize.
type FinalizeResult struct {
	Profiles []model.EntityProfile
	// Clamped counts entities whose last payment was after the reference date.
	Clamped int
}

// Finalize computes recency against ref and returns profiles sorted by id.
// It may be called once; the accumulation map is released afterwards.
func (a *Aggregator) Finalize(ref time.Time) FinalizeResult {
	if a.finalized {
		return FinalizeResult{}
	}
	a.finalized = true

	ids := make([]string, 0, len(a.stats))
	for id := range a.stats {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ref = truncateDay(ref)
	res := FinalizeResult{Profiles: make([]model.EntityProfile, 0, len(ids))}
	for _, id := range ids {
		s := a.stats[id]

		recency := int(ref.Sub(truncateDay(s.mostRecent)).Hours() / 24)
		if recency < 0 {
			res.Clamped++
			a.log.Warn("last payment after reference date, clamping recency to 0",
				zap.String("entity_id", id),
				zap.Time("last_payment", s.mostRecent),
				zap.Time("reference_date", ref),
			)
			recency = 0
		}

		monetary := s.monetary.Round(2).InexactFloat64()
		last := s.mostRecent
		res.Profiles = append(res.Profiles, model.EntityProfile{
			ID:              id,
			Attributes:      s.attrs,
			Recency:         model.IntPtr(recency),
			Frequency:       s.frequency,
			Monetary:        monetary,
			AvgPayment:      s.monetary.Div(decimal.NewFromInt(s.frequency)).Round(2).InexactFloat64(),
			LastPaymentDate: &last,
		})
	}

	a.stats = nil
	return res
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
