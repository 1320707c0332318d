package model

import "time"

// LedgerRow is one raw payment line from the ledger, exactly as read.
// Rows live only for the duration of a chunk.
type LedgerRow struct {
	EntityID        string `json:"entity_id"`
	EntityType      string `json:"entity_type"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	PrimaryType     string `json:"primary_type"`
	Specialty       string `json:"specialty"`
	State           string `json:"state"`
	City            string `json:"city"`
	Amount          string `json:"amount"`
	PaymentDate     string `json:"payment_date"`
	PaymentCategory string `json:"payment_category"`
	Manufacturer    string `json:"manufacturer"`
	Product         string `json:"product"`
}

// Attributes are the descriptive fields carried from the ledger onto a profile.
type Attributes struct {
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	PrimaryType string `json:"primary_type,omitempty"`
	Specialty   string `json:"specialty,omitempty"`
	State       string `json:"state,omitempty"`
	City        string `json:"city,omitempty"`
}

// FullName joins first and last name, skipping empty parts.
func (a Attributes) FullName() string {
	switch {
	case a.FirstName == "":
		return a.LastName
	case a.LastName == "":
		return a.FirstName
	default:
		return a.FirstName + " " + a.LastName
	}
}

// EntityProfile is the persisted behavioral profile of one payment recipient.
type EntityProfile struct {
	ID string `json:"id"`
	Attributes

	// Recency is nil until the profile has at least one transaction.
	Recency         *int       `json:"recency_days,omitempty"`
	Frequency       int64      `json:"frequency"`
	Monetary        float64    `json:"monetary"`
	AvgPayment      float64    `json:"avg_payment_amount"`
	LastPaymentDate *time.Time `json:"last_payment_date,omitempty"`

	Segment *SegmentRef `json:"segment,omitempty"`
}

// SegmentRef points a profile at the segment it was assigned to by one task.
type SegmentRef struct {
	TaskID    string `json:"task_id"`
	SegmentID int    `json:"segment_id"`
	Label     Label  `json:"label"`
}

// SegmentAssignment is one row of the bulk profile update contract.
type SegmentAssignment struct {
	EntityID  string `json:"entity_id"`
	TaskID    string `json:"task_id"`
	SegmentID int    `json:"segment_id"`
	Label     Label  `json:"label"`
}

// PaymentDetail is a cleaned ledger line persisted when detail import is enabled.
type PaymentDetail struct {
	EntityID        string    `json:"entity_id"`
	Amount          float64   `json:"amount"`
	PaymentDate     time.Time `json:"payment_date"`
	PaymentCategory string    `json:"payment_category,omitempty"`
	Manufacturer    string    `json:"manufacturer,omitempty"`
	Product         string    `json:"product,omitempty"`
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }
