package laborder

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/platform/apperr"
)

// Order item statuses.
const (
	StatusOrdered        = "ORDERED"
	StatusResultsEntered = "RESULTS_ENTERED"
	StatusVerified       = "VERIFIED"
)

// Result flags against the parameter's reference interval.
const (
	FlagLow    = "L"
	FlagHigh   = "H"
	FlagNormal = "N"
)

// itemTransitions defines valid status transitions for an order item.
// RESULTS_ENTERED falls back to ORDERED when a correction leaves values blank.
var itemTransitions = map[string][]string{
	StatusOrdered:        {StatusResultsEntered},
	StatusResultsEntered: {StatusOrdered, StatusVerified},
	StatusVerified:       {},
}

// ValidateTransition checks if an order item may move from one status to another.
func ValidateTransition(from, to string) error {
	allowed, ok := itemTransitions[from]
	if !ok {
		return apperr.Conflict(apperr.CodeLabInvalidTransition, "unknown lab item status: "+from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return apperr.Conflict(apperr.CodeLabInvalidTransition,
		fmt.Sprintf("invalid transition from %s to %s", from, to)).
		With("status", from).
		With("target", to)
}

// LabTest is a catalog entry. Parameters are ordered by SortOrder.
type LabTest struct {
	ID         uuid.UUID    `db:"id" json:"id"`
	TenantID   string       `db:"tenant_id" json:"tenant_id"`
	Code       string       `db:"code" json:"code"`
	Name       string       `db:"name" json:"name"`
	Active     bool         `db:"active" json:"active"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
	Parameters []*Parameter `json:"parameters"`
}

type Parameter struct {
	ID            uuid.UUID `db:"id" json:"id"`
	TenantID      string    `db:"tenant_id" json:"-"`
	TestID        uuid.UUID `db:"test_id" json:"test_id"`
	Name          string    `db:"name" json:"name"`
	Unit          string    `db:"unit" json:"unit,omitempty"`
	ReferenceLow  *float64  `db:"reference_low" json:"reference_low,omitempty"`
	ReferenceHigh *float64  `db:"reference_high" json:"reference_high,omitempty"`
	ReferenceText string    `db:"reference_text" json:"reference_text,omitempty"`
	SortOrder     int       `db:"sort_order" json:"sort_order"`
}

// ReferenceRange renders the reference interval for display on results.
func (p *Parameter) ReferenceRange() string {
	if p.ReferenceText != "" {
		return p.ReferenceText
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	switch {
	case p.ReferenceLow != nil && p.ReferenceHigh != nil:
		return f(*p.ReferenceLow) + "-" + f(*p.ReferenceHigh)
	case p.ReferenceLow != nil:
		return ">=" + f(*p.ReferenceLow)
	case p.ReferenceHigh != nil:
		return "<=" + f(*p.ReferenceHigh)
	}
	return ""
}

// Flag classifies a value against the reference interval. Non-numeric values
// and parameters without bounds get no flag.
func (p *Parameter) Flag(value string) string {
	if p.ReferenceLow == nil && p.ReferenceHigh == nil {
		return ""
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return ""
	}
	if p.ReferenceLow != nil && v < *p.ReferenceLow {
		return FlagLow
	}
	if p.ReferenceHigh != nil && v > *p.ReferenceHigh {
		return FlagHigh
	}
	return FlagNormal
}

// OrderItem is one test ordered on a lab encounter.
type OrderItem struct {
	ID                uuid.UUID          `db:"id" json:"id"`
	TenantID          string             `db:"tenant_id" json:"tenant_id"`
	EncounterID       uuid.UUID          `db:"encounter_id" json:"encounter_id"`
	TestID            uuid.UUID          `db:"test_id" json:"test_id"`
	TestCode          string             `db:"test_code" json:"test_code"`
	TestName          string             `db:"test_name" json:"test_name"`
	Status            string             `db:"status" json:"status"`
	SampleCollectedAt *time.Time         `db:"sample_collected_at" json:"sample_collected_at,omitempty"`
	SampleCollectedBy string             `db:"sample_collected_by" json:"sample_collected_by,omitempty"`
	SampleReceivedAt  *time.Time         `db:"sample_received_at" json:"sample_received_at,omitempty"`
	SampleReceivedBy  string             `db:"sample_received_by" json:"sample_received_by,omitempty"`
	ResultsEnteredAt  *time.Time         `db:"results_entered_at" json:"results_entered_at,omitempty"`
	ResultsEnteredBy  string             `db:"results_entered_by" json:"results_entered_by,omitempty"`
	VerifiedAt        *time.Time         `db:"verified_at" json:"verified_at,omitempty"`
	VerifiedBy        string             `db:"verified_by" json:"verified_by,omitempty"`
	CreatedAt         time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time          `db:"updated_at" json:"updated_at"`
	Results           []*ParameterResult `json:"results,omitempty"`
}

// ParameterResult is the value entered for one parameter of an order item.
// ParameterName and SortOrder are read from the catalog.
type ParameterResult struct {
	TenantID       string    `db:"tenant_id" json:"-"`
	OrderItemID    uuid.UUID `db:"order_item_id" json:"order_item_id"`
	ParameterID    uuid.UUID `db:"parameter_id" json:"parameter_id"`
	ParameterName  string    `json:"parameter_name"`
	SortOrder      int       `json:"sort_order"`
	Value          string    `db:"value" json:"value"`
	Unit           string    `db:"unit" json:"unit,omitempty"`
	ReferenceRange string    `db:"reference_range" json:"reference_range,omitempty"`
	Flag           string    `db:"flag" json:"flag,omitempty"`
	EnteredBy      string    `db:"entered_by" json:"entered_by,omitempty"`
	EnteredAt      time.Time `db:"entered_at" json:"entered_at"`
}

type ItemHistory struct {
	ID          uuid.UUID `db:"id" json:"id"`
	TenantID    string    `db:"tenant_id" json:"tenant_id"`
	OrderItemID uuid.UUID `db:"order_item_id" json:"order_item_id"`
	FromStatus  *string   `db:"from_status" json:"from_status,omitempty"`
	ToStatus    string    `db:"to_status" json:"to_status"`
	Reason      string    `db:"reason" json:"reason,omitempty"`
	ChangedBy   string    `db:"changed_by" json:"changed_by,omitempty"`
	ChangedAt   time.Time `db:"changed_at" json:"changed_at"`
}

// ResultInput is one value supplied by the caller.
type ResultInput struct {
	ParameterID uuid.UUID `json:"parameter_id"`
	Value       string    `json:"value"`
}

// PendingItem describes an order item that blocks finalize or publish.
type PendingItem struct {
	ID       uuid.UUID `json:"id"`
	TestCode string    `json:"test_code"`
	TestName string    `json:"test_name"`
	Status   string    `json:"status"`
}

// PendingItems returns the items that are not VERIFIED.
func PendingItems(items []*OrderItem) []PendingItem {
	var pending []PendingItem
	for _, it := range items {
		if it.Status != StatusVerified {
			pending = append(pending, PendingItem{ID: it.ID, TestCode: it.TestCode, TestName: it.TestName, Status: it.Status})
		}
	}
	return pending
}
