package encounter

import (
	"time"

	"github.com/google/uuid"
)

const (
	TypeLab          = "LAB"
	TypeConsultation = "CONSULTATION"
)

const (
	StatusRegistered = "REGISTERED"
	StatusOrdered    = "ORDERED"
	StatusInProgress = "IN_PROGRESS"
	StatusFinalized  = "FINALIZED"
	StatusDocumented = "DOCUMENTED"
	StatusCancelled  = "CANCELLED"
)

// transitions lists the statuses reachable from each status. Status only
// advances; DOCUMENTED is reachable from FINALIZED alone.
var transitions = map[string][]string{
	StatusRegistered: {StatusOrdered, StatusInProgress, StatusCancelled},
	StatusOrdered:    {StatusInProgress, StatusFinalized, StatusCancelled},
	StatusInProgress: {StatusFinalized, StatusCancelled},
	StatusFinalized:  {StatusDocumented},
	StatusDocumented: {},
	StatusCancelled:  {},
}

// CanTransition reports whether an encounter in status from may move to to.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsClosed reports whether no further clinical work may be attached.
func IsClosed(status string) bool {
	switch status {
	case StatusFinalized, StatusDocumented, StatusCancelled:
		return true
	}
	return false
}

// ValidType reports whether t is a known encounter type.
func ValidType(t string) bool {
	return t == TypeLab || t == TypeConsultation
}

// Encounter is a patient visit. Lab encounters carry lab order items.
type Encounter struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	TenantID     string     `db:"tenant_id" json:"tenant_id"`
	PatientID    string     `db:"patient_id" json:"patient_id"`
	Type         string     `db:"type" json:"type"`
	Status       string     `db:"status" json:"status"`
	FinalizedAt  *time.Time `db:"finalized_at" json:"finalized_at,omitempty"`
	DocumentedAt *time.Time `db:"documented_at" json:"documented_at,omitempty"`
	CreatedBy    string     `db:"created_by" json:"created_by,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

type StatusHistory struct {
	ID          uuid.UUID `db:"id" json:"id"`
	TenantID    string    `db:"tenant_id" json:"tenant_id"`
	EncounterID uuid.UUID `db:"encounter_id" json:"encounter_id"`
	FromStatus  *string   `db:"from_status" json:"from_status,omitempty"`
	ToStatus    string    `db:"to_status" json:"to_status"`
	ChangedBy   string    `db:"changed_by" json:"changed_by,omitempty"`
	ChangedAt   time.Time `db:"changed_at" json:"changed_at"`
}

// ListFilter narrows List results. Empty fields match everything.
type ListFilter struct {
	PatientID string
	Status    string
	Type      string
}
