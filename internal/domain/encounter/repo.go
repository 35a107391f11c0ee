package encounter

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists encounters. Every method is scoped by tenant and
// returns an apperr not-found error for rows outside the tenant.
type Repository interface {
	Create(ctx context.Context, enc *Encounter) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Encounter, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Encounter, error)
	UpdateStatus(ctx context.Context, enc *Encounter) error
	List(ctx context.Context, tenantID string, f ListFilter, limit, offset int) ([]*Encounter, int, error)
	AddStatusHistory(ctx context.Context, h *StatusHistory) error
	GetStatusHistory(ctx context.Context, tenantID string, encounterID uuid.UUID) ([]*StatusHistory, error)
}
