package laborder

import (
	"context"

	"github.com/google/uuid"
)

type TestRepository interface {
	// Create inserts the test and its parameters.
	Create(ctx context.Context, t *LabTest) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*LabTest, error)
	List(ctx context.Context, tenantID string, activeOnly bool, limit, offset int) ([]*LabTest, int, error)
}

type ItemRepository interface {
	Create(ctx context.Context, item *OrderItem) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*OrderItem, error)
	GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*OrderItem, error)
	Update(ctx context.Context, item *OrderItem) error
	Delete(ctx context.Context, tenantID string, id uuid.UUID) error
	ListByEncounter(ctx context.Context, tenantID string, encounterID uuid.UUID) ([]*OrderItem, error)
}

type ResultRepository interface {
	Upsert(ctx context.Context, r *ParameterResult) error
	ListByItem(ctx context.Context, tenantID string, itemID uuid.UUID) ([]*ParameterResult, error)
}

type HistoryRepository interface {
	Create(ctx context.Context, h *ItemHistory) error
	ListByItem(ctx context.Context, tenantID string, itemID uuid.UUID) ([]*ItemHistory, error)
}
