package document

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, d *Document) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Document, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Document, error)
	ListByEncounter(ctx context.Context, tenantID string, encounterID uuid.UUID) ([]*Document, error)
	// FindLatest returns the newest document of the encounter and type in
	// status, optionally matching payloadHash. It returns nil, nil when there
	// is none.
	FindLatest(ctx context.Context, tenantID string, encounterID uuid.UUID, docType, status, payloadHash string) (*Document, error)
	// MarkRendered records the stored artifact. It only applies while the
	// document is QUEUED and reports whether it did.
	MarkRendered(ctx context.Context, d *Document) (bool, error)
	// MarkFailed moves a QUEUED document to FAILED and reports whether it did.
	MarkFailed(ctx context.Context, tenantID string, id uuid.UUID, code, message string) (bool, error)
}
