package document

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const docCols = `id, tenant_id, encounter_id, document_type, payload_json, payload_hash,
	payload_version, template_version, status, COALESCE(storage_backend, ''), COALESCE(storage_key, ''),
	COALESCE(pdf_hash, ''), rendered_at, COALESCE(error_code, ''), COALESCE(error_message, ''),
	COALESCE(requested_by, ''), created_at, updated_at`

func scanDoc(row pgx.Row) (*Document, error) {
	var d Document
	var payload string
	err := row.Scan(&d.ID, &d.TenantID, &d.EncounterID, &d.DocumentType, &payload, &d.PayloadHash,
		&d.PayloadVersion, &d.TemplateVersion, &d.Status, &d.StorageBackend, &d.StorageKey,
		&d.PDFHash, &d.RenderedAt, &d.ErrorCode, &d.ErrorMessage,
		&d.RequestedBy, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("document")
	}
	if err != nil {
		return nil, err
	}
	d.PayloadJSON = json.RawMessage(payload)
	return &d, nil
}

func (r *repoPG) Create(ctx context.Context, d *Document) error {
	d.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO document (id, tenant_id, encounter_id, document_type, payload_json, payload_hash,
			payload_version, template_version, status, requested_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		d.ID, d.TenantID, d.EncounterID, d.DocumentType, string(d.PayloadJSON), d.PayloadHash,
		d.PayloadVersion, d.TemplateVersion, d.Status, d.RequestedBy,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Document, error) {
	return scanDoc(r.conn(ctx).QueryRow(ctx,
		`SELECT `+docCols+` FROM document WHERE id = $1 AND tenant_id = $2`, id, tenantID))
}

func (r *repoPG) GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Document, error) {
	return scanDoc(r.conn(ctx).QueryRow(ctx,
		`SELECT `+docCols+` FROM document WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, tenantID))
}

func (r *repoPG) ListByEncounter(ctx context.Context, tenantID string, encounterID uuid.UUID) ([]*Document, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+docCols+` FROM document
		WHERE encounter_id = $1 AND tenant_id = $2 ORDER BY created_at DESC`, encounterID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (r *repoPG) FindLatest(ctx context.Context, tenantID string, encounterID uuid.UUID, docType, status, payloadHash string) (*Document, error) {
	d, err := scanDoc(r.conn(ctx).QueryRow(ctx, `SELECT `+docCols+` FROM document
		WHERE encounter_id = $1 AND tenant_id = $2 AND document_type = $3 AND status = $4
			AND ($5::text = '' OR payload_hash = $5::text)
		ORDER BY created_at DESC LIMIT 1`,
		encounterID, tenantID, docType, status, payloadHash))
	if apperr.IsNotFound(err) {
		return nil, nil
	}
	return d, err
}

func (r *repoPG) MarkRendered(ctx context.Context, d *Document) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE document SET status = $3, storage_backend = $4, storage_key = $5, pdf_hash = $6,
			rendered_at = $7, error_code = NULL, error_message = NULL, updated_at = $8
		WHERE id = $1 AND tenant_id = $2 AND status = 'QUEUED'`,
		d.ID, d.TenantID, StatusRendered, d.StorageBackend, d.StorageKey, d.PDFHash, d.RenderedAt, d.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) MarkFailed(ctx context.Context, tenantID string, id uuid.UUID, code, message string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE document SET status = $3, error_code = $4, error_message = $5, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = 'QUEUED'`,
		id, tenantID, StatusFailed, code, TruncateMessage(message),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
