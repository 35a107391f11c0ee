package encounter

import (
	"context"
	"errors"
	"fmt"
	"strings"

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

const encCols = `id, tenant_id, patient_id, type, status, finalized_at, documented_at,
	COALESCE(created_by, ''), created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, enc *Encounter) error {
	enc.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO encounter (id, tenant_id, patient_id, type, status, created_by)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		enc.ID, enc.TenantID, enc.PatientID, enc.Type, enc.Status, enc.CreatedBy,
	).Scan(&enc.CreatedAt, &enc.UpdatedAt)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Encounter, error) {
	return scanEnc(r.conn(ctx).QueryRow(ctx,
		`SELECT `+encCols+` FROM encounter WHERE id = $1 AND tenant_id = $2`, id, tenantID))
}

func (r *repoPG) GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Encounter, error) {
	return scanEnc(r.conn(ctx).QueryRow(ctx,
		`SELECT `+encCols+` FROM encounter WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, tenantID))
}

func (r *repoPG) UpdateStatus(ctx context.Context, enc *Encounter) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE encounter SET status = $3, finalized_at = $4, documented_at = $5, updated_at = $6
		WHERE id = $1 AND tenant_id = $2`,
		enc.ID, enc.TenantID, enc.Status, enc.FinalizedAt, enc.DocumentedAt, enc.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("encounter")
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, tenantID string, f ListFilter, limit, offset int) ([]*Encounter, int, error) {
	where := []string{"tenant_id = $1"}
	args := []interface{}{tenantID}
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("patient_id", f.PatientID)
	add("status", f.Status)
	add("type", f.Type)
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM encounter WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT `+encCols+` FROM encounter WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, clause, n+1, n+2),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectEncs(rows, total)
}

func (r *repoPG) AddStatusHistory(ctx context.Context, sh *StatusHistory) error {
	sh.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO encounter_status_history (id, tenant_id, encounter_id, from_status, to_status, changed_by, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		sh.ID, sh.TenantID, sh.EncounterID, sh.FromStatus, sh.ToStatus, sh.ChangedBy, sh.ChangedAt,
	)
	return err
}

func (r *repoPG) GetStatusHistory(ctx context.Context, tenantID string, encounterID uuid.UUID) ([]*StatusHistory, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, tenant_id, encounter_id, from_status, to_status, COALESCE(changed_by, ''), changed_at
		FROM encounter_status_history WHERE encounter_id = $1 AND tenant_id = $2 ORDER BY changed_at`,
		encounterID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*StatusHistory
	for rows.Next() {
		var sh StatusHistory
		if err := rows.Scan(&sh.ID, &sh.TenantID, &sh.EncounterID, &sh.FromStatus, &sh.ToStatus, &sh.ChangedBy, &sh.ChangedAt); err != nil {
			return nil, err
		}
		history = append(history, &sh)
	}
	return history, rows.Err()
}

func scanEnc(row pgx.Row) (*Encounter, error) {
	var e Encounter
	err := row.Scan(&e.ID, &e.TenantID, &e.PatientID, &e.Type, &e.Status,
		&e.FinalizedAt, &e.DocumentedAt, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("encounter")
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEncs(rows pgx.Rows, total int) ([]*Encounter, int, error) {
	var encs []*Encounter
	for rows.Next() {
		e, err := scanEnc(rows)
		if err != nil {
			return nil, 0, err
		}
		encs = append(encs, e)
	}
	return encs, total, rows.Err()
}
