package laborder

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// =========== Lab Test Catalog Repository ===========

type testRepoPG struct{ pool *pgxpool.Pool }

func NewTestRepoPG(pool *pgxpool.Pool) TestRepository {
	return &testRepoPG{pool: pool}
}

func (r *testRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const testCols = `id, tenant_id, code, name, active, created_at`

const paramCols = `id, tenant_id, test_id, name, COALESCE(unit, ''), reference_low, reference_high,
	COALESCE(reference_text, ''), sort_order`

func (r *testRepoPG) Create(ctx context.Context, t *LabTest) error {
	t.ID = uuid.New()
	q := r.conn(ctx)
	err := q.QueryRow(ctx, `
		INSERT INTO lab_test (id, tenant_id, code, name, active)
		VALUES ($1,$2,$3,$4,$5) RETURNING created_at`,
		t.ID, t.TenantID, t.Code, t.Name, t.Active,
	).Scan(&t.CreatedAt)
	if err != nil {
		return err
	}
	for _, p := range t.Parameters {
		p.ID = uuid.New()
		p.TestID = t.ID
		p.TenantID = t.TenantID
		_, err := q.Exec(ctx, `
			INSERT INTO lab_test_parameter (id, tenant_id, test_id, name, unit, reference_low, reference_high, reference_text, sort_order)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			p.ID, p.TenantID, p.TestID, p.Name, p.Unit, p.ReferenceLow, p.ReferenceHigh, p.ReferenceText, p.SortOrder,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *testRepoPG) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*LabTest, error) {
	var t LabTest
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+testCols+` FROM lab_test WHERE id = $1 AND tenant_id = $2`, id, tenantID).
		Scan(&t.ID, &t.TenantID, &t.Code, &t.Name, &t.Active, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("lab test")
	}
	if err != nil {
		return nil, err
	}
	if t.Parameters, err = r.parameters(ctx, tenantID, t.ID); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *testRepoPG) List(ctx context.Context, tenantID string, activeOnly bool, limit, offset int) ([]*LabTest, int, error) {
	filter := `tenant_id = $1`
	if activeOnly {
		filter += ` AND active`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_test WHERE `+filter, tenantID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+testCols+` FROM lab_test WHERE `+filter+` ORDER BY code LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tests []*LabTest
	for rows.Next() {
		var t LabTest
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Code, &t.Name, &t.Active, &t.CreatedAt); err != nil {
			return nil, 0, err
		}
		tests = append(tests, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	rows.Close()

	for _, t := range tests {
		if t.Parameters, err = r.parameters(ctx, tenantID, t.ID); err != nil {
			return nil, 0, err
		}
	}
	return tests, total, nil
}

func (r *testRepoPG) parameters(ctx context.Context, tenantID string, testID uuid.UUID) ([]*Parameter, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+paramCols+` FROM lab_test_parameter
		WHERE test_id = $1 AND tenant_id = $2 ORDER BY sort_order, name`, testID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var params []*Parameter
	for rows.Next() {
		var p Parameter
		if err := rows.Scan(&p.ID, &p.TenantID, &p.TestID, &p.Name, &p.Unit,
			&p.ReferenceLow, &p.ReferenceHigh, &p.ReferenceText, &p.SortOrder); err != nil {
			return nil, err
		}
		params = append(params, &p)
	}
	return params, rows.Err()
}

// =========== Order Item Repository ===========

type itemRepoPG struct{ pool *pgxpool.Pool }

func NewItemRepoPG(pool *pgxpool.Pool) ItemRepository {
	return &itemRepoPG{pool: pool}
}

func (r *itemRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const itemCols = `id, tenant_id, encounter_id, test_id, test_code, test_name, status,
	sample_collected_at, COALESCE(sample_collected_by, ''), sample_received_at, COALESCE(sample_received_by, ''),
	results_entered_at, COALESCE(results_entered_by, ''), verified_at, COALESCE(verified_by, ''),
	created_at, updated_at`

func (r *itemRepoPG) scanItem(row pgx.Row) (*OrderItem, error) {
	var it OrderItem
	err := row.Scan(&it.ID, &it.TenantID, &it.EncounterID, &it.TestID, &it.TestCode, &it.TestName, &it.Status,
		&it.SampleCollectedAt, &it.SampleCollectedBy, &it.SampleReceivedAt, &it.SampleReceivedBy,
		&it.ResultsEnteredAt, &it.ResultsEnteredBy, &it.VerifiedAt, &it.VerifiedBy,
		&it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("lab order item")
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *itemRepoPG) Create(ctx context.Context, it *OrderItem) error {
	it.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_order_item (id, tenant_id, encounter_id, test_id, test_code, test_name, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING created_at, updated_at`,
		it.ID, it.TenantID, it.EncounterID, it.TestID, it.TestCode, it.TestName, it.Status,
	).Scan(&it.CreatedAt, &it.UpdatedAt)
}

func (r *itemRepoPG) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*OrderItem, error) {
	return r.scanItem(r.conn(ctx).QueryRow(ctx,
		`SELECT `+itemCols+` FROM lab_order_item WHERE id = $1 AND tenant_id = $2`, id, tenantID))
}

func (r *itemRepoPG) GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*OrderItem, error) {
	return r.scanItem(r.conn(ctx).QueryRow(ctx,
		`SELECT `+itemCols+` FROM lab_order_item WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, tenantID))
}

func (r *itemRepoPG) Update(ctx context.Context, it *OrderItem) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_order_item SET status = $3,
			sample_collected_at = $4, sample_collected_by = NULLIF($5, ''),
			sample_received_at = $6, sample_received_by = NULLIF($7, ''),
			results_entered_at = $8, results_entered_by = NULLIF($9, ''),
			verified_at = $10, verified_by = NULLIF($11, ''),
			updated_at = $12
		WHERE id = $1 AND tenant_id = $2`,
		it.ID, it.TenantID, it.Status,
		it.SampleCollectedAt, it.SampleCollectedBy, it.SampleReceivedAt, it.SampleReceivedBy,
		it.ResultsEnteredAt, it.ResultsEnteredBy, it.VerifiedAt, it.VerifiedBy,
		it.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("lab order item")
	}
	return nil
}

func (r *itemRepoPG) Delete(ctx context.Context, tenantID string, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM lab_order_item WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	return err
}

func (r *itemRepoPG) ListByEncounter(ctx context.Context, tenantID string, encounterID uuid.UUID) ([]*OrderItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+itemCols+` FROM lab_order_item
		WHERE encounter_id = $1 AND tenant_id = $2 ORDER BY created_at, test_code`, encounterID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*OrderItem
	for rows.Next() {
		it, err := r.scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// =========== Parameter Result Repository ===========

type resultRepoPG struct{ pool *pgxpool.Pool }

func NewResultRepoPG(pool *pgxpool.Pool) ResultRepository {
	return &resultRepoPG{pool: pool}
}

func (r *resultRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *resultRepoPG) Upsert(ctx context.Context, res *ParameterResult) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO lab_parameter_result (tenant_id, order_item_id, parameter_id, value, unit, reference_range, flag, entered_by, entered_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (order_item_id, parameter_id) DO UPDATE SET
			value = EXCLUDED.value, unit = EXCLUDED.unit, reference_range = EXCLUDED.reference_range,
			flag = EXCLUDED.flag, entered_by = EXCLUDED.entered_by, entered_at = EXCLUDED.entered_at`,
		res.TenantID, res.OrderItemID, res.ParameterID, res.Value, res.Unit, res.ReferenceRange, res.Flag,
		res.EnteredBy, res.EnteredAt,
	)
	return err
}

func (r *resultRepoPG) ListByItem(ctx context.Context, tenantID string, itemID uuid.UUID) ([]*ParameterResult, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT r.tenant_id, r.order_item_id, r.parameter_id, p.name, p.sort_order, r.value,
			COALESCE(r.unit, ''), COALESCE(r.reference_range, ''), r.flag, COALESCE(r.entered_by, ''), r.entered_at
		FROM lab_parameter_result r
		JOIN lab_test_parameter p ON p.id = r.parameter_id
		WHERE r.order_item_id = $1 AND r.tenant_id = $2
		ORDER BY p.sort_order, p.name`, itemID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*ParameterResult
	for rows.Next() {
		var res ParameterResult
		if err := rows.Scan(&res.TenantID, &res.OrderItemID, &res.ParameterID, &res.ParameterName, &res.SortOrder,
			&res.Value, &res.Unit, &res.ReferenceRange, &res.Flag, &res.EnteredBy, &res.EnteredAt); err != nil {
			return nil, err
		}
		results = append(results, &res)
	}
	return results, rows.Err()
}

// =========== Order Item History Repository ===========

type historyRepoPG struct{ pool *pgxpool.Pool }

func NewHistoryRepoPG(pool *pgxpool.Pool) HistoryRepository {
	return &historyRepoPG{pool: pool}
}

func (r *historyRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *historyRepoPG) Create(ctx context.Context, h *ItemHistory) error {
	h.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO lab_order_item_history (id, tenant_id, order_item_id, from_status, to_status, reason, changed_by, changed_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6, ''),$7,$8)`,
		h.ID, h.TenantID, h.OrderItemID, h.FromStatus, h.ToStatus, h.Reason, h.ChangedBy, h.ChangedAt,
	)
	return err
}

func (r *historyRepoPG) ListByItem(ctx context.Context, tenantID string, itemID uuid.UUID) ([]*ItemHistory, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, tenant_id, order_item_id, from_status, to_status, COALESCE(reason, ''), COALESCE(changed_by, ''), changed_at
		FROM lab_order_item_history WHERE order_item_id = $1 AND tenant_id = $2 ORDER BY changed_at`, itemID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*ItemHistory
	for rows.Next() {
		var h ItemHistory
		if err := rows.Scan(&h.ID, &h.TenantID, &h.OrderItemID, &h.FromStatus, &h.ToStatus, &h.Reason, &h.ChangedBy, &h.ChangedAt); err != nil {
			return nil, err
		}
		history = append(history, &h)
	}
	return history, rows.Err()
}
