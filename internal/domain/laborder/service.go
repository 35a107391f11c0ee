package laborder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/encounter"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/telemetry"
	"github.com/lims/lims/internal/platform/trace"
)

// Encounters is the part of the encounter service the lab workflow drives.
type Encounters interface {
	GetEncounter(ctx context.Context, id uuid.UUID) (*encounter.Encounter, error)
	Lock(ctx context.Context, tenantID string, id uuid.UUID) (*encounter.Encounter, error)
	Transition(ctx context.Context, enc *encounter.Encounter, to string) error
}

type Service struct {
	tests      TestRepository
	items      ItemRepository
	results    ResultRepository
	history    HistoryRepository
	encounters Encounters
	tx         db.Transactor
	metrics    *telemetry.Metrics
	sink       *trace.Sink
	now        func() time.Time
}

func NewService(tests TestRepository, items ItemRepository, results ResultRepository, history HistoryRepository, encounters Encounters, tx db.Transactor) *Service {
	return &Service{
		tests:      tests,
		items:      items,
		results:    results,
		history:    history,
		encounters: encounters,
		tx:         tx,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetMetrics attaches optional workflow counters.
func (s *Service) SetMetrics(m *telemetry.Metrics) {
	s.metrics = m
}

// SetTraceSink attaches the workflow trace file.
func (s *Service) SetTraceSink(sink *trace.Sink) {
	s.sink = sink
}

// -- Catalog --

func (s *Service) CreateTest(ctx context.Context, t *LabTest) error {
	tid, err := encounter.TenantID(ctx)
	if err != nil {
		return err
	}
	t.Code = strings.TrimSpace(t.Code)
	t.Name = strings.TrimSpace(t.Name)
	if t.Code == "" {
		return apperr.Validation("code is required")
	}
	if t.Name == "" {
		return apperr.Validation("name is required")
	}
	if len(t.Parameters) == 0 {
		return apperr.Validation("at least one parameter is required")
	}
	seen := make(map[string]bool, len(t.Parameters))
	for i, p := range t.Parameters {
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return apperr.Validation("parameter %d: name is required", i)
		}
		if seen[strings.ToLower(p.Name)] {
			return apperr.Validation("duplicate parameter %q", p.Name)
		}
		seen[strings.ToLower(p.Name)] = true
		if p.ReferenceLow != nil && p.ReferenceHigh != nil && *p.ReferenceLow > *p.ReferenceHigh {
			return apperr.Validation("parameter %q: reference_low exceeds reference_high", p.Name)
		}
		if p.SortOrder == 0 {
			p.SortOrder = i + 1
		}
	}
	t.TenantID = tid
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		return s.tests.Create(ctx, t)
	})
}

func (s *Service) GetTest(ctx context.Context, id uuid.UUID) (*LabTest, error) {
	tid, err := encounter.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	return s.tests.GetByID(ctx, tid, id)
}

func (s *Service) ListTests(ctx context.Context, activeOnly bool, limit, offset int) ([]*LabTest, int, error) {
	tid, err := encounter.TenantID(ctx)
	if err != nil {
		return nil, 0, err
	}
	return s.tests.List(ctx, tid, activeOnly, limit, offset)
}

// -- Order entry --

// AddTest orders a catalog test on a lab encounter. The first item moves the
// encounter from REGISTERED to ORDERED.
func (s *Service) AddTest(ctx context.Context, encounterID, testID uuid.UUID) (*OrderItem, error) {
	tid, err := encounter.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	var item *OrderItem
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		enc, err := s.encounters.Lock(ctx, tid, encounterID)
		if err != nil {
			return err
		}
		if err := requireOpenLab(enc); err != nil {
			return err
		}
		test, err := s.tests.GetByID(ctx, tid, testID)
		if err != nil {
			return err
		}
		if !test.Active {
			return apperr.Conflict(apperr.CodeLabTestInactive, "lab test "+test.Code+" is inactive").
				With("testCode", test.Code)
		}

		item = &OrderItem{
			TenantID:    tid,
			EncounterID: enc.ID,
			TestID:      test.ID,
			TestCode:    test.Code,
			TestName:    test.Name,
			Status:      StatusOrdered,
		}
		if err := s.items.Create(ctx, item); err != nil {
			return fmt.Errorf("create lab order item: %w", err)
		}
		if err := s.record(ctx, item, nil, StatusOrdered, "ordered"); err != nil {
			return err
		}
		if enc.Status == encounter.StatusRegistered {
			return s.encounters.Transition(ctx, enc, encounter.StatusOrdered)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveLabTransition(StatusOrdered)
	return item, nil
}

// RemoveTest deletes an order item that has no results yet.
func (s *Service) RemoveTest(ctx context.Context, encounterID, itemID uuid.UUID) error {
	tid, err := encounter.TenantID(ctx)
	if err != nil {
		return err
	}
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		enc, err := s.encounters.Lock(ctx, tid, encounterID)
		if err != nil {
			return err
		}
		if encounter.IsClosed(enc.Status) {
			return closedError(enc)
		}
		item, err := s.items.GetForUpdate(ctx, tid, itemID)
		if err != nil {
			return err
		}
		if item.EncounterID != enc.ID {
			return apperr.NotFound("lab order item")
		}
		if item.Status == StatusVerified {
			return alreadyVerified(item)
		}
		results, err := s.results.ListByItem(ctx, tid, item.ID)
		if err != nil {
			return err
		}
		if item.Status != StatusOrdered || hasValues(results) {
			return apperr.Conflict(apperr.CodeLabItemHasResults, "lab order item "+item.TestCode+" already has results").
				With("itemId", item.ID)
		}
		return s.items.Delete(ctx, tid, item.ID)
	})
}

func (s *Service) ListItems(ctx context.Context, encounterID uuid.UUID) ([]*OrderItem, error) {
	tid, err := encounter.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.encounters.GetEncounter(ctx, encounterID); err != nil {
		return nil, err
	}
	return s.ItemsWithResults(ctx, tid, encounterID)
}

// ItemsWithResults loads every order item of the encounter with its results.
func (s *Service) ItemsWithResults(ctx context.Context, tenantID string, encounterID uuid.UUID) ([]*OrderItem, error) {
	items, err := s.items.ListByEncounter(ctx, tenantID, encounterID)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.Results, err = s.results.ListByItem(ctx, tenantID, it.ID); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (s *Service) GetItem(ctx context.Context, itemID uuid.UUID) (*OrderItem, error) {
	tid, err := encounter.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	item, err := s.items.GetByID(ctx, tid, itemID)
	if err != nil {
		return nil, err
	}
	if item.Results, err = s.results.ListByItem(ctx, tid, item.ID); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Service) GetItemHistory(ctx context.Context, itemID uuid.UUID) ([]*ItemHistory, error) {
	tid, err := encounter.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.items.GetByID(ctx, tid, itemID); err != nil {
		return nil, err
	}
	return s.history.ListByItem(ctx, tid, itemID)
}

// -- Sample tracking --

func (s *Service) CollectSample(ctx context.Context, itemID uuid.UUID) (*OrderItem, error) {
	return s.mutateItem(ctx, itemID, func(ctx context.Context, enc *encounter.Encounter, item *OrderItem) error {
		if item.Status != StatusOrdered {
			return ValidateTransition(item.Status, StatusOrdered)
		}
		if item.SampleCollectedAt != nil {
			return nil
		}
		now := s.now()
		item.SampleCollectedAt = &now
		item.SampleCollectedBy = auth.Actor(ctx)
		if err := s.saveItem(ctx, item, StatusOrdered, "sample collected"); err != nil {
			return err
		}
		return s.startWork(ctx, enc)
	})
}

func (s *Service) ReceiveSample(ctx context.Context, itemID uuid.UUID) (*OrderItem, error) {
	return s.mutateItem(ctx, itemID, func(ctx context.Context, enc *encounter.Encounter, item *OrderItem) error {
		if item.Status != StatusOrdered {
			return ValidateTransition(item.Status, StatusOrdered)
		}
		if item.SampleCollectedAt == nil {
			return apperr.Conflict(apperr.CodeLabSampleNotCollected, "sample for "+item.TestCode+" has not been collected").
				With("itemId", item.ID)
		}
		if item.SampleReceivedAt != nil {
			return nil
		}
		now := s.now()
		item.SampleReceivedAt = &now
		item.SampleReceivedBy = auth.Actor(ctx)
		if err := s.saveItem(ctx, item, StatusOrdered, "sample received"); err != nil {
			return err
		}
		return s.startWork(ctx, enc)
	})
}

// -- Results --

// EnterResults saves the supplied values. With complete set every parameter
// must end up with a value and the item moves to RESULTS_ENTERED; otherwise
// the values are a draft and a corrected item that loses a value drops back
// to ORDERED. Nothing is written when the request is rejected.
func (s *Service) EnterResults(ctx context.Context, itemID uuid.UUID, inputs []ResultInput, complete bool) (*OrderItem, error) {
	if len(inputs) == 0 && !complete {
		return nil, apperr.Validation("no result values supplied")
	}
	return s.mutateItem(ctx, itemID, func(ctx context.Context, enc *encounter.Encounter, item *OrderItem) error {
		test, err := s.tests.GetByID(ctx, item.TenantID, item.TestID)
		if err != nil {
			return err
		}
		params := make(map[uuid.UUID]*Parameter, len(test.Parameters))
		for _, p := range test.Parameters {
			params[p.ID] = p
		}

		existing, err := s.results.ListByItem(ctx, item.TenantID, item.ID)
		if err != nil {
			return err
		}
		values := make(map[uuid.UUID]string, len(params))
		for _, r := range existing {
			values[r.ParameterID] = r.Value
		}

		supplied := make(map[uuid.UUID]string, len(inputs))
		var order []uuid.UUID
		for _, in := range inputs {
			if _, ok := params[in.ParameterID]; !ok {
				return apperr.Conflict(apperr.CodeLabInvalidParameter, "parameter does not belong to "+item.TestCode).
					With("parameterId", in.ParameterID)
			}
			if _, dup := supplied[in.ParameterID]; !dup {
				order = append(order, in.ParameterID)
			}
			supplied[in.ParameterID] = strings.TrimSpace(in.Value)
			values[in.ParameterID] = supplied[in.ParameterID]
		}

		missing := missingParameters(test.Parameters, values)
		if complete && len(missing) > 0 {
			return apperr.Conflict(apperr.CodeLabResultsIncomplete,
				fmt.Sprintf("%d parameter(s) of %s have no value", len(missing), item.TestCode)).
				With("missingParameters", missing)
		}

		now := s.now()
		actor := auth.Actor(ctx)
		for _, id := range order {
			p := params[id]
			v := supplied[id]
			res := &ParameterResult{
				TenantID:       item.TenantID,
				OrderItemID:    item.ID,
				ParameterID:    id,
				Value:          v,
				Unit:           p.Unit,
				ReferenceRange: p.ReferenceRange(),
				Flag:           p.Flag(v),
				EnteredBy:      actor,
				EnteredAt:      now,
			}
			if err := s.results.Upsert(ctx, res); err != nil {
				return fmt.Errorf("save result: %w", err)
			}
		}

		next := item.Status
		switch {
		case complete:
			next = StatusResultsEntered
		case item.Status == StatusResultsEntered && len(missing) > 0:
			next = StatusOrdered
		}
		if next == StatusResultsEntered {
			item.ResultsEnteredAt = &now
			item.ResultsEnteredBy = actor
		} else {
			item.ResultsEnteredAt = nil
			item.ResultsEnteredBy = ""
		}

		reason := "results saved"
		if item.Status == StatusResultsEntered {
			reason = "results corrected"
		}
		if err := s.saveItem(ctx, item, next, reason); err != nil {
			return err
		}
		if len(order) > 0 {
			return s.startWork(ctx, enc)
		}
		return nil
	})
}

// Verify signs off a RESULTS_ENTERED item. Verified values are immutable.
func (s *Service) Verify(ctx context.Context, itemID uuid.UUID) (_ *OrderItem, err error) {
	ctx, end := s.sink.Span(ctx, "lab_item.verify", trace.Fields{"itemId": itemID.String()})
	defer func() { end(err) }()

	return s.mutateItem(ctx, itemID, func(ctx context.Context, _ *encounter.Encounter, item *OrderItem) error {
		test, err := s.tests.GetByID(ctx, item.TenantID, item.TestID)
		if err != nil {
			return err
		}
		results, err := s.results.ListByItem(ctx, item.TenantID, item.ID)
		if err != nil {
			return err
		}
		values := make(map[uuid.UUID]string, len(results))
		for _, r := range results {
			values[r.ParameterID] = r.Value
		}
		if missing := missingParameters(test.Parameters, values); len(missing) > 0 {
			return apperr.Conflict(apperr.CodeLabResultsIncomplete,
				fmt.Sprintf("%d parameter(s) of %s have no value", len(missing), item.TestCode)).
				With("missingParameters", missing)
		}
		if err := ValidateTransition(item.Status, StatusVerified); err != nil {
			return err
		}

		now := s.now()
		item.VerifiedAt = &now
		item.VerifiedBy = auth.Actor(ctx)
		return s.saveItem(ctx, item, StatusVerified, "verified")
	})
}

// -- Encounter sign-off --

// Finalize closes a lab encounter once every order item is VERIFIED. An
// encounter that is already FINALIZED or DOCUMENTED is returned unchanged.
func (s *Service) Finalize(ctx context.Context, encounterID uuid.UUID) (enc *encounter.Encounter, err error) {
	tid, err := encounter.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	ctx, end := s.sink.Span(ctx, "encounter.finalize", trace.Fields{"encounterId": encounterID.String()})
	defer func() { end(err) }()

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		enc, err = s.encounters.Lock(ctx, tid, encounterID)
		if err != nil {
			return err
		}
		if enc.Status == encounter.StatusFinalized || enc.Status == encounter.StatusDocumented {
			return nil
		}
		items, err := s.items.ListByEncounter(ctx, tid, enc.ID)
		if err != nil {
			return err
		}
		if err := UnverifiedError(items); err != nil {
			return err
		}
		return s.encounters.Transition(ctx, enc, encounter.StatusFinalized)
	})
	if err != nil {
		return nil, err
	}
	return enc, nil
}

// UnverifiedError returns ENCOUNTER_FINALIZE_BLOCKED_UNVERIFIED_LAB listing
// the pending items, or nil when every item is VERIFIED.
func UnverifiedError(items []*OrderItem) error {
	pending := PendingItems(items)
	if len(pending) == 0 {
		return nil
	}
	names := make([]string, len(pending))
	for i, p := range pending {
		names[i] = p.TestCode
	}
	return apperr.Conflict(apperr.CodeFinalizeBlockedUnverified,
		fmt.Sprintf("%d lab item(s) not verified: %s", len(pending), strings.Join(names, ", "))).
		With("pendingItems", pending)
}

// -- helpers --

// mutateItem locks the encounter, then the item, and runs fn inside one
// transaction. Verified items and closed encounters are rejected first.
func (s *Service) mutateItem(ctx context.Context, itemID uuid.UUID, fn func(ctx context.Context, enc *encounter.Encounter, item *OrderItem) error) (*OrderItem, error) {
	tid, err := encounter.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	var item *OrderItem
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.items.GetByID(ctx, tid, itemID)
		if err != nil {
			return err
		}
		enc, err := s.encounters.Lock(ctx, tid, current.EncounterID)
		if err != nil {
			return err
		}
		item, err = s.items.GetForUpdate(ctx, tid, itemID)
		if err != nil {
			return err
		}
		if item.Status == StatusVerified {
			return alreadyVerified(item)
		}
		if encounter.IsClosed(enc.Status) {
			return closedError(enc)
		}
		return fn(ctx, enc, item)
	})
	if err != nil {
		return nil, err
	}
	if item.Results, err = s.results.ListByItem(ctx, tid, item.ID); err != nil {
		return nil, err
	}
	return item, nil
}

// saveItem persists item in status to and records a history row.
func (s *Service) saveItem(ctx context.Context, item *OrderItem, to, reason string) error {
	from := item.Status
	if from != to {
		if err := ValidateTransition(from, to); err != nil {
			return err
		}
	}
	item.Status = to
	item.UpdatedAt = s.now()
	if err := s.items.Update(ctx, item); err != nil {
		return fmt.Errorf("update lab order item: %w", err)
	}
	if err := s.record(ctx, item, &from, to, reason); err != nil {
		return err
	}
	if from != to {
		s.metrics.ObserveLabTransition(to)
	}
	return nil
}

func (s *Service) record(ctx context.Context, item *OrderItem, from *string, to, reason string) error {
	return s.history.Create(ctx, &ItemHistory{
		TenantID:    item.TenantID,
		OrderItemID: item.ID,
		FromStatus:  from,
		ToStatus:    to,
		Reason:      reason,
		ChangedBy:   auth.Actor(ctx),
		ChangedAt:   s.now(),
	})
}

// startWork moves an ORDERED encounter to IN_PROGRESS on its first sample or
// result.
func (s *Service) startWork(ctx context.Context, enc *encounter.Encounter) error {
	if enc.Status != encounter.StatusOrdered {
		return nil
	}
	return s.encounters.Transition(ctx, enc, encounter.StatusInProgress)
}

func requireOpenLab(enc *encounter.Encounter) error {
	if enc.Type != encounter.TypeLab {
		return apperr.Conflict(apperr.CodeEncounterNotLab, "encounter type is "+enc.Type).
			With("type", enc.Type)
	}
	if encounter.IsClosed(enc.Status) {
		return closedError(enc)
	}
	return nil
}

func closedError(enc *encounter.Encounter) error {
	return apperr.Conflict(apperr.CodeEncounterClosed, "encounter is "+enc.Status).
		With("status", enc.Status)
}

func alreadyVerified(item *OrderItem) error {
	err := apperr.Conflict(apperr.CodeLabAlreadyVerified, "lab item "+item.TestCode+" is already verified").
		With("verifiedBy", item.VerifiedBy)
	if item.VerifiedAt != nil {
		err.With("verifiedAt", item.VerifiedAt.Format(time.RFC3339))
	}
	return err
}

func hasValues(results []*ParameterResult) bool {
	for _, r := range results {
		if r.Value != "" {
			return true
		}
	}
	return false
}

func missingParameters(params []*Parameter, values map[uuid.UUID]string) []string {
	var missing []string
	for _, p := range params {
		if strings.TrimSpace(values[p.ID]) == "" {
			missing = append(missing, p.Name)
		}
	}
	return missing
}
