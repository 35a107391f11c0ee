package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/encounter"
	"github.com/lims/lims/internal/domain/laborder"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/canonical"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/storage"
	"github.com/lims/lims/internal/platform/telemetry"
	"github.com/lims/lims/internal/platform/trace"
)

// Publish outcomes, also used as the metric label.
const (
	OutcomeCreated  = "created"
	OutcomeRequeued = "requeued"
	OutcomeReused   = "reused"
	OutcomeRejected = "rejected"
)

type Encounters interface {
	GetEncounter(ctx context.Context, id uuid.UUID) (*encounter.Encounter, error)
	Lock(ctx context.Context, tenantID string, id uuid.UUID) (*encounter.Encounter, error)
}

type LabItems interface {
	ItemsWithResults(ctx context.Context, tenantID string, encounterID uuid.UUID) ([]*laborder.OrderItem, error)
}

// Enqueuer schedules a render job keyed by tenant and document.
type Enqueuer interface {
	EnqueueRender(ctx context.Context, tenantID, documentID string, payload json.RawMessage) (bool, error)
}

type Service struct {
	repo       Repository
	encounters Encounters
	lab        LabItems
	queue      Enqueuer
	store      storage.Store
	tx         db.Transactor
	metrics    *telemetry.Metrics
	sink       *trace.Sink
}

func NewService(repo Repository, encounters Encounters, lab LabItems, queue Enqueuer, store storage.Store, tx db.Transactor) *Service {
	return &Service{repo: repo, encounters: encounters, lab: lab, queue: queue, store: store, tx: tx}
}

func (s *Service) SetMetrics(m *telemetry.Metrics) {
	s.metrics = m
}

func (s *Service) SetTraceSink(sink *trace.Sink) {
	s.sink = sink
}

// PublishResult is the document a publish request resolved to.
type PublishResult struct {
	Document *Document `json:"document"`
	Outcome  string    `json:"outcome"`
	Enqueued bool      `json:"enqueued"`
}

// PublishReport requests the lab report PDF for a finalized encounter. A
// QUEUED document for the encounter is re-enqueued, a RENDERED one with the
// same payload is returned as is, and anything else creates a new document.
func (s *Service) PublishReport(ctx context.Context, encounterID uuid.UUID) (res *PublishResult, err error) {
	tid, err := encounter.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	fields := trace.Fields{"encounterId": encounterID.String(), "documentType": TypeLabReport}
	ctx, end := s.sink.Span(ctx, "publish_report", fields)
	defer func() { end(err) }()
	s.sink.Emit(ctx, trace.EventPublishRequested, fields)

	res = &PublishResult{}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		enc, err := s.encounters.Lock(ctx, tid, encounterID)
		if err != nil {
			return err
		}
		if enc.Type != encounter.TypeLab {
			return apperr.Conflict(apperr.CodeEncounterNotLab, "encounter type is "+enc.Type).
				With("type", enc.Type)
		}
		items, err := s.lab.ItemsWithResults(ctx, tid, enc.ID)
		if err != nil {
			return err
		}
		if err := laborder.UnverifiedError(items); err != nil {
			return err
		}
		if enc.Status != encounter.StatusFinalized && enc.Status != encounter.StatusDocumented {
			return apperr.Conflict(apperr.CodePublishBlockedNotFinalized,
				"encounter must be FINALIZED before publishing, current status is "+enc.Status).
				With("currentStatus", enc.Status)
		}

		payload, hash, err := buildPayload(enc, items)
		if err != nil {
			return err
		}

		queued, err := s.repo.FindLatest(ctx, tid, enc.ID, TypeLabReport, StatusQueued, "")
		if err != nil {
			return err
		}
		if queued != nil {
			res.Document, res.Outcome = queued, OutcomeRequeued
			return nil
		}
		rendered, err := s.repo.FindLatest(ctx, tid, enc.ID, TypeLabReport, StatusRendered, hash)
		if err != nil {
			return err
		}
		if rendered != nil {
			res.Document, res.Outcome = rendered, OutcomeReused
			return nil
		}

		doc := &Document{
			TenantID:        tid,
			EncounterID:     enc.ID,
			DocumentType:    TypeLabReport,
			PayloadJSON:     payload,
			PayloadHash:     hash,
			PayloadVersion:  PayloadVersion,
			TemplateVersion: TemplateVersion,
			Status:          StatusQueued,
			RequestedBy:     auth.Actor(ctx),
		}
		if err := s.repo.Create(ctx, doc); err != nil {
			return fmt.Errorf("create document: %w", err)
		}
		res.Document, res.Outcome = doc, OutcomeCreated
		return nil
	})
	if err != nil {
		if code := apperr.CodeOf(err); code != "" {
			s.metrics.ObservePublish(OutcomeRejected)
			s.sink.Emit(ctx, trace.EventPublishRejected, trace.Fields{
				"encounterId": encounterID.String(),
				"code":        code,
				"error":       err.Error(),
			})
		}
		return nil, err
	}

	doc := res.Document
	evFields := trace.Fields{
		"encounterId": encounterID.String(),
		"documentId":  doc.ID.String(),
		"payloadHash": doc.PayloadHash,
		"outcome":     res.Outcome,
	}

	// The job is enqueued after commit so the worker always finds the row.
	if res.Outcome != OutcomeReused {
		res.Enqueued, err = s.queue.EnqueueRender(ctx, tid, doc.ID.String(), doc.PayloadJSON)
		if err != nil {
			return nil, fmt.Errorf("enqueue document %s: %w", doc.ID, err)
		}
	}
	s.metrics.ObservePublish(res.Outcome)
	if res.Enqueued {
		s.sink.Emit(ctx, trace.EventPublishEnqueued, evFields)
	} else {
		s.sink.Emit(ctx, trace.EventPublishDeduplicated, evFields)
	}
	return res, nil
}

func buildPayload(enc *encounter.Encounter, items []*laborder.OrderItem) (json.RawMessage, string, error) {
	p := ReportPayload{
		Meta: ReportMeta{
			TemplateKey:     DefaultTemplateKey(TypeLabReport),
			DocumentType:    TypeLabReport,
			PayloadVersion:  PayloadVersion,
			TemplateVersion: TemplateVersion,
		},
		Encounter: ReportEncounter{
			ID:          enc.ID.String(),
			PatientID:   enc.PatientID,
			Type:        enc.Type,
			FinalizedAt: utc(enc.FinalizedAt),
		},
		Items: make([]ReportItem, 0, len(items)),
	}
	for _, it := range items {
		ri := ReportItem{
			ID:                it.ID.String(),
			TestCode:          it.TestCode,
			TestName:          it.TestName,
			SampleCollectedAt: utc(it.SampleCollectedAt),
			SampleReceivedAt:  utc(it.SampleReceivedAt),
			VerifiedBy:        it.VerifiedBy,
			VerifiedAt:        utc(it.VerifiedAt),
			Results:           make([]ReportResult, 0, len(it.Results)),
		}
		for _, r := range it.Results {
			ri.Results = append(ri.Results, ReportResult{
				Parameter:      r.ParameterName,
				Value:          r.Value,
				Unit:           r.Unit,
				ReferenceRange: r.ReferenceRange,
				Flag:           r.Flag,
			})
		}
		p.Items = append(p.Items, ri)
	}

	b, err := canonical.Canonicalize(p)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalize report payload: %w", err)
	}
	return b, canonical.Hash(b), nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC().Truncate(time.Microsecond)
	return &u
}

func (s *Service) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	tid, err := encounter.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, tid, id)
}

func (s *Service) ListByEncounter(ctx context.Context, encounterID uuid.UUID) ([]*Document, error) {
	tid, err := encounter.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.encounters.GetEncounter(ctx, encounterID); err != nil {
		return nil, err
	}
	return s.repo.ListByEncounter(ctx, tid, encounterID)
}

// ErrHashMismatch means the stored bytes no longer match the recorded pdf hash.
var ErrHashMismatch = errors.New("stored document does not match its hash")

// OpenPDF returns the stored bytes of a RENDERED document.
func (s *Service) OpenPDF(ctx context.Context, id uuid.UUID) (*Document, []byte, error) {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if doc.Status != StatusRendered {
		return nil, nil, apperr.Conflict(apperr.CodeDocumentNotRendered, "document is "+doc.Status).
			With("status", doc.Status)
	}
	data, err := s.store.Get(ctx, doc.TenantID, doc.StorageKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, nil, apperr.NotFound("document file")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read document %s: %w", doc.ID, err)
	}
	if doc.PDFHash != "" && canonical.Hash(data) != doc.PDFHash {
		return nil, nil, fmt.Errorf("document %s: %w", doc.ID, ErrHashMismatch)
	}
	return doc, data, nil
}
