// Package worker renders queued documents into stored PDFs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/document"
	"github.com/lims/lims/internal/domain/encounter"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/canonical"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/queue"
	"github.com/lims/lims/internal/platform/renderer"
	"github.com/lims/lims/internal/platform/storage"
	"github.com/lims/lims/internal/platform/telemetry"
	"github.com/lims/lims/internal/platform/trace"
)

var (
	// ErrDataIntegrity means a rendered document points at a missing encounter.
	ErrDataIntegrity = errors.New("data integrity violation")
	// ErrUnexpectedEncounterStatus means the encounter of a QUEUED document is
	// neither FINALIZED nor DOCUMENTED.
	ErrUnexpectedEncounterStatus = errors.New("unexpected encounter status")
)

// Render outcomes, also used as the metric label.
const (
	OutcomeRendered = "rendered"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
)

type Documents interface {
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*document.Document, error)
	GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*document.Document, error)
	MarkRendered(ctx context.Context, d *document.Document) (bool, error)
	MarkFailed(ctx context.Context, tenantID string, id uuid.UUID, code, message string) (bool, error)
}

type Encounters interface {
	Lock(ctx context.Context, tenantID string, id uuid.UUID) (*encounter.Encounter, error)
	Transition(ctx context.Context, enc *encounter.Encounter, to string) error
}

type Renderer interface {
	Render(ctx context.Context, req renderer.Request) ([]byte, error)
}

// Processor handles DOCUMENT_RENDER jobs.
type Processor struct {
	docs       Documents
	encounters Encounters
	renderer   Renderer
	store      storage.Store
	tx         db.Transactor
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
	sink       *trace.Sink
	now        func() time.Time
}

func NewProcessor(docs Documents, encounters Encounters, r Renderer, store storage.Store, tx db.Transactor, logger zerolog.Logger) *Processor {
	return &Processor{
		docs:       docs,
		encounters: encounters,
		renderer:   r,
		store:      store,
		tx:         tx,
		logger:     logger,
		now:        time.Now,
	}
}

func (p *Processor) SetMetrics(m *telemetry.Metrics) {
	p.metrics = m
}

func (p *Processor) SetTraceSink(sink *trace.Sink) {
	p.sink = sink
}

// Handle renders the job's document if it is still QUEUED. Any failure after
// the document is loaded marks it FAILED and is returned for the queue's retry
// policy; storage path violations come back Unrecoverable.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) (err error) {
	data, err := queue.DecodeRenderJob(job)
	if err != nil {
		return queue.Unrecoverable(err)
	}
	docID, err := uuid.Parse(data.DocumentID)
	if err != nil {
		return queue.Unrecoverable(fmt.Errorf("render job %s: invalid document id: %w", job.ID, err))
	}
	tid := data.TenantID

	ctx = db.WithTenant(data.ContextWithTrace(ctx), tid)
	log := p.logger.With().
		Str("job_id", job.ID).
		Str("tenant_id", tid).
		Str("document_id", data.DocumentID).
		Int("attempt", job.AttemptsMade).
		Logger()
	fields := trace.Fields{"documentId": data.DocumentID, "jobId": job.ID, "attempt": job.AttemptsMade}
	ctx, end := p.sink.Span(ctx, "document_render", fields)
	defer func() { end(err) }()

	doc, err := p.docs.GetByID(ctx, tid, docID)
	if apperr.IsNotFound(err) {
		p.skip(ctx, log, fields, "document not found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load document %s: %w", docID, err)
	}
	if doc.Status != document.StatusQueued {
		p.skip(ctx, log, fields, "document is "+doc.Status)
		return nil
	}

	p.sink.Emit(ctx, trace.EventRenderStarted, fields)
	start := time.Now()

	outcome, err := p.render(ctx, doc)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		return p.fail(ctx, log, fields, doc, err, elapsed)
	}

	p.metrics.ObserveRender(outcome, elapsed)
	if outcome == OutcomeSkipped {
		p.skip(ctx, log, fields, "document changed while rendering")
		return nil
	}
	log.Info().Float64("seconds", elapsed).Msg("document rendered")
	p.sink.Emit(ctx, trace.EventRenderRendered, fields)
	return nil
}

func (p *Processor) render(ctx context.Context, doc *document.Document) (string, error) {
	pdf, err := p.renderer.Render(ctx, renderer.Request{
		TemplateKey:     doc.TemplateKey(),
		TemplateVersion: doc.TemplateVersion,
		PayloadVersion:  doc.PayloadVersion,
		Payload:         doc.PayloadJSON,
	})
	if err != nil {
		return "", err
	}
	pdfHash := canonical.Hash(pdf)

	key, err := p.store.Put(ctx, doc.TenantID, doc.ID.String(), pdf)
	if err != nil {
		return "", fmt.Errorf("store pdf: %w", err)
	}

	outcome := OutcomeRendered
	err = p.tx.WithinTx(ctx, func(ctx context.Context) error {
		// Encounter first, then document, the same order the API uses.
		enc, err := p.encounters.Lock(ctx, doc.TenantID, doc.EncounterID)
		if apperr.IsNotFound(err) {
			return fmt.Errorf("%w: encounter %s of document %s is missing", ErrDataIntegrity, doc.EncounterID, doc.ID)
		}
		if err != nil {
			return err
		}

		cur, err := p.docs.GetForUpdate(ctx, doc.TenantID, doc.ID)
		if err != nil {
			return err
		}
		if cur.Status != document.StatusQueued {
			outcome = OutcomeSkipped
			return nil
		}

		now := p.now().UTC()
		cur.StorageBackend = p.store.Backend()
		cur.StorageKey = key
		cur.PDFHash = pdfHash
		cur.RenderedAt = &now
		cur.UpdatedAt = now
		ok, err := p.docs.MarkRendered(ctx, cur)
		if err != nil {
			return fmt.Errorf("mark rendered: %w", err)
		}
		if !ok {
			outcome = OutcomeSkipped
			return nil
		}

		switch enc.Status {
		case encounter.StatusFinalized:
			return p.encounters.Transition(ctx, enc, encounter.StatusDocumented)
		case encounter.StatusDocumented:
			return nil
		default:
			return fmt.Errorf("%w: encounter %s is %s", ErrUnexpectedEncounterStatus, enc.ID, enc.Status)
		}
	})
	return outcome, err
}

func (p *Processor) fail(ctx context.Context, log zerolog.Logger, fields trace.Fields, doc *document.Document, cause error, elapsed float64) error {
	code := document.ErrorCodeRenderFailed
	if errors.Is(cause, storage.ErrStoragePathViolation) {
		code = document.ErrorCodePathViolation
	}

	// Recorded even when the job context is already cancelled.
	ok, err := p.docs.MarkFailed(context.WithoutCancel(ctx), doc.TenantID, doc.ID, code, cause.Error())
	if err != nil {
		log.Warn().Err(err).Msg("mark document failed")
	}

	p.metrics.ObserveRender(OutcomeFailed, elapsed)
	ev := trace.Fields{"errorCode": code, "error": cause.Error(), "marked": ok}
	for k, v := range fields {
		ev[k] = v
	}
	p.sink.Emit(ctx, trace.EventRenderFailed, ev)
	log.Error().Err(cause).Str("error_code", code).Msg("document render failed")

	if code == document.ErrorCodePathViolation {
		return queue.Unrecoverable(cause)
	}
	return cause
}

// Exhausted marks the document of a job that stalled on its last attempt as
// FAILED. The queue never ran the job again, so Handle could not.
func (p *Processor) Exhausted(ctx context.Context, job *queue.Job) {
	log := p.logger.With().Str("job_id", job.ID).Logger()
	data, err := queue.DecodeRenderJob(job)
	if err != nil {
		log.Warn().Err(err).Msg("exhausted job has no document")
		return
	}
	docID, err := uuid.Parse(data.DocumentID)
	if err != nil {
		log.Warn().Err(err).Msg("exhausted job has an invalid document id")
		return
	}
	ctx = db.WithTenant(ctx, data.TenantID)
	log = log.With().Str("tenant_id", data.TenantID).Str("document_id", data.DocumentID).Logger()

	ok, err := p.docs.MarkFailed(ctx, data.TenantID, docID, document.ErrorCodeRenderFailed, job.FailedReason)
	if err != nil {
		log.Warn().Err(err).Msg("mark document failed")
		return
	}
	if !ok {
		return
	}
	p.metrics.ObserveRender(OutcomeFailed, 0)
	p.sink.Emit(ctx, trace.EventRenderFailed, trace.Fields{
		"documentId": data.DocumentID,
		"jobId":      job.ID,
		"errorCode":  document.ErrorCodeRenderFailed,
		"error":      job.FailedReason,
		"marked":     true,
	})
	log.Error().Str("error_code", document.ErrorCodeRenderFailed).Msg("document render failed: job stalled")
}

func (p *Processor) skip(ctx context.Context, log zerolog.Logger, fields trace.Fields, reason string) {
	ev := trace.Fields{"reason": reason}
	for k, v := range fields {
		ev[k] = v
	}
	p.sink.Emit(ctx, trace.EventRenderSkipped, ev)
	log.Info().Str("reason", reason).Msg("render skipped")
}
