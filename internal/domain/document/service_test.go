package document

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/encounter"
	"github.com/lims/lims/internal/domain/laborder"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/canonical"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/storage"
	"github.com/lims/lims/internal/platform/trace"
)

// -- Mock Repository --

type mockRepo struct {
	docs map[uuid.UUID]*Document
	seq  int
}

func newMockRepo() *mockRepo {
	return &mockRepo{docs: make(map[uuid.UUID]*Document)}
}

func (m *mockRepo) Create(_ context.Context, d *Document) error {
	d.ID = uuid.New()
	m.seq++
	d.CreatedAt = time.Unix(int64(m.seq), 0)
	d.UpdatedAt = d.CreatedAt
	cp := *d
	m.docs[d.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*Document, error) {
	d, ok := m.docs[id]
	if !ok || d.TenantID != tenantID {
		return nil, apperr.NotFound("document")
	}
	cp := *d
	return &cp, nil
}

func (m *mockRepo) GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Document, error) {
	return m.GetByID(ctx, tenantID, id)
}

func (m *mockRepo) ListByEncounter(_ context.Context, tenantID string, encounterID uuid.UUID) ([]*Document, error) {
	var result []*Document
	for _, d := range m.docs {
		if d.TenantID == tenantID && d.EncounterID == encounterID {
			cp := *d
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *mockRepo) FindLatest(ctx context.Context, tenantID string, encounterID uuid.UUID, docType, status, payloadHash string) (*Document, error) {
	docs, _ := m.ListByEncounter(ctx, tenantID, encounterID)
	for _, d := range docs {
		if d.DocumentType == docType && d.Status == status && (payloadHash == "" || d.PayloadHash == payloadHash) {
			return d, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) MarkRendered(_ context.Context, d *Document) (bool, error) {
	cur, ok := m.docs[d.ID]
	if !ok || cur.TenantID != d.TenantID || cur.Status != StatusQueued {
		return false, nil
	}
	cur.Status = StatusRendered
	cur.StorageBackend, cur.StorageKey, cur.PDFHash = d.StorageBackend, d.StorageKey, d.PDFHash
	cur.RenderedAt = d.RenderedAt
	cur.ErrorCode, cur.ErrorMessage = "", ""
	return true, nil
}

func (m *mockRepo) MarkFailed(_ context.Context, tenantID string, id uuid.UUID, code, message string) (bool, error) {
	cur, ok := m.docs[id]
	if !ok || cur.TenantID != tenantID || cur.Status != StatusQueued {
		return false, nil
	}
	cur.Status = StatusFailed
	cur.ErrorCode, cur.ErrorMessage = code, TruncateMessage(message)
	return true, nil
}

// -- Fakes --

type fakeEncounters struct {
	encounters map[uuid.UUID]*encounter.Encounter
}

func (f *fakeEncounters) add(tenantID, typ, status string) *encounter.Encounter {
	finalized := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	enc := &encounter.Encounter{ID: uuid.New(), TenantID: tenantID, PatientID: "p-1", Type: typ, Status: status, FinalizedAt: &finalized}
	f.encounters[enc.ID] = enc
	return enc
}

func (f *fakeEncounters) GetEncounter(ctx context.Context, id uuid.UUID) (*encounter.Encounter, error) {
	return f.Lock(ctx, db.TenantFromContext(ctx), id)
}

func (f *fakeEncounters) Lock(_ context.Context, tenantID string, id uuid.UUID) (*encounter.Encounter, error) {
	enc, ok := f.encounters[id]
	if !ok || enc.TenantID != tenantID {
		return nil, apperr.NotFound("encounter")
	}
	return enc, nil
}

type fakeLab struct {
	items map[uuid.UUID][]*laborder.OrderItem
}

func (f *fakeLab) ItemsWithResults(_ context.Context, tenantID string, encounterID uuid.UUID) ([]*laborder.OrderItem, error) {
	return f.items[encounterID], nil
}

func (f *fakeLab) verified(encounterID uuid.UUID, hemoglobin string) *laborder.OrderItem {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	it := &laborder.OrderItem{
		ID: uuid.New(), EncounterID: encounterID, TestCode: "CBC", TestName: "Complete Blood Count",
		Status: laborder.StatusVerified, VerifiedBy: "path-1", VerifiedAt: &at, SampleCollectedAt: &at,
		Results: []*laborder.ParameterResult{
			{ParameterName: "Hemoglobin", Value: hemoglobin, Unit: "g/dL", ReferenceRange: "13-17", Flag: laborder.FlagNormal},
		},
	}
	f.items[encounterID] = append(f.items[encounterID], it)
	return it
}

// fakeQueue dedups on the job id the way the render queue does.
type fakeQueue struct {
	jobs  map[string]json.RawMessage
	calls int
	err   error
}

func (q *fakeQueue) EnqueueRender(_ context.Context, tenantID, documentID string, payload json.RawMessage) (bool, error) {
	q.calls++
	if q.err != nil {
		return false, q.err
	}
	id := tenantID + "__" + documentID
	if _, ok := q.jobs[id]; ok {
		return false, nil
	}
	q.jobs[id] = payload
	return true, nil
}

type fixture struct {
	svc        *Service
	repo       *mockRepo
	encounters *fakeEncounters
	lab        *fakeLab
	queue      *fakeQueue
	store      *storage.LocalStore
	tracePath  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	f := &fixture{
		repo:       newMockRepo(),
		encounters: &fakeEncounters{encounters: make(map[uuid.UUID]*encounter.Encounter)},
		lab:        &fakeLab{items: make(map[uuid.UUID][]*laborder.OrderItem)},
		queue:      &fakeQueue{jobs: make(map[string]json.RawMessage)},
		store:      store,
		tracePath:  filepath.Join(t.TempDir(), "trace.jsonl"),
	}
	f.svc = NewService(f.repo, f.encounters, f.lab, f.queue, store, db.NoopTransactor{})
	f.svc.SetTraceSink(trace.NewSink(f.tracePath, zerolog.Nop()))
	return f
}

// events returns the event names written to the trace file in order.
func (f *fixture) events(t *testing.T) []string {
	t.Helper()
	file, err := os.Open(f.tracePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatalf("open trace: %v", err)
	}
	defer file.Close()

	var names []string
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		var line struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("trace line is not JSON: %s", sc.Text())
		}
		names = append(names, line.Event)
	}
	return names
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func ctxAs(tenantID, user string) context.Context {
	ctx := db.WithTenant(context.Background(), tenantID)
	return auth.WithUser(ctx, user, []string{auth.RolePathologist})
}

// -- Tests --

func TestPublishReport_CreatesAndEnqueues(t *testing.T) {
	f := newFixture(t)
	ctx := ctxAs("t1", "path-1")
	enc := f.encounters.add("t1", encounter.TypeLab, encounter.StatusFinalized)
	f.lab.verified(enc.ID, "14")

	res, err := f.svc.PublishReport(ctx, enc.ID)
	if err != nil {
		t.Fatalf("PublishReport: %v", err)
	}
	if res.Outcome != OutcomeCreated || !res.Enqueued {
		t.Errorf("expected created and enqueued, got %+v", res)
	}
	doc := res.Document
	if doc.Status != StatusQueued || doc.TenantID != "t1" || doc.RequestedBy != "path-1" {
		t.Errorf("unexpected document: %+v", doc)
	}
	if doc.PayloadHash != canonical.Hash(doc.PayloadJSON) {
		t.Error("expected payload hash to be the sha256 of the canonical payload")
	}
	if _, ok := f.queue.jobs["t1__"+doc.ID.String()]; !ok {
		t.Errorf("expected job t1__%s, got %v", doc.ID, f.queue.jobs)
	}
	if doc.TemplateKey() != "lab-report" {
		t.Errorf("expected lab-report template, got %s", doc.TemplateKey())
	}

	var payload ReportPayload
	if err := json.Unmarshal(doc.PayloadJSON, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].Results[0].Parameter != "Hemoglobin" {
		t.Errorf("unexpected payload: %s", doc.PayloadJSON)
	}

	events := f.events(t)
	for _, want := range []string{trace.EventPublishRequested, trace.EventPublishEnqueued} {
		if !contains(events, want) {
			t.Errorf("expected %s in %v", want, events)
		}
	}
}

func TestPublishReport_RepublishWhileQueued(t *testing.T) {
	f := newFixture(t)
	ctx := ctxAs("t1", "path-1")
	enc := f.encounters.add("t1", encounter.TypeLab, encounter.StatusFinalized)
	f.lab.verified(enc.ID, "14")

	first, _ := f.svc.PublishReport(ctx, enc.ID)
	second, err := f.svc.PublishReport(ctx, enc.ID)
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if second.Document.ID != first.Document.ID {
		t.Error("expected the queued document to be reused")
	}
	if second.Outcome != OutcomeRequeued || second.Enqueued {
		t.Errorf("expected requeued without a new job, got %+v", second)
	}
	if len(f.repo.docs) != 1 || len(f.queue.jobs) != 1 {
		t.Errorf("expected 1 document and 1 job, got %d and %d", len(f.repo.docs), len(f.queue.jobs))
	}
	if !contains(f.events(t), trace.EventPublishDeduplicated) {
		t.Error("expected deduplicated event")
	}
}

func TestPublishReport_ReusesRenderedWithSameHash(t *testing.T) {
	f := newFixture(t)
	ctx := ctxAs("t1", "path-1")
	enc := f.encounters.add("t1", encounter.TypeLab, encounter.StatusFinalized)
	f.lab.verified(enc.ID, "14")

	first, _ := f.svc.PublishReport(ctx, enc.ID)
	f.repo.docs[first.Document.ID].Status = StatusRendered
	enc.Status = encounter.StatusDocumented

	res, err := f.svc.PublishReport(ctx, enc.ID)
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if res.Outcome != OutcomeReused || res.Document.ID != first.Document.ID {
		t.Errorf("expected rendered document to be reused, got %+v", res)
	}
	if f.queue.calls != 1 {
		t.Errorf("expected no enqueue for a reused document, got %d calls", f.queue.calls)
	}
}

func TestPublishReport_NewDocumentWhenPayloadChanges(t *testing.T) {
	f := newFixture(t)
	ctx := ctxAs("t1", "path-1")
	enc := f.encounters.add("t1", encounter.TypeLab, encounter.StatusFinalized)
	item := f.lab.verified(enc.ID, "14")

	first, _ := f.svc.PublishReport(ctx, enc.ID)
	f.repo.docs[first.Document.ID].Status = StatusRendered
	item.Results[0].Value = "15"

	res, err := f.svc.PublishReport(ctx, enc.ID)
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if res.Outcome != OutcomeCreated || res.Document.ID == first.Document.ID {
		t.Errorf("expected a new document, got %+v", res)
	}
	if res.Document.PayloadHash == first.Document.PayloadHash {
		t.Error("expected a different payload hash")
	}
}

func TestPublishReport_FailedDocumentIsReplaced(t *testing.T) {
	f := newFixture(t)
	ctx := ctxAs("t1", "path-1")
	enc := f.encounters.add("t1", encounter.TypeLab, encounter.StatusFinalized)
	f.lab.verified(enc.ID, "14")

	first, _ := f.svc.PublishReport(ctx, enc.ID)
	f.repo.docs[first.Document.ID].Status = StatusFailed

	res, err := f.svc.PublishReport(ctx, enc.ID)
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if res.Outcome != OutcomeCreated || res.Document.ID == first.Document.ID {
		t.Errorf("expected a fresh document after failure, got %+v", res)
	}
}

func TestPublishReport_Gating(t *testing.T) {
	tests := []struct {
		name   string
		typ    string
		status string
		item   string
		code   string
	}{
		{"not finalized", encounter.TypeLab, encounter.StatusInProgress, laborder.StatusVerified, apperr.CodePublishBlockedNotFinalized},
		{"unverified items", encounter.TypeLab, encounter.StatusInProgress, laborder.StatusResultsEntered, apperr.CodeFinalizeBlockedUnverified},
		{"not a lab encounter", encounter.TypeConsultation, encounter.StatusFinalized, laborder.StatusVerified, apperr.CodeEncounterNotLab},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			enc := f.encounters.add("t1", tt.typ, tt.status)
			f.lab.verified(enc.ID, "14").Status = tt.item

			_, err := f.svc.PublishReport(ctxAs("t1", "path-1"), enc.ID)
			if apperr.CodeOf(err) != tt.code {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
			if len(f.repo.docs) != 0 || f.queue.calls != 0 {
				t.Error("expected no document and no enqueue")
			}
			if !contains(f.events(t), trace.EventPublishRejected) {
				t.Error("expected rejected event")
			}
		})
	}
}

func TestPublishReport_NotFinalizedDetails(t *testing.T) {
	f := newFixture(t)
	enc := f.encounters.add("t1", encounter.TypeLab, encounter.StatusOrdered)

	_, err := f.svc.PublishReport(ctxAs("t1", "path-1"), enc.ID)
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("expected apperr, got %v", err)
	}
	if ae.Details["currentStatus"] != encounter.StatusOrdered {
		t.Errorf("expected currentStatus ORDERED, got %v", ae.Details)
	}
}

func TestPublishReport_TenantScoped(t *testing.T) {
	f := newFixture(t)
	enc := f.encounters.add("t1", encounter.TypeLab, encounter.StatusFinalized)

	_, err := f.svc.PublishReport(ctxAs("t2", "path-1"), enc.ID)
	if !apperr.IsNotFound(err) {
		t.Errorf("expected not found across tenants, got %v", err)
	}

	_, err = f.svc.PublishReport(context.Background(), enc.ID)
	if apperr.CodeOf(err) != apperr.CodeValidation {
		t.Errorf("expected validation error without tenant, got %v", err)
	}
}

func TestPublishReport_EnqueueFailureLeavesQueuedDocument(t *testing.T) {
	f := newFixture(t)
	ctx := ctxAs("t1", "path-1")
	enc := f.encounters.add("t1", encounter.TypeLab, encounter.StatusFinalized)
	f.lab.verified(enc.ID, "14")

	f.queue.err = errors.New("redis down")
	if _, err := f.svc.PublishReport(ctx, enc.ID); err == nil {
		t.Fatal("expected enqueue error")
	}
	if len(f.repo.docs) != 1 {
		t.Fatalf("expected the document to be committed, got %d", len(f.repo.docs))
	}

	f.queue.err = nil
	res, err := f.svc.PublishReport(ctx, enc.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Outcome != OutcomeRequeued || !res.Enqueued {
		t.Errorf("expected the queued document to be enqueued on retry, got %+v", res)
	}
}

func TestPublishReport_StableHash(t *testing.T) {
	f := newFixture(t)
	enc := f.encounters.add("t1", encounter.TypeLab, encounter.StatusFinalized)
	f.lab.verified(enc.ID, "14")

	items, _ := f.lab.ItemsWithResults(context.Background(), "t1", enc.ID)
	_, h1, err := buildPayload(enc, items)
	if err != nil {
		t.Fatal(err)
	}
	enc.Status = encounter.StatusDocumented
	_, h2, _ := buildPayload(enc, items)
	if h1 != h2 {
		t.Error("expected the hash to ignore the encounter status")
	}
}

func TestOpenPDF(t *testing.T) {
	f := newFixture(t)
	ctx := ctxAs("t1", "path-1")
	enc := f.encounters.add("t1", encounter.TypeLab, encounter.StatusFinalized)
	f.lab.verified(enc.ID, "14")
	res, _ := f.svc.PublishReport(ctx, enc.ID)
	id := res.Document.ID

	if _, _, err := f.svc.OpenPDF(ctx, id); apperr.CodeOf(err) != apperr.CodeDocumentNotRendered {
		t.Fatalf("expected DOCUMENT_NOT_RENDERED, got %v", err)
	}

	pdf := []byte("%PDF-1.7 test")
	key, err := f.store.Put(ctx, "t1", id.String(), pdf)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	now := time.Now().UTC()
	f.repo.MarkRendered(ctx, &Document{ID: id, TenantID: "t1", StorageBackend: f.store.Backend(),
		StorageKey: key, PDFHash: canonical.Hash(pdf), RenderedAt: &now})

	doc, data, err := f.svc.OpenPDF(ctx, id)
	if err != nil {
		t.Fatalf("OpenPDF: %v", err)
	}
	if string(data) != string(pdf) || doc.Status != StatusRendered {
		t.Errorf("unexpected pdf %q status %s", data, doc.Status)
	}

	f.repo.docs[id].PDFHash = canonical.Hash([]byte("other"))
	if _, _, err := f.svc.OpenPDF(ctx, id); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("expected hash mismatch, got %v", err)
	}

	if _, _, err := f.svc.OpenPDF(ctxAs("t2", "path-1"), id); !apperr.IsNotFound(err) {
		t.Errorf("expected not found across tenants, got %v", err)
	}
}

func TestOpenPDF_MissingFile(t *testing.T) {
	f := newFixture(t)
	ctx := ctxAs("t1", "path-1")
	doc := &Document{TenantID: "t1", EncounterID: uuid.New(), DocumentType: TypeLabReport, Status: StatusRendered}
	f.repo.Create(ctx, doc)
	key, _ := storage.KeyFor("t1", doc.ID.String())
	f.repo.docs[doc.ID].StorageKey = key

	if _, _, err := f.svc.OpenPDF(ctx, doc.ID); !apperr.IsNotFound(err) {
		t.Errorf("expected not found for a missing file, got %v", err)
	}
}

func TestTruncateMessage(t *testing.T) {
	long := make([]rune, MaxErrorMessage+20)
	for i := range long {
		long[i] = 'é'
	}
	if got := []rune(TruncateMessage(string(long))); len(got) != MaxErrorMessage {
		t.Errorf("expected %d runes, got %d", MaxErrorMessage, len(got))
	}
	if TruncateMessage("short") != "short" {
		t.Error("expected short message unchanged")
	}
}
