package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/document"
	"github.com/lims/lims/internal/domain/encounter"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/canonical"
	"github.com/lims/lims/internal/platform/queue"
	"github.com/lims/lims/internal/platform/renderer"
	"github.com/lims/lims/internal/platform/storage"
)

// -- Fakes --

// lockLog records the order in which rows are locked inside a transaction.
type lockLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *lockLog) add(what string) {
	l.mu.Lock()
	l.entries = append(l.entries, what)
	l.mu.Unlock()
}

func (l *lockLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// fakeDocs is an in-memory document table. WithinTx restores the table when
// fn fails so it also stands in for the transactor.
type fakeDocs struct {
	mu       sync.Mutex
	docs     map[uuid.UUID]*document.Document
	rendered int
	locks    *lockLog
}

func (f *fakeDocs) get(id uuid.UUID) *document.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.docs[id]
	return &cp
}

func (f *fakeDocs) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*document.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok || d.TenantID != tenantID {
		return nil, apperr.NotFound("document")
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDocs) GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*document.Document, error) {
	f.locks.add("document")
	return f.GetByID(ctx, tenantID, id)
}

func (f *fakeDocs) MarkRendered(_ context.Context, d *document.Document) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.docs[d.ID]
	if !ok || cur.Status != document.StatusQueued {
		return false, nil
	}
	cp := *d
	cp.Status = document.StatusRendered
	cp.ErrorCode, cp.ErrorMessage = "", ""
	f.docs[d.ID] = &cp
	f.rendered++
	return true, nil
}

func (f *fakeDocs) MarkFailed(_ context.Context, tenantID string, id uuid.UUID, code, message string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.docs[id]
	if !ok || cur.TenantID != tenantID || cur.Status != document.StatusQueued {
		return false, nil
	}
	cur.Status = document.StatusFailed
	cur.ErrorCode, cur.ErrorMessage = code, document.TruncateMessage(message)
	return true, nil
}

func (f *fakeDocs) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	snapshot := make(map[uuid.UUID]document.Document, len(f.docs))
	for id, d := range f.docs {
		snapshot[id] = *d
	}
	f.mu.Unlock()

	err := fn(ctx)
	if err != nil {
		f.mu.Lock()
		for id, d := range snapshot {
			d := d
			f.docs[id] = &d
		}
		f.mu.Unlock()
	}
	return err
}

type fakeEncounters struct {
	mu          sync.Mutex
	encounters  map[uuid.UUID]*encounter.Encounter
	transitions int
	locks       *lockLog
}

func (f *fakeEncounters) status(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.encounters[id].Status
}

func (f *fakeEncounters) Lock(_ context.Context, tenantID string, id uuid.UUID) (*encounter.Encounter, error) {
	f.locks.add("encounter")
	f.mu.Lock()
	defer f.mu.Unlock()
	enc, ok := f.encounters[id]
	if !ok || enc.TenantID != tenantID {
		return nil, apperr.NotFound("encounter")
	}
	cp := *enc
	return &cp, nil
}

func (f *fakeEncounters) Transition(_ context.Context, enc *encounter.Encounter, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.encounters[enc.ID]
	if !encounter.CanTransition(cur.Status, to) {
		return apperr.Conflict(apperr.CodeInvalidEncounterTransition, cur.Status+"->"+to)
	}
	cur.Status = to
	f.transitions++
	return nil
}

// renderServer answers /render with body and status and counts calls.
type renderServer struct {
	*httptest.Server
	calls  atomic.Int32
	status int
	body   []byte
	last   renderer.Request
	mu     sync.Mutex
}

func newRenderServer(t *testing.T, status int, body string) *renderServer {
	t.Helper()
	rs := &renderServer{status: status, body: []byte(body)}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.calls.Add(1)
		var req renderer.Request
		json.NewDecoder(r.Body).Decode(&req)
		rs.mu.Lock()
		rs.last = req
		rs.mu.Unlock()
		w.WriteHeader(rs.status)
		w.Write(rs.body)
	}))
	t.Cleanup(rs.Close)
	return rs
}

type fixture struct {
	proc       *Processor
	docs       *fakeDocs
	encounters *fakeEncounters
	store      *storage.LocalStore
	render     *renderServer
	locks      *lockLog
}

const testPDF = "%PDF-1.7\nlab report\n%%EOF"

func newFixture(t *testing.T, status int, body string) *fixture {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	locks := &lockLog{}
	f := &fixture{
		docs:       &fakeDocs{docs: make(map[uuid.UUID]*document.Document), locks: locks},
		encounters: &fakeEncounters{encounters: make(map[uuid.UUID]*encounter.Encounter), locks: locks},
		locks:      locks,
		store:      store,
		render:     newRenderServer(t, status, body),
	}
	client := renderer.New(renderer.Options{BaseURL: f.render.URL, Timeout: 5 * time.Second})
	f.proc = NewProcessor(f.docs, f.encounters, client, store, f.docs, zerolog.Nop())
	return f
}

// queued adds a LAB encounter in status and a QUEUED report for it.
func (f *fixture) queued(tenantID, status string) *document.Document {
	enc := &encounter.Encounter{ID: uuid.New(), TenantID: tenantID, Type: encounter.TypeLab, Status: status}
	f.encounters.encounters[enc.ID] = enc

	payload, _ := canonical.Canonicalize(map[string]any{
		"meta":      map[string]any{"templateKey": "lab-report-v2"},
		"encounter": map[string]any{"id": enc.ID.String()},
	})
	doc := &document.Document{
		ID: uuid.New(), TenantID: tenantID, EncounterID: enc.ID, DocumentType: document.TypeLabReport,
		PayloadJSON: payload, PayloadHash: canonical.Hash(payload),
		PayloadVersion: document.PayloadVersion, TemplateVersion: document.TemplateVersion,
		Status: document.StatusQueued,
	}
	f.docs.docs[doc.ID] = doc
	return doc
}

func jobFor(t *testing.T, doc *document.Document) *queue.Job {
	t.Helper()
	data, err := json.Marshal(queue.RenderJobData{TenantID: doc.TenantID, DocumentID: doc.ID.String(), Payload: doc.PayloadJSON})
	if err != nil {
		t.Fatal(err)
	}
	return &queue.Job{
		ID:           queue.RenderJobID(doc.TenantID, doc.ID.String()),
		Name:         queue.RenderJobName,
		Data:         data,
		Attempts:     queue.DefaultAttempts,
		AttemptsMade: 1,
	}
}

// -- Tests --

func TestHandle_RendersAndDocuments(t *testing.T) {
	f := newFixture(t, http.StatusOK, testPDF)
	doc := f.queued("t1", encounter.StatusFinalized)

	if err := f.proc.Handle(context.Background(), jobFor(t, doc)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got := f.docs.get(doc.ID)
	if got.Status != document.StatusRendered {
		t.Fatalf("expected RENDERED, got %s", got.Status)
	}
	if got.StorageKey != "t1/"+doc.ID.String()+".pdf" || got.StorageBackend != storage.BackendLocal {
		t.Errorf("unexpected storage %s %s", got.StorageBackend, got.StorageKey)
	}
	if got.PDFHash != canonical.Hash([]byte(testPDF)) || got.RenderedAt == nil {
		t.Errorf("unexpected hash %s or missing rendered_at", got.PDFHash)
	}

	data, err := os.ReadFile(filepath.Join(f.store.Root(), "t1", doc.ID.String()+".pdf"))
	if err != nil || string(data) != testPDF {
		t.Errorf("expected stored pdf, got %q %v", data, err)
	}
	if s := f.encounters.status(doc.EncounterID); s != encounter.StatusDocumented {
		t.Errorf("expected DOCUMENTED, got %s", s)
	}

	f.render.mu.Lock()
	req := f.render.last
	f.render.mu.Unlock()
	if req.TemplateKey != "lab-report-v2" || req.PayloadVersion != document.PayloadVersion {
		t.Errorf("unexpected render request %+v", req)
	}
}

func TestHandle_RedeliveryIsNoop(t *testing.T) {
	f := newFixture(t, http.StatusOK, testPDF)
	doc := f.queued("t1", encounter.StatusFinalized)
	job := jobFor(t, doc)

	f.proc.Handle(context.Background(), job)
	if err := f.proc.Handle(context.Background(), job); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if n := f.render.calls.Load(); n != 1 {
		t.Errorf("expected one render call, got %d", n)
	}
	if f.encounters.transitions != 1 {
		t.Errorf("expected one transition, got %d", f.encounters.transitions)
	}
}

func TestHandle_AlreadyDocumented(t *testing.T) {
	f := newFixture(t, http.StatusOK, testPDF)
	doc := f.queued("t1", encounter.StatusDocumented)

	if err := f.proc.Handle(context.Background(), jobFor(t, doc)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if f.docs.get(doc.ID).Status != document.StatusRendered || f.encounters.transitions != 0 {
		t.Error("expected RENDERED document and unchanged encounter")
	}
}

func TestHandle_RenderServiceError(t *testing.T) {
	f := newFixture(t, http.StatusInternalServerError, "template exploded")
	doc := f.queued("t1", encounter.StatusFinalized)
	job := jobFor(t, doc)

	err := f.proc.Handle(context.Background(), job)
	var re *renderer.RenderError
	if !errors.As(err, &re) || re.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected render error, got %v", err)
	}
	if queue.IsUnrecoverable(err) {
		t.Error("expected render errors to be retryable")
	}

	got := f.docs.get(doc.ID)
	if got.Status != document.StatusFailed || got.ErrorCode != document.ErrorCodeRenderFailed {
		t.Errorf("expected FAILED with %s, got %s %s", document.ErrorCodeRenderFailed, got.Status, got.ErrorCode)
	}
	if got.ErrorMessage == "" {
		t.Error("expected error message")
	}
	if f.encounters.status(doc.EncounterID) != encounter.StatusFinalized {
		t.Error("expected encounter to stay FINALIZED")
	}

	if err := f.proc.Handle(context.Background(), job); err != nil {
		t.Errorf("expected redelivery of a FAILED document to be a no-op, got %v", err)
	}
	if n := f.render.calls.Load(); n != 1 {
		t.Errorf("expected one render call, got %d", n)
	}
}

func TestHandle_InvalidPDF(t *testing.T) {
	f := newFixture(t, http.StatusOK, "<html>oops</html>")
	doc := f.queued("t1", encounter.StatusFinalized)

	err := f.proc.Handle(context.Background(), jobFor(t, doc))
	if !errors.Is(err, renderer.ErrInvalidPDF) {
		t.Fatalf("expected ErrInvalidPDF, got %v", err)
	}
	if f.docs.get(doc.ID).Status != document.StatusFailed {
		t.Error("expected FAILED")
	}
}

func TestHandle_PathViolationIsUnrecoverable(t *testing.T) {
	f := newFixture(t, http.StatusOK, testPDF)
	doc := f.queued("acme.eu", encounter.StatusFinalized)

	err := f.proc.Handle(context.Background(), jobFor(t, doc))
	if !queue.IsUnrecoverable(err) || !errors.Is(err, storage.ErrStoragePathViolation) {
		t.Fatalf("expected unrecoverable path violation, got %v", err)
	}
	got := f.docs.get(doc.ID)
	if got.Status != document.StatusFailed || got.ErrorCode != document.ErrorCodePathViolation {
		t.Errorf("expected FAILED with %s, got %s %s", document.ErrorCodePathViolation, got.Status, got.ErrorCode)
	}
}

func TestHandle_UnexpectedEncounterStatus(t *testing.T) {
	f := newFixture(t, http.StatusOK, testPDF)
	doc := f.queued("t1", encounter.StatusInProgress)

	err := f.proc.Handle(context.Background(), jobFor(t, doc))
	if !errors.Is(err, ErrUnexpectedEncounterStatus) {
		t.Fatalf("expected ErrUnexpectedEncounterStatus, got %v", err)
	}
	if got := f.docs.get(doc.ID); got.Status != document.StatusFailed {
		t.Errorf("expected the rolled back document to be marked FAILED, got %s", got.Status)
	}
}

func TestHandle_MissingEncounter(t *testing.T) {
	f := newFixture(t, http.StatusOK, testPDF)
	doc := f.queued("t1", encounter.StatusFinalized)
	delete(f.encounters.encounters, doc.EncounterID)

	err := f.proc.Handle(context.Background(), jobFor(t, doc))
	if !errors.Is(err, ErrDataIntegrity) {
		t.Fatalf("expected ErrDataIntegrity, got %v", err)
	}
}

func TestHandle_MissingDocument(t *testing.T) {
	f := newFixture(t, http.StatusOK, testPDF)
	doc := &document.Document{ID: uuid.New(), TenantID: "t1"}

	if err := f.proc.Handle(context.Background(), jobFor(t, doc)); err != nil {
		t.Errorf("expected no-op, got %v", err)
	}
	if f.render.calls.Load() != 0 {
		t.Error("expected no render call")
	}
}

func TestHandle_TenantMismatchIsNoop(t *testing.T) {
	f := newFixture(t, http.StatusOK, testPDF)
	doc := f.queued("t1", encounter.StatusFinalized)
	other := *doc
	other.TenantID = "t2"

	if err := f.proc.Handle(context.Background(), jobFor(t, &other)); err != nil {
		t.Errorf("expected no-op, got %v", err)
	}
	if f.docs.get(doc.ID).Status != document.StatusQueued {
		t.Error("expected document of another tenant to stay QUEUED")
	}
}

func TestHandle_BadJobData(t *testing.T) {
	f := newFixture(t, http.StatusOK, testPDF)

	err := f.proc.Handle(context.Background(), &queue.Job{ID: "x", Data: []byte(`{"tenantId":"t1"}`)})
	if !queue.IsUnrecoverable(err) {
		t.Errorf("expected unrecoverable error, got %v", err)
	}
	err = f.proc.Handle(context.Background(), &queue.Job{ID: "x", Data: []byte(`{"tenantId":"t1","documentId":"d1"}`)})
	if !queue.IsUnrecoverable(err) {
		t.Errorf("expected unrecoverable error for a non-uuid id, got %v", err)
	}
}

func TestHandle_ConcurrentDeliveriesRenderOnce(t *testing.T) {
	f := newFixture(t, http.StatusOK, testPDF)
	doc := f.queued("t1", encounter.StatusFinalized)
	job := jobFor(t, doc)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.proc.Handle(context.Background(), job)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if f.docs.rendered != 1 {
		t.Errorf("expected exactly one render to be recorded, got %d", f.docs.rendered)
	}
	if f.encounters.transitions != 1 {
		t.Errorf("expected exactly one transition, got %d", f.encounters.transitions)
	}
	if f.docs.get(doc.ID).Status != document.StatusRendered {
		t.Error("expected RENDERED")
	}
}

func TestHandle_LocksEncounterBeforeDocument(t *testing.T) {
	f := newFixture(t, http.StatusOK, testPDF)
	doc := f.queued("t1", encounter.StatusFinalized)

	if err := f.proc.Handle(context.Background(), jobFor(t, doc)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := f.locks.list()
	if len(got) != 2 || got[0] != "encounter" || got[1] != "document" {
		t.Errorf("expected [encounter document], got %v", got)
	}
}

func TestExhausted_MarksQueuedDocumentFailed(t *testing.T) {
	f := newFixture(t, http.StatusOK, testPDF)
	doc := f.queued("t1", encounter.StatusFinalized)
	job := jobFor(t, doc)
	job.State = queue.StateFailed
	job.FailedReason = queue.StalledJobReason

	f.proc.Exhausted(context.Background(), job)

	got := f.docs.get(doc.ID)
	if got.Status != document.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.ErrorCode != document.ErrorCodeRenderFailed {
		t.Errorf("expected %s, got %s", document.ErrorCodeRenderFailed, got.ErrorCode)
	}
	if got.ErrorMessage != queue.StalledJobReason {
		t.Errorf("expected stalled reason, got %q", got.ErrorMessage)
	}
	if f.render.calls.Load() != 0 {
		t.Error("expected no render call")
	}
}

func TestExhausted_LeavesRenderedDocument(t *testing.T) {
	f := newFixture(t, http.StatusOK, testPDF)
	doc := f.queued("t1", encounter.StatusFinalized)
	f.docs.docs[doc.ID].Status = document.StatusRendered

	f.proc.Exhausted(context.Background(), jobFor(t, doc))
	f.proc.Exhausted(context.Background(), &queue.Job{ID: "x", Data: []byte(`not json`)})

	if got := f.docs.get(doc.ID).Status; got != document.StatusRendered {
		t.Errorf("expected RENDERED to stay, got %s", got)
	}
}
