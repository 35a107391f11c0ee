package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	RenderQueueName = "document-render-queue"
	RenderJobName   = "DOCUMENT_RENDER"
)

// RenderJobID is the de-duplication key for a document render. Document ids
// are UUIDs, so the id stays unambiguous for tenant ids containing "__".
func RenderJobID(tenantID, documentID string) string {
	return tenantID + "__" + documentID
}

// RenderJobData is the body of a DOCUMENT_RENDER job. Trace carries the W3C
// trace context of the request that enqueued it.
type RenderJobData struct {
	TenantID   string                 `json:"tenantId"`
	DocumentID string                 `json:"documentId"`
	Payload    json.RawMessage        `json:"payload,omitempty"`
	Trace      propagation.MapCarrier `json:"trace,omitempty"`
}

// ContextWithTrace returns ctx carrying the enqueuer's span as remote parent.
func (d RenderJobData) ContextWithTrace(ctx context.Context) context.Context {
	if len(d.Trace) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, d.Trace)
}

// RenderQueue enqueues document renders onto the shared queue.
type RenderQueue struct {
	q *Queue
}

func NewRenderQueue(q *Queue) *RenderQueue {
	return &RenderQueue{q: q}
}

func (r *RenderQueue) Queue() *Queue { return r.q }

// EnqueueRender schedules a render for the document. Calling it again while
// the document's job is still outstanding is a no-op and returns false.
func (r *RenderQueue) EnqueueRender(ctx context.Context, tenantID, documentID string, payload json.RawMessage) (bool, error) {
	if tenantID == "" || documentID == "" {
		return false, fmt.Errorf("enqueue render: tenant and document id are required")
	}

	data := RenderJobData{
		TenantID:   tenantID,
		DocumentID: documentID,
		Payload:    payload,
		Trace:      propagation.MapCarrier{},
	}
	otel.GetTextMapPropagator().Inject(ctx, data.Trace)

	body, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("encode render job: %w", err)
	}
	return r.q.Enqueue(ctx, RenderJobID(tenantID, documentID), RenderJobName, body)
}

// DecodeRenderJob reads the job body written by EnqueueRender.
func DecodeRenderJob(job *Job) (RenderJobData, error) {
	var data RenderJobData
	if err := json.Unmarshal(job.Data, &data); err != nil {
		return data, fmt.Errorf("decode render job %s: %w", job.ID, err)
	}
	if data.TenantID == "" || data.DocumentID == "" {
		return data, fmt.Errorf("render job %s: missing tenant or document id", job.ID)
	}
	return data, nil
}
