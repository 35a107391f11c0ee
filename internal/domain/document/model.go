package document

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	StatusQueued   = "QUEUED"
	StatusRendered = "RENDERED"
	StatusFailed   = "FAILED"
)

const TypeLabReport = "LAB_REPORT"

// Versions stamped on every document and sent to the render service.
const (
	PayloadVersion  = 1
	TemplateVersion = 1
)

// Error codes recorded on FAILED documents.
const (
	ErrorCodeRenderFailed  = "DOCUMENT_RENDER_FAILED"
	ErrorCodePathViolation = "STORAGE_PATH_VIOLATION"
)

// MaxErrorMessage bounds the stored error_message column.
const MaxErrorMessage = 500

// Document is a PDF render request and, once RENDERED, its stored artifact.
// PayloadJSON holds the canonical payload bytes.
type Document struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	TenantID        string          `db:"tenant_id" json:"tenant_id"`
	EncounterID     uuid.UUID       `db:"encounter_id" json:"encounter_id"`
	DocumentType    string          `db:"document_type" json:"document_type"`
	PayloadJSON     json.RawMessage `db:"payload_json" json:"payload,omitempty"`
	PayloadHash     string          `db:"payload_hash" json:"payload_hash"`
	PayloadVersion  int             `db:"payload_version" json:"payload_version"`
	TemplateVersion int             `db:"template_version" json:"template_version"`
	Status          string          `db:"status" json:"status"`
	StorageBackend  string          `db:"storage_backend" json:"storage_backend,omitempty"`
	StorageKey      string          `db:"storage_key" json:"storage_key,omitempty"`
	PDFHash         string          `db:"pdf_hash" json:"pdf_hash,omitempty"`
	RenderedAt      *time.Time      `db:"rendered_at" json:"rendered_at,omitempty"`
	ErrorCode       string          `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage    string          `db:"error_message" json:"error_message,omitempty"`
	RequestedBy     string          `db:"requested_by" json:"requested_by,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// DefaultTemplateKey derives a template from the document type:
// LAB_REPORT becomes lab-report.
func DefaultTemplateKey(documentType string) string {
	return strings.ReplaceAll(strings.ToLower(documentType), "_", "-")
}

// TemplateKey reads meta.templateKey from the payload, falling back to the
// type-derived default.
func (d *Document) TemplateKey() string {
	var p struct {
		Meta struct {
			TemplateKey string `json:"templateKey"`
		} `json:"meta"`
	}
	if len(d.PayloadJSON) > 0 && json.Unmarshal(d.PayloadJSON, &p) == nil && p.Meta.TemplateKey != "" {
		return p.Meta.TemplateKey
	}
	return DefaultTemplateKey(d.DocumentType)
}

// TruncateMessage cuts msg to MaxErrorMessage runes.
func TruncateMessage(msg string) string {
	r := []rune(msg)
	if len(r) <= MaxErrorMessage {
		return msg
	}
	return string(r[:MaxErrorMessage])
}

// ReportPayload is the render input for a lab report. It carries no
// timestamps of its own so equal lab data yields an equal fingerprint.
type ReportPayload struct {
	Meta      ReportMeta      `json:"meta"`
	Encounter ReportEncounter `json:"encounter"`
	Items     []ReportItem    `json:"items"`
}

type ReportMeta struct {
	TemplateKey     string `json:"templateKey"`
	DocumentType    string `json:"documentType"`
	PayloadVersion  int    `json:"payloadVersion"`
	TemplateVersion int    `json:"templateVersion"`
}

type ReportEncounter struct {
	ID          string     `json:"id"`
	PatientID   string     `json:"patientId"`
	Type        string     `json:"type"`
	FinalizedAt *time.Time `json:"finalizedAt,omitempty"`
}

type ReportItem struct {
	ID                string         `json:"id"`
	TestCode          string         `json:"testCode"`
	TestName          string         `json:"testName"`
	SampleCollectedAt *time.Time     `json:"sampleCollectedAt,omitempty"`
	SampleReceivedAt  *time.Time     `json:"sampleReceivedAt,omitempty"`
	VerifiedBy        string         `json:"verifiedBy"`
	VerifiedAt        *time.Time     `json:"verifiedAt,omitempty"`
	Results           []ReportResult `json:"results"`
}

type ReportResult struct {
	Parameter      string `json:"parameter"`
	Value          string `json:"value"`
	Unit           string `json:"unit,omitempty"`
	ReferenceRange string `json:"referenceRange,omitempty"`
	Flag           string `json:"flag,omitempty"`
}
