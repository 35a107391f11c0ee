package laborder

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/domain/encounter"
	"github.com/lims/lims/internal/platform/apperr"
)

func newTestHandler() (*Handler, *fixture, *echo.Echo) {
	f := newFixture()
	return NewHandler(f.svc), f, echo.New()
}

func newRequest(e *echo.Echo, method, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(ctxAs("acme", "tech-1"))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_CreateTest(t *testing.T) {
	h, f, e := newTestHandler()

	body := `{"code":"LFT","name":"Liver Function","parameters":[{"name":"ALT","unit":"U/L","reference_low":7,"reference_high":56}]}`
	c, rec := newRequest(e, http.MethodPost, body)
	if err := h.CreateTest(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got LabTest
	json.Unmarshal(rec.Body.Bytes(), &got)
	if !got.Active || len(got.Parameters) != 1 {
		t.Errorf("expected active test with one parameter, got %+v", got)
	}
	if len(f.tests.tests) != 1 {
		t.Error("expected test to be stored")
	}
}

func TestHandler_AddTest(t *testing.T) {
	h, f, e := newTestHandler()
	test := f.cbc(t, ctxAs("acme", "admin"))
	enc := f.encounters.add("acme", encounter.TypeLab, encounter.StatusRegistered)

	c, rec := newRequest(e, http.MethodPost, `{"test_id":"`+test.ID.String()+`"}`)
	c.SetParamNames("id")
	c.SetParamValues(enc.ID.String())
	if err := h.AddTest(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	c, _ = newRequest(e, http.MethodPost, `{}`)
	c.SetParamNames("id")
	c.SetParamValues(enc.ID.String())
	if err := h.AddTest(c); apperr.CodeOf(err) != apperr.CodeValidation {
		t.Errorf("expected validation error for missing test_id, got %v", err)
	}
}

func TestHandler_EnterResults_Incomplete(t *testing.T) {
	h, f, e := newTestHandler()
	ctx := ctxAs("acme", "tech-1")
	test := f.cbc(t, ctx)
	enc := f.encounters.add("acme", encounter.TypeLab, encounter.StatusOrdered)
	item, _ := f.svc.AddTest(ctx, enc.ID, test.ID)

	body := `{"complete":true,"results":[{"parameter_id":"` + test.Parameters[0].ID.String() + `","value":"14"}]}`
	c, _ := newRequest(e, http.MethodPut, body)
	c.SetParamNames("itemId")
	c.SetParamValues(item.ID.String())

	err := h.EnterResults(c)
	if apperr.CodeOf(err) != apperr.CodeLabResultsIncomplete {
		t.Fatalf("expected LAB_RESULTS_INCOMPLETE, got %v", err)
	}
}

func TestHandler_VerifyAndFinalize(t *testing.T) {
	h, f, e := newTestHandler()
	ctx := ctxAs("acme", "tech-1")
	test := f.cbc(t, ctx)
	enc := f.encounters.add("acme", encounter.TypeLab, encounter.StatusOrdered)
	item, _ := f.svc.AddTest(ctx, enc.ID, test.ID)
	f.svc.EnterResults(ctx, item.ID, values(test, "14", "7"), true)

	c, rec := newRequest(e, http.MethodPost, "")
	c.SetParamNames("itemId")
	c.SetParamValues(item.ID.String())
	if err := h.Verify(c); err != nil {
		t.Fatalf("verify: %v", err)
	}
	var got OrderItem
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != StatusVerified {
		t.Errorf("expected VERIFIED, got %s", got.Status)
	}

	c, rec = newRequest(e, http.MethodPost, "")
	c.SetParamNames("id")
	c.SetParamValues(enc.ID.String())
	if err := h.Finalize(c); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if rec.Code != http.StatusOK || enc.Status != encounter.StatusFinalized {
		t.Errorf("expected 200 and FINALIZED, got %d %s", rec.Code, enc.Status)
	}
}

func TestHandler_ListItems_Empty(t *testing.T) {
	h, f, e := newTestHandler()
	enc := f.encounters.add("acme", encounter.TypeLab, encounter.StatusRegistered)

	c, rec := newRequest(e, http.MethodGet, "")
	c.SetParamNames("id")
	c.SetParamValues(enc.ID.String())
	if err := h.ListItems(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty array, got %s", rec.Body.String())
	}
}

func TestHandler_InvalidItemID(t *testing.T) {
	h, _, e := newTestHandler()

	c, _ := newRequest(e, http.MethodPost, "")
	c.SetParamNames("itemId")
	c.SetParamValues("nope")
	if err := h.CollectSample(c); apperr.CodeOf(err) != apperr.CodeValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}
