package renderer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testRequest() Request {
	return Request{
		TemplateKey:     "lab-report",
		TemplateVersion: 1,
		PayloadVersion:  1,
		Payload:         json.RawMessage(`{"encounter":{"id":"e1"}}`),
	}
}

func TestRender_Success(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/render" {
			t.Errorf("expected POST /render, got %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.7\nfake"))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL + "/", Timeout: time.Second})
	pdf, err := c.Render(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(pdf) != "%PDF-1.7\nfake" {
		t.Errorf("expected pdf bytes, got %q", pdf)
	}
	if got.TemplateKey != "lab-report" || got.TemplateVersion != 1 || got.PayloadVersion != 1 {
		t.Errorf("unexpected request body: %+v", got)
	}
	if string(got.Payload) != `{"encounter":{"id":"e1"}}` {
		t.Errorf("expected payload passed through, got %s", got.Payload)
	}
}

func TestRender_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "template exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	_, err := c.Render(context.Background(), testRequest())
	var re *RenderError
	if !errors.As(err, &re) {
		t.Fatalf("expected RenderError, got %v", err)
	}
	if re.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", re.StatusCode)
	}
	if re.Body != "template exploded" {
		t.Errorf("expected body in error, got %q", re.Body)
	}
}

func TestRender_RejectsNonPDFBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	if _, err := c.Render(context.Background(), testRequest()); !errors.Is(err, ErrInvalidPDF) {
		t.Errorf("expected ErrInvalidPDF, got %v", err)
	}
}

func TestRender_RequiresTemplateKey(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:1"})
	req := testRequest()
	req.TemplateKey = ""
	if _, err := c.Render(context.Background(), req); err == nil {
		t.Error("expected error for missing template key")
	}
}

func TestRender_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte("%PDF-late"))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	if _, err := c.Render(context.Background(), testRequest()); err == nil {
		t.Error("expected timeout error")
	}
}

func TestRender_BreakerOpensOnServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, MaxFailures: 2, OpenTimeout: time.Minute})
	for i := 0; i < 2; i++ {
		if _, err := c.Render(context.Background(), testRequest()); err == nil {
			t.Fatal("expected failure")
		}
	}
	_, err := c.Render(context.Background(), testRequest())
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected 2 calls to reach the service, got %d", n)
	}
	if c.State() != "open" {
		t.Errorf("expected open breaker, got %s", c.State())
	}
}

func TestRender_ClientErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, MaxFailures: 1})
	for i := 0; i < 3; i++ {
		_, err := c.Render(context.Background(), testRequest())
		var re *RenderError
		if !errors.As(err, &re) {
			t.Fatalf("expected RenderError on call %d, got %v", i, err)
		}
	}
	if c.State() != "closed" {
		t.Errorf("expected closed breaker, got %s", c.State())
	}
}
