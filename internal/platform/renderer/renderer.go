// Package renderer calls the external PDF render service.
package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"
)

var (
	ErrInvalidPDF  = errors.New("render service returned a body that is not a PDF")
	ErrBreakerOpen = errors.New("render service circuit open")
)

var pdfMagic = []byte("%PDF-")

// Request is the body posted to {baseURL}/render.
type Request struct {
	TemplateKey     string          `json:"templateKey"`
	TemplateVersion int             `json:"templateVersion"`
	PayloadVersion  int             `json:"payloadVersion"`
	Payload         json.RawMessage `json:"payload"`
}

// RenderError is returned for non-2xx responses.
type RenderError struct {
	StatusCode int
	Body       string
}

func (e *RenderError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("render service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("render service returned %d: %s", e.StatusCode, e.Body)
}

type Options struct {
	BaseURL string
	Timeout time.Duration

	// Consecutive failures that open the breaker, and how long it stays open.
	MaxFailures uint32
	OpenTimeout time.Duration
}

type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/pdf")

	maxFailures := opts.MaxFailures
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "pdf-render",
		Timeout: opts.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
		// A template the service rejects says nothing about its health.
		IsSuccessful: func(err error) bool {
			var re *RenderError
			if errors.As(err, &re) && re.StatusCode < 500 {
				return true
			}
			return err == nil || errors.Is(err, ErrInvalidPDF)
		},
	})

	return &Client{http: httpClient, breaker: breaker}
}

// Render posts the request and returns the PDF bytes.
func (c *Client) Render(ctx context.Context, req Request) ([]byte, error) {
	if req.TemplateKey == "" {
		return nil, fmt.Errorf("render: template key is required")
	}
	pdf, err := c.breaker.Execute(func() ([]byte, error) {
		return c.post(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrBreakerOpen, err)
	}
	return pdf, err
}

// State exposes the breaker state for health reporting.
func (c *Client) State() string {
	return c.breaker.State().String()
}

func (c *Client) post(ctx context.Context, req Request) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post("/render")
	if err != nil {
		return nil, fmt.Errorf("call render service: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, &RenderError{StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 200)}
	}
	body := resp.Body()
	if !bytes.HasPrefix(body, pdfMagic) {
		return nil, ErrInvalidPDF
	}
	return body, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
