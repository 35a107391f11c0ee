package middleware

import (
	"fmt"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
)

const defaultBodyLimit = 1 << 20

// BodyLimit rejects request bodies larger than limit, given in human form
// ("512KiB", "1MB"). An unparsable limit falls back to 1 MiB.
func BodyLimit(limit string) echo.MiddlewareFunc {
	max := parseLimit(limit)
	tooLarge := echo.NewHTTPError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("request body exceeds %s", humanize.IBytes(uint64(max))))

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > max {
				return tooLarge
			}
			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: max, err: tooLarge}
			return next(c)
		}
	}
}

// limitedReadCloser enforces the limit when Content-Length is absent or wrong.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	err       error
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.remaining < 0 {
		return 0, r.err
	}
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		return 0, r.err
	}
	return n, err
}

func parseLimit(s string) int64 {
	if s == "" {
		return defaultBodyLimit
	}
	n, err := humanize.ParseBytes(s)
	if err != nil || n == 0 {
		return defaultBodyLimit
	}
	return int64(n)
}
