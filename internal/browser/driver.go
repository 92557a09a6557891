// Package browser defines the automation driver the pool manages and its
// chromedp implementation.
package browser

import (
	"context"
	"net/http"
)

// Driver is one isolated browsing context. A Driver is used by a single caller
// at a time; the pool enforces that exclusivity.
type Driver interface {
	// Navigate loads url with optional extra request headers.
	Navigate(ctx context.Context, url string, headers http.Header) error
	// WaitReady blocks until the current document has a body.
	WaitReady(ctx context.Context) error
	// Location reports the current top-level URL.
	Location(ctx context.Context) (string, error)
	// HTML returns the serialized document.
	HTML(ctx context.Context) (string, error)
	// WaitSelector blocks until selector matches a visible element.
	WaitSelector(ctx context.Context, selector string) error
	// Response describes the latest main-document response.
	Response() Response
	// Alive is a non-blocking liveness probe.
	Alive() bool
	Close() error
}

// Response is the metadata of a main-document network response.
type Response struct {
	URL      string
	Status   int
	MimeType string
	Headers  http.Header
}
