// Package httputil builds the HTTP clients shared by the upstream
// integrations.
package httputil

import (
	"net/http"
	"time"
)

// DefaultTimeout bounds one request against the weather APIs.
const DefaultTimeout = 30 * time.Second

// userAgent identifies meteocast to upstream services.
const userAgent = "meteocast/1.0 (+https://github.com/avelar/meteocast)"

// NewClient returns a client with the standard timeout that tags every
// request with the meteocast User-Agent.
func NewClient() *http.Client {
	return NewClientTimeout(DefaultTimeout)
}

// NewClientTimeout returns a tagged client with a custom timeout, for
// upstreams slower than the weather APIs.
func NewClientTimeout(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &uaTransport{base: http.DefaultTransport},
	}
}

type uaTransport struct {
	base http.RoundTripper
}

// RoundTrip must not mutate the caller's request, so the header is set
// on a clone.
func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", userAgent)
	}
	return t.base.RoundTrip(req)
}
