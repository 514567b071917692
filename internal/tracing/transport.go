package tracing

import "net/http"

// Transport is an http.RoundTripper that opens a client span per request and
// injects the W3C traceparent header, so outbound calls from wrapped clients
// join the active trace without per-call-site plumbing.
type Transport struct {
	Base http.RoundTripper
}

// NewTransport wraps base with trace propagation. A nil base uses
// http.DefaultTransport.
func NewTransport(base http.RoundTripper) *Transport {
	return &Transport{Base: base}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, span := StartHTTPSpan(req.Context(), req.Method, req.URL.String())
	defer span.End()

	// Clone before mutating headers; RoundTrippers must not modify the
	// caller's request.
	req = req.Clone(ctx)
	InjectTraceparent(ctx, req)

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}
