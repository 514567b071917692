package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper wraps an http.Client with a circuit breaker. 5xx responses
// count as failures for breaker purposes; 4xx do not trip the breaker.
type HTTPWrapper struct {
	client *http.Client
	cb     *CircuitBreaker
	name   string
	logger *zap.Logger
}

// NewHTTPWrapper creates a new HTTP wrapper with circuit breaker protection.
func NewHTTPWrapper(client *http.Client, name string, settings Settings, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPWrapper{
		client: client,
		cb:     NewCircuitBreaker(name, settings.ToConfig(), logger),
		name:   name,
		logger: logger,
	}
}

// Do executes an HTTP request through the circuit breaker.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var doErr error
		resp, doErr = hw.client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	// A 5xx tripped the breaker accounting, but the caller still gets the
	// response to read status and body.
	if _, ok := err.(*httpStatusError); ok {
		return resp, nil
	}
	return resp, err
}

// State returns the current breaker state.
func (hw *HTTPWrapper) State() State {
	return hw.cb.State()
}

// httpStatusError marks 5xx responses for breaker accounting
type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
