package transport

import "net/http"

// Next hands a request to the rest of the pipeline.
type Next func(*http.Request) (*http.Response, error)

// Stage is one step of the interception pipeline. A stage must call next
// exactly once unless it answers the request itself.
type Stage func(req *http.Request, next Next) (*http.Response, error)

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements http.RoundTripper.
func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type chain struct {
	base http.RoundTripper
	next Next
}

// Chain composes stages around base. stages[0] is the outermost stage.
func Chain(base http.RoundTripper, stages ...Stage) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	next := Next(base.RoundTrip)
	for i := len(stages) - 1; i >= 0; i-- {
		if stages[i] == nil {
			continue
		}
		stage, inner := stages[i], next
		next = func(req *http.Request) (*http.Response, error) {
			return stage(req, inner)
		}
	}
	return &chain{base: base, next: next}
}

func (c *chain) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.next(req)
}

// CloseIdleConnections lets http.Client.CloseIdleConnections reach the base transport.
func (c *chain) CloseIdleConnections() {
	type closeIdler interface {
		CloseIdleConnections()
	}
	if ci, ok := c.base.(closeIdler); ok {
		ci.CloseIdleConnections()
	}
}
