package capture

import (
	"errors"
	"net/http"
	"strings"
)

// Sink persists finished records.
type Sink interface {
	Write(rec *Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(rec *Record) error

// Write implements Sink.
func (f SinkFunc) Write(rec *Record) error { return f(rec) }

// ErrDropped is returned by sinks that shed load instead of blocking.
var ErrDropped = errors.New("capture: record dropped")

// MultiSink writes every record to each sink in order and returns the first
// error after trying all of them.
func MultiSink(sinks ...Sink) Sink {
	return SinkFunc(func(rec *Record) error {
		var first error
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Write(rec); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}

// Capture results reported to an Observer. The recorder reports captured
// once a sink accepted a record; asynchronous sinks report written after
// the record reached storage.
const (
	ResultCaptured = "captured"
	ResultWritten  = "written"
	ResultDropped  = "dropped"
	ResultFailed   = "failed"
	ResultFiltered = "filtered"
)

// Observer counts capture outcomes per module.
type Observer interface {
	CaptureResult(module, result string)
}

// Redacted replaces sensitive header values.
const Redacted = "[REDACTED]"

// DefaultRedactHeaders are masked unless the recorder is told otherwise.
var DefaultRedactHeaders = []string{
	"Authorization",
	"Proxy-Authorization",
	"Cookie",
	"Set-Cookie",
	"X-Api-Key",
	"X-Auth-Token",
}

type redactor map[string]struct{}

func newRedactor(names []string) redactor {
	r := make(redactor, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			r[http.CanonicalHeaderKey(n)] = struct{}{}
		}
	}
	return r
}

func (r redactor) apply(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	out := h.Clone()
	for name, values := range out {
		if _, ok := r[http.CanonicalHeaderKey(name)]; !ok {
			continue
		}
		masked := make([]string, len(values))
		for i := range masked {
			masked[i] = Redacted
		}
		out[name] = masked
	}
	return out
}
