package transport

import (
	"net/http"
	"time"

	"github.com/funnyzak/tapkit/pkg/progress"
)

// Headers sets default headers on requests that do not carry them already.
func Headers(defaults map[string]string) Stage {
	if len(defaults) == 0 {
		return nil
	}
	return func(req *http.Request, next Next) (*http.Response, error) {
		var clone *http.Request
		for key, value := range defaults {
			if req.Header.Get(key) != "" {
				continue
			}
			if clone == nil {
				clone = req.Clone(req.Context())
			}
			clone.Header.Set(key, value)
		}
		if clone != nil {
			req = clone
		}
		return next(req)
	}
}

// Logging writes one debug line per request and a warning per failure.
func Logging(service string, log Logger) Stage {
	log = orNop(log)
	return func(req *http.Request, next Next) (*http.Response, error) {
		start := time.Now()
		resp, err := next(req)
		if err != nil {
			log.Warn("Request failed",
				"service", service,
				"method", req.Method,
				"url", req.URL.String(),
				"error", err.Error(),
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			return resp, err
		}
		log.Debug("Request completed",
			"service", service,
			"method", req.Method,
			"url", req.URL.String(),
			"status", resp.StatusCode,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return resp, nil
	}
}

// RequestObserver receives per-request measurements. A zero code means the
// transport failed before a response arrived.
type RequestObserver interface {
	ObserveRequest(service string, code int, elapsed time.Duration)
}

// Metrics reports every exchange to obs.
func Metrics(service string, obs RequestObserver) Stage {
	if obs == nil {
		return nil
	}
	return func(req *http.Request, next Next) (*http.Response, error) {
		start := time.Now()
		resp, err := next(req)
		code := 0
		if err == nil && resp != nil {
			code = resp.StatusCode
		}
		obs.ObserveRequest(service, code, time.Since(start))
		return resp, err
	}
}

// ProgressOptions tunes the Progress stage.
type ProgressOptions struct {
	Refresh    time.Duration
	Dispatcher progress.Dispatcher
}

// Progress wraps request and response bodies in a progress.Stream when the
// request context carries listeners (see progress.WithUpload and
// progress.WithDownload).
func Progress(opts ProgressOptions) Stage {
	return func(req *http.Request, next Next) (*http.Response, error) {
		ctx := req.Context()
		if l := progress.UploadListener(ctx); l != nil && req.Body != nil && req.Body != http.NoBody {
			total := req.ContentLength
			if total == 0 {
				// a non-nil body with zero length means unknown
				total = -1
			}
			out := new(http.Request)
			*out = *req
			out.Body = progress.NewStream(req.Body, l, progress.Options{
				Total:      total,
				Refresh:    opts.Refresh,
				Dispatcher: opts.Dispatcher,
			})
			req = out
		}

		resp, err := next(req)
		if err != nil || resp == nil || resp.Body == nil || resp.StatusCode == http.StatusSwitchingProtocols {
			return resp, err
		}
		if l := progress.DownloadListener(ctx); l != nil {
			resp.Body = progress.NewStream(resp.Body, l, progress.Options{
				Total:      resp.ContentLength,
				Refresh:    opts.Refresh,
				Dispatcher: opts.Dispatcher,
			})
		}
		return resp, nil
	}
}
