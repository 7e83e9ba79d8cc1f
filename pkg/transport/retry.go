package transport

import (
	"io"
	"math"
	"net/http"
	"time"
)

// Logger is the subset of the application logger the stages need.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}

func orNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}

// RetryOptions configures the Retry stage.
type RetryOptions struct {
	// Retries is the number of extra attempts after the first one.
	Retries int
	// BaseDelay is the first backoff; later ones double. Defaults to one second.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Defaults to 30 seconds.
	MaxDelay time.Duration
	Logger   Logger
}

// Retry re-sends idempotent requests that fail at the transport level or
// come back with a 5xx status, backing off exponentially between attempts.
func Retry(opts RetryOptions) Stage {
	base := durationOrDefault(opts.BaseDelay, time.Second)
	ceiling := durationOrDefault(opts.MaxDelay, 30*time.Second)
	log := orNop(opts.Logger)

	return func(req *http.Request, next Next) (*http.Response, error) {
		if opts.Retries <= 0 || !replayable(req) {
			return next(req)
		}

		var (
			resp *http.Response
			err  error
		)
		for attempt := 0; attempt <= opts.Retries; attempt++ {
			if attempt > 0 {
				backoff := time.Duration(math.Pow(2, float64(attempt-1))) * base
				if backoff > ceiling {
					backoff = ceiling
				}
				timer := time.NewTimer(backoff)
				select {
				case <-req.Context().Done():
					timer.Stop()
					log.Info("Retry cancelled by context",
						"url", req.URL.String(),
						"attempt", attempt+1,
					)
					if err == nil {
						return nil, req.Context().Err()
					}
					return nil, err
				case <-timer.C:
				}

				if req.GetBody != nil {
					body, berr := req.GetBody()
					if berr != nil {
						return nil, berr
					}
					clone := req.Clone(req.Context())
					clone.Body = body
					req = clone
				}
			}

			resp, err = next(req)
			if err == nil && resp.StatusCode < http.StatusInternalServerError {
				return resp, nil
			}
			if attempt == opts.Retries {
				break
			}

			if err != nil {
				log.Warn("Request attempt failed",
					"url", req.URL.String(),
					"error", err.Error(),
					"attempt", attempt+1,
				)
			} else {
				log.Warn("Request attempt returned server error",
					"url", req.URL.String(),
					"status", resp.StatusCode,
					"attempt", attempt+1,
				)
				drain(resp)
			}
		}
		return resp, err
	}
}

func replayable(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
	default:
		return false
	}
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// drain discards a response that will not be handed to the caller so the
// connection can return to the pool.
func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
