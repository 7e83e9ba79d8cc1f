package capture

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/funnyzak/tapkit/pkg/transport"
)

// DefaultMaxBodyBytes bounds how much of each body a record keeps.
const DefaultMaxBodyBytes = 64 << 10

// Options configures a Recorder.
type Options struct {
	Module string
	Sink   Sink
	Filter Filter
	// Toggles is shared between recorders so modules can be switched at runtime.
	Toggles *Toggles
	// MaxBodyBytes caps retained body text. Zero selects DefaultMaxBodyBytes,
	// a negative value keeps sizes only.
	MaxBodyBytes int64
	// RedactHeaders lists header names to mask; nil selects DefaultRedactHeaders.
	RedactHeaders []string
	Logger        transport.Logger
	Observer      Observer
	Clock         func() time.Time
}

// Recorder is a transport stage that snapshots every exchange of one module.
type Recorder struct {
	module   string
	sink     Sink
	filter   Filter
	toggles  *Toggles
	maxBody  int64
	redact   redactor
	logger   transport.Logger
	observer Observer
	clock    func() time.Time
}

// NewRecorder creates a recorder for opts.Module.
func NewRecorder(opts Options) *Recorder {
	r := &Recorder{
		module:   opts.Module,
		sink:     opts.Sink,
		filter:   opts.Filter,
		toggles:  opts.Toggles,
		maxBody:  opts.MaxBodyBytes,
		logger:   opts.Logger,
		observer: opts.Observer,
		clock:    opts.Clock,
	}
	if r.maxBody == 0 {
		r.maxBody = DefaultMaxBodyBytes
	}
	if r.maxBody < 0 {
		r.maxBody = 0
	}
	names := opts.RedactHeaders
	if names == nil {
		names = DefaultRedactHeaders
	}
	r.redact = newRedactor(names)
	if r.clock == nil {
		r.clock = time.Now
	}
	return r
}

// Module returns the module name records are filed under.
func (r *Recorder) Module() string { return r.module }

// Stage exposes Intercept as a transport stage.
func (r *Recorder) Stage() transport.Stage { return r.Intercept }

// Intercept forwards req to next and records the exchange as a side effect.
// The response and error from next are returned unchanged.
func (r *Recorder) Intercept(req *http.Request, next transport.Next) (*http.Response, error) {
	if r.sink == nil || !r.toggles.IsEnabled(r.module) {
		return next(req)
	}
	if r.filter != nil && !r.filter.ShouldCapture(req) {
		r.observe(ResultFiltered)
		return next(req)
	}

	start := r.clock()
	ex := &exchange{
		rec:     NewRecord(r.module, start),
		reqBody: newCapBuffer(r.maxBody),
		start:   start,
	}
	ex.rec.Request = RequestMeta{
		Method:  req.Method,
		URL:     req.URL.String(),
		Headers: r.redact.apply(req.Header),
	}
	ex.reqType = req.Header.Get("Content-Type")

	if req.Body != nil && req.Body != http.NoBody {
		out := new(http.Request)
		*out = *req
		out.Body = &teeBody{rc: req.Body, buf: ex.reqBody}
		req = out
	}

	resp, err := next(req)
	elapsed := r.clock().Sub(start).Milliseconds()
	if err != nil {
		ex.rec.Response = ResponseMeta{
			StatusLine: FailedPrefix + err.Error(),
			ElapsedMs:  elapsed,
		}
		r.finish(ex)
		return resp, err
	}

	ex.rec.Response = ResponseMeta{
		StatusLine: statusLine(resp),
		StatusCode: resp.StatusCode,
		ElapsedMs:  elapsed,
		Headers:    r.redact.apply(resp.Header),
	}
	// an upgraded connection's body is read-write and must reach the caller as is
	if resp.Body == nil || resp.Body == http.NoBody || req.Method == http.MethodHead ||
		resp.StatusCode == http.StatusSwitchingProtocols {
		r.finish(ex)
		return resp, nil
	}

	ex.respBody = newCapBuffer(r.maxBody)
	ex.respType = resp.Header.Get("Content-Type")
	resp.Body = &recordingBody{
		teeBody: teeBody{rc: resp.Body, buf: ex.respBody},
		done: func(readErr error, early bool) {
			if readErr != nil {
				ex.rec.Response.ReadError = readErr.Error()
			}
			ex.rec.Response.Incomplete = early
			r.finish(ex)
		},
	}
	return resp, nil
}

// exchange accumulates one record while the bodies stream.
type exchange struct {
	rec      *Record
	start    time.Time
	reqBody  *capBuffer
	reqType  string
	respBody *capBuffer
	respType string
}

func (r *Recorder) finish(ex *exchange) {
	body, size, truncated, text := ex.reqBody.snapshot(ex.reqType)
	ex.rec.Request.Body = body
	ex.rec.Request.BodySize = size
	ex.rec.Request.Truncated = truncated
	ex.rec.Request.IsText = text
	if text && !truncated {
		ex.rec.Request.BodyParams = formParams(ex.reqType, body)
	}
	if ex.respBody != nil {
		body, size, truncated, text = ex.respBody.snapshot(ex.respType)
		ex.rec.Response.Body = body
		ex.rec.Response.BodySize = size
		ex.rec.Response.Truncated = truncated
		ex.rec.Response.IsText = text
	} else {
		ex.rec.Response.IsText = true
	}
	r.write(ex.rec)
}

func (r *Recorder) write(rec *Record) {
	err := r.sink.Write(rec)
	switch {
	case err == nil:
		r.observe(ResultCaptured)
	case errors.Is(err, ErrDropped):
		r.observe(ResultDropped)
	default:
		r.observe(ResultFailed)
		if r.logger != nil {
			r.logger.Warn("Capture write failed",
				"module", r.module,
				"record", rec.ID,
				"error", err.Error(),
			)
		}
	}
}

func (r *Recorder) observe(result string) {
	if r.observer != nil {
		r.observer.CaptureResult(r.module, result)
	}
}

func statusLine(resp *http.Response) string {
	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if resp.Proto == "" {
		return status
	}
	return resp.Proto + " " + status
}

func formParams(contentType, body string) map[string][]string {
	if body == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/x-www-form-urlencoded" {
		return nil
	}
	values, err := url.ParseQuery(body)
	if err != nil || len(values) == 0 {
		return nil
	}
	return values
}

// capBuffer keeps the first limit bytes written to it and counts the rest.
// The request side is written by the transport's goroutine, hence the lock.
type capBuffer struct {
	mu    sync.Mutex
	limit int64
	data  []byte
	head  []byte
	total int64
}

func newCapBuffer(limit int64) *capBuffer {
	return &capBuffer{limit: limit}
}

func (b *capBuffer) write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if need := sniffLen - len(b.head); need > 0 {
		if need > len(p) {
			need = len(p)
		}
		b.head = append(b.head, p[:need]...)
	}
	if room := b.limit - int64(len(b.data)); room > 0 {
		if room > int64(len(p)) {
			room = int64(len(p))
		}
		b.data = append(b.data, p[:room]...)
	}
	b.total += int64(len(p))
}

// snapshot returns the retained body text, the full size, whether text was
// cut short, and whether the payload is text at all.
func (b *capBuffer) snapshot(contentType string) (string, int64, bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.total == 0 {
		return "", 0, false, true
	}
	if !isTextual(contentType, b.head, b.total > int64(len(b.head))) {
		return NonText, b.total, false, false
	}
	truncated := b.total > int64(len(b.data))
	data := b.data
	if truncated {
		data = trimPartialRune(data)
	}
	// records are stored as JSON strings, which cannot carry invalid UTF-8
	if !utf8.Valid(data) {
		return NonText, b.total, false, false
	}
	return string(data), b.total, truncated, true
}

type teeBody struct {
	rc  io.ReadCloser
	buf *capBuffer
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 {
		t.buf.write(p[:n])
	}
	return n, err
}

func (t *teeBody) Close() error {
	return t.rc.Close()
}

// recordingBody reports completion exactly once: at EOF, on a read error,
// or when closed early.
type recordingBody struct {
	teeBody
	once sync.Once
	done func(readErr error, early bool)
}

func (b *recordingBody) Read(p []byte) (int, error) {
	n, err := b.teeBody.Read(p)
	if err != nil {
		var readErr error
		if !errors.Is(err, io.EOF) {
			readErr = err
		}
		b.once.Do(func() { b.done(readErr, false) })
	}
	return n, err
}

func (b *recordingBody) Close() error {
	err := b.teeBody.Close()
	b.once.Do(func() { b.done(nil, true) })
	return err
}
