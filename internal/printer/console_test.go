package printer

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/funnyzak/tapkit/internal/config"
	"github.com/funnyzak/tapkit/internal/logger"
	"github.com/funnyzak/tapkit/pkg/capture"
	"github.com/funnyzak/tapkit/pkg/progress"
)

func init() {
	color.NoColor = true
}

func newTestRecord(method, url, contentType, body string) *capture.Record {
	rec := capture.NewRecord("orders", time.Date(2026, 3, 1, 14, 10, 37, 0, time.Local))
	rec.Request = capture.RequestMeta{
		Method:   method,
		URL:      url,
		Headers:  http.Header{"Content-Type": {contentType}, "Connection": {"keep-alive"}},
		Body:     body,
		BodySize: int64(len(body)),
		IsText:   true,
	}
	rec.Response = capture.ResponseMeta{
		StatusLine: "HTTP/1.1 200 OK",
		StatusCode: 200,
		ElapsedMs:  42,
		Headers:    http.Header{"Content-Type": {"text/plain"}},
		Body:       "ok",
		BodySize:   2,
		IsText:     true,
	}
	return rec
}

func newTestPrinter(view config.BodyViewConfig) (*ConsolePrinter, *bytes.Buffer) {
	p := NewConsolePrinter(logger.Nop(), &view)
	buf := &bytes.Buffer{}
	p.out = buf
	p.Width = 80
	return p, buf
}

func TestConsolePrinter_PrintRecord(t *testing.T) {
	p, buf := newTestPrinter(config.BodyViewConfig{})
	rec := newTestRecord("get", "https://api.example.com/orders?id=7", "text/plain", "hi")

	if err := p.PrintRecord(rec); err != nil {
		t.Fatalf("print record failed: %v", err)
	}
	output := buf.String()
	for _, want := range []string{"Record #", "[orders]", "14:10-19", "GET https://api.example.com/orders?id=7", "HTTP/1.1 200 OK (42 ms)", "Elapsed: 42 ms"} {
		if !strings.Contains(output, want) {
			t.Fatalf("output missing %q:\n%s", want, output)
		}
	}
	if strings.Contains(output, "Connection:") {
		t.Fatalf("hop-by-hop header should be hidden:\n%s", output)
	}
}

func TestConsolePrinter_JSONPretty(t *testing.T) {
	p, buf := newTestPrinter(config.BodyViewConfig{PrettyJSON: true})
	rec := newTestRecord("POST", "https://api.example.com/json", "application/json", `{"foo":"bar","nested":{"a":1}}`)

	if err := p.PrintRecord(rec); err != nil {
		t.Fatalf("print record failed: %v", err)
	}
	if !strings.Contains(buf.String(), "\n  \"foo\": \"bar\"") {
		t.Fatalf("expected pretty JSON output, got %s", buf.String())
	}
}

func TestConsolePrinter_FormTable(t *testing.T) {
	p, buf := newTestPrinter(config.BodyViewConfig{})
	rec := newTestRecord("POST", "https://api.example.com/form", "application/x-www-form-urlencoded", "foo=bar&foo=baz&bar=baz")

	if err := p.PrintRecord(rec); err != nil {
		t.Fatalf("print record failed: %v", err)
	}
	output := buf.String()
	if !strings.Contains(output, "Form data:") || !strings.Contains(output, "foo │ bar, baz") {
		t.Fatalf("expected form table output, got %s", output)
	}
}

func TestConsolePrinter_PrettyXML(t *testing.T) {
	p, buf := newTestPrinter(config.BodyViewConfig{PrettyXML: true})
	rec := newTestRecord("POST", "https://api.example.com/xml", "application/xml", "<a><b>1</b></a>")

	if err := p.PrintRecord(rec); err != nil {
		t.Fatalf("print record failed: %v", err)
	}
	if !strings.Contains(buf.String(), "<a>\n  <b>1</b>\n</a>") {
		t.Fatalf("expected indented XML, got %s", buf.String())
	}
}

func TestConsolePrinter_PreviewNotice(t *testing.T) {
	p, buf := newTestPrinter(config.BodyViewConfig{MaxPreviewBytes: 8})
	rec := newTestRecord("POST", "https://api.example.com/truncate", "text/plain", "0123456789abcdef")

	if err := p.PrintRecord(rec); err != nil {
		t.Fatalf("print record failed: %v", err)
	}
	output := buf.String()
	if !strings.Contains(output, "Showing first 8 B of 16 B") {
		t.Fatalf("expected preview notice, got %s", output)
	}
	if strings.Contains(output, "abcdef") {
		t.Fatalf("unexpected full body output when preview limit active")
	}
}

func TestConsolePrinter_BinaryAndFailed(t *testing.T) {
	p, buf := newTestPrinter(config.BodyViewConfig{})
	rec := newTestRecord("PUT", "https://api.example.com/blob", "application/octet-stream", "")
	rec.Request.Body = capture.NonText
	rec.Request.BodySize = 2048
	rec.Request.IsText = false
	rec.Response = capture.ResponseMeta{StatusLine: capture.FailedPrefix + "connection refused"}

	if err := p.PrintRecord(rec); err != nil {
		t.Fatalf("print record failed: %v", err)
	}
	output := buf.String()
	if !strings.Contains(output, "[Binary Body: application/octet-stream, 2.0 kB. Content skipped.]") {
		t.Fatalf("expected binary notice, got %s", output)
	}
	if !strings.Contains(output, "HTTP FAILED: connection refused") {
		t.Fatalf("expected failure status line, got %s", output)
	}
}

func TestConsolePrinter_IncompleteNotice(t *testing.T) {
	p, buf := newTestPrinter(config.BodyViewConfig{})
	rec := newTestRecord("GET", "https://api.example.com/stream", "text/plain", "")
	rec.Response.Incomplete = true

	if err := p.PrintRecord(rec); err != nil {
		t.Fatalf("print record failed: %v", err)
	}
	output := buf.String()
	if !strings.Contains(output, "[Empty Body - 0 B]") {
		t.Fatalf("expected empty body notice, got %s", output)
	}
	if !strings.Contains(output, "[Body closed before it was fully read]") {
		t.Fatalf("expected incomplete notice, got %s", output)
	}
}

func TestWrapText(t *testing.T) {
	lines := wrapText("alpha beta gamma delta", 11)
	if len(lines) != 2 || lines[0] != "alpha beta" || lines[1] != "gamma delta" {
		t.Fatalf("unexpected wrap: %q", lines)
	}
	if got := wrapText("", 10); len(got) != 1 || got[0] != "" {
		t.Fatalf("empty text should produce one empty line, got %q", got)
	}
}

func TestAsyncSinkPrintsRecords(t *testing.T) {
	buf := &bytes.Buffer{}
	sink := NewAsyncSink(New("console", logger.Nop(), &config.OutputConfig{}, buf), 4, nil)
	if err := sink.Write(newTestRecord("GET", "https://api.example.com/", "text/plain", "")); err != nil {
		t.Fatalf("sink write failed: %v", err)
	}
	sink.Close()
	if !strings.Contains(buf.String(), "Record #") {
		t.Fatalf("sink did not print: %s", buf.String())
	}
	if err := sink.Write(newTestRecord("GET", "https://api.example.com/", "text/plain", "")); err != nil {
		t.Fatalf("write after close should be ignored, got %v", err)
	}
}

type blockingPrinter struct {
	release chan struct{}
	mu      sync.Mutex
	printed int
}

func (p *blockingPrinter) PrintRecord(*capture.Record) error {
	<-p.release
	p.mu.Lock()
	p.printed++
	p.mu.Unlock()
	return nil
}

func TestAsyncSinkDoesNotBlockWriter(t *testing.T) {
	p := &blockingPrinter{release: make(chan struct{})}
	sink := NewAsyncSink(p, 1, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			if err := sink.Write(newTestRecord("GET", "https://api.example.com/", "text/plain", "")); err != nil {
				t.Errorf("write %d failed: %v", i, err)
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writes waited on a stalled printer")
	}

	close(p.release)
	sink.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	// one record in the worker plus one queued; the rest were skipped
	if p.printed < 1 || p.printed > 2 {
		t.Fatalf("expected 1 or 2 printed records, got %d", p.printed)
	}
}

func TestProgressBar(t *testing.T) {
	buf := &bytes.Buffer{}
	bar := NewProgressBar(buf, "report.csv", 10)
	listen := bar.Listener()

	listen(progress.Event{Phase: progress.PhaseStart, Total: 2000})
	listen(progress.Event{Phase: progress.PhaseProgress, Total: 2000, Current: 1000})
	listen(progress.Event{Phase: progress.PhaseFinish, Total: 2000, Current: 2000, Elapsed: 1500 * time.Millisecond})
	listen(progress.Event{Phase: progress.PhaseProgress, Total: 2000, Current: 2000})

	output := buf.String()
	if !strings.Contains(output, "report.csv [=====     ]  50.0% 1.0 kB / 2.0 kB") {
		t.Fatalf("expected half-filled bar, got %q", output)
	}
	if !strings.Contains(output, "report.csv done: 2.0 kB in 1.5s\n") {
		t.Fatalf("expected finish line, got %q", output)
	}
	if strings.Count(output, "100.0%") != 1 {
		t.Fatalf("events after finish should be ignored, got %q", output)
	}
}

func TestProgressBar_UnknownTotalAndError(t *testing.T) {
	buf := &bytes.Buffer{}
	bar := NewProgressBar(buf, "upload", 4)

	bar.Update(progress.Event{Phase: progress.PhaseProgress, Total: -1, Current: 10})
	bar.Update(progress.Event{Phase: progress.PhaseError, Total: -1, Current: 10, Err: errors.New("reset by peer")})

	output := buf.String()
	if !strings.Contains(output, "upload [????] 10 B / ?") {
		t.Fatalf("expected unknown-length bar, got %q", output)
	}
	if !strings.Contains(output, "upload failed after 10 B: reset by peer") {
		t.Fatalf("expected failure line, got %q", output)
	}
}
