package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/funnyzak/tapkit/internal/logger"
	"github.com/funnyzak/tapkit/pkg/capture"
)

// blockingStore holds every Write until release is closed.
type blockingStore struct {
	Store
	entered chan struct{}
	release chan struct{}

	mu      sync.Mutex
	written []string
}

func newBlockingStore() *blockingStore {
	return &blockingStore{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (b *blockingStore) Write(ctx context.Context, rec *capture.Record) error {
	b.entered <- struct{}{}
	<-b.release
	b.mu.Lock()
	b.written = append(b.written, rec.ID)
	b.mu.Unlock()
	return nil
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingObserver) CaptureResult(module, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[result]++
}

func TestAsyncSink_DropsWhenFull(t *testing.T) {
	store := newBlockingStore()
	obs := &countingObserver{}
	sink := NewAsyncSink(store, AsyncOptions{Buffer: 1, Observer: obs}, logger.Nop())

	first := fakeRecord("m", base, "GET", "https://h/1")
	if err := sink.Write(first); err != nil {
		t.Fatalf("first write: %v", err)
	}
	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first record")
	}

	second := fakeRecord("m", base, "GET", "https://h/2")
	if err := sink.Write(second); err != nil {
		t.Fatalf("second write should be queued: %v", err)
	}
	if err := sink.Write(fakeRecord("m", base, "GET", "https://h/3")); !errors.Is(err, capture.ErrDropped) {
		t.Fatalf("expected ErrDropped on a full queue, got %v", err)
	}

	close(store.release)
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !slices.Equal(store.written, []string{first.ID, second.ID}) {
		t.Fatalf("expected queued records to drain in order, got %v", store.written)
	}
	if obs.counts[capture.ResultWritten] != 2 {
		t.Fatalf("expected 2 written results, got %v", obs.counts)
	}
	if err := sink.Write(first); !errors.Is(err, ErrSinkClosed) {
		t.Fatalf("expected ErrSinkClosed, got %v", err)
	}
}

func TestAsyncSink_WritesToStore(t *testing.T) {
	store := newTestStore(t, "file", nil)
	var mu sync.Mutex
	var seen []string
	sink := NewAsyncSink(store, AsyncOptions{OnWrite: func(rec *capture.Record) {
		mu.Lock()
		seen = append(seen, rec.ID)
		mu.Unlock()
	}}, nil)

	rec := fakeRecord("m", base, "GET", "https://h/a")
	if err := sink.Write(rec); err != nil {
		t.Fatalf("write: %v", err)
	}
	sink.Close()

	if _, err := store.Get("m", rec.ID); err != nil {
		t.Fatalf("record not stored: %v", err)
	}
	if len(seen) != 1 || seen[0] != rec.ID {
		t.Fatalf("expected OnWrite callback, got %v", seen)
	}
}

func TestScheduler(t *testing.T) {
	store := newTestStore(t, "sqlite", func(o *Options) {
		o.Retention = time.Minute
		o.Clock = func() time.Time { return base.Add(time.Hour) }
	})
	mustWrite(t, store, fakeRecord("m", base, "GET", "https://h/a"))

	sched := NewScheduler(store, "@every 1h", logger.Nop())
	if n := sched.RunOnce(context.Background()); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if sched.NextRun() == nil {
		t.Fatal("expected a next run while scheduled")
	}
	cancel()
	sched.Stop()
	if sched.NextRun() != nil {
		t.Fatal("expected no next run after stop")
	}

	if err := NewScheduler(store, "not a schedule", nil).Start(context.Background()); err == nil {
		t.Fatal("expected invalid schedule to fail")
	}
}

func TestStreamExport(t *testing.T) {
	recs := []*capture.Record{
		fakeRecord("m", base, "POST", "https://h/hook"),
		fakeRecord("m", base.Add(time.Minute), "GET", "https://h/items"),
	}
	seq := slices.Values(recs)

	buf := &bytes.Buffer{}
	ct, ext, err := StreamExport(buf, seq, "json")
	if err != nil {
		t.Fatalf("json export: %v", err)
	}
	if ct != "application/json" || ext != "json" {
		t.Fatalf("unexpected metadata: %s %s", ct, ext)
	}
	var decoded []capture.Record
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("json export is not valid json: %v", err)
	}
	if len(decoded) != 2 || decoded[0].ID != recs[0].ID {
		t.Fatalf("unexpected decoded records: %d", len(decoded))
	}

	cases := []struct {
		format string
		want   string
	}{
		{"csv", "id,module,timestamp"},
		{"yaml", "status_line: HTTP/1.1 200 OK"},
		{"txt", "POST https://h/hook"},
	}
	for _, tc := range cases {
		buf.Reset()
		if _, _, err := StreamExport(buf, seq, tc.format); err != nil {
			t.Fatalf("%s export: %v", tc.format, err)
		}
		if !strings.Contains(buf.String(), tc.want) {
			t.Fatalf("%s export missing %q:\n%s", tc.format, tc.want, buf.String())
		}
	}

	if _, _, err := StreamExport(buf, seq, "xml"); err == nil {
		t.Fatal("expected unsupported format error")
	}

	buf.Reset()
	StreamExport(buf, slices.Values([]*capture.Record(nil)), "json")
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Fatalf("expected empty array, got %q", buf.String())
	}
}

func TestAllowedFormats(t *testing.T) {
	got := AllowedFormats([]string{" CSV", "json", "", "csv"})
	if !slices.Equal(got, []string{"csv", "json"}) {
		t.Fatalf("unexpected formats: %v", got)
	}
}
