package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/funnyzak/tapkit/pkg/progress"
	"github.com/funnyzak/tapkit/pkg/registry"
	"github.com/funnyzak/tapkit/pkg/transport"
)

func TestResolve(t *testing.T) {
	c, err := New("api", "https://example.com/v1", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cases := map[string]string{
		"users":                  "https://example.com/v1/users",
		"/users?id=1":            "https://example.com/v1/users?id=1",
		"https://other.test/raw": "https://other.test/raw",
	}
	for in, want := range cases {
		got, err := c.Resolve(in)
		if err != nil || got != want {
			t.Fatalf("Resolve(%s) = %s, %v; want %s", in, got, err, want)
		}
	}

	bare, _ := New("bare", "", nil)
	if _, err := bare.Resolve("/x"); !errors.Is(err, ErrNoBaseURL) {
		t.Fatalf("expected ErrNoBaseURL, got %v", err)
	}
	if _, err := New("bad", "not a url", nil); err == nil {
		t.Fatal("expected invalid base url error")
	}
}

func TestJSONHelpers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/item":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"name":"widget","count":3}`)
		case "/echo":
			b, _ := io.ReadAll(r.Body)
			w.Write(b)
		default:
			http.Error(w, "nope", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, _ := New("api", srv.URL, nil)
	var item struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	if err := c.GetJSON(context.Background(), "item", &item); err != nil {
		t.Fatalf("get json: %v", err)
	}
	if item.Name != "widget" || item.Count != 3 {
		t.Fatalf("unexpected item %+v", item)
	}

	var echoed map[string]int
	if err := c.PostJSON(context.Background(), "echo", map[string]int{"a": 1}, &echoed); err != nil {
		t.Fatalf("post json: %v", err)
	}
	if echoed["a"] != 1 {
		t.Fatalf("unexpected echo %v", echoed)
	}

	err := c.GetJSON(context.Background(), "missing", &item)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound || se.Body != "nope" {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if c.InFlight() != 0 {
		t.Fatalf("requests leaked: %d in flight", c.InFlight())
	}
}

func TestDownloadReportsProgress(t *testing.T) {
	payload := strings.Repeat("d", 32<<10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		io.WriteString(w, payload)
	}))
	defer srv.Close()

	hc := &http.Client{Transport: transport.Chain(http.DefaultTransport, transport.Progress(transport.ProgressOptions{}))}
	c, _ := New("files", srv.URL, hc)

	var (
		mu   sync.Mutex
		last progress.Event
	)
	var buf bytes.Buffer
	n, err := c.Download(context.Background(), "blob", &buf, func(ev progress.Event) {
		mu.Lock()
		last = ev
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if n != int64(len(payload)) || buf.String() != payload {
		t.Fatalf("unexpected download size %d", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if last.Phase != progress.PhaseFinish || last.Current != int64(len(payload)) {
		t.Fatalf("unexpected final event %+v", last)
	}
}

func TestUploadReportsProgress(t *testing.T) {
	received := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		received <- len(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	hc := &http.Client{Transport: transport.Chain(http.DefaultTransport, transport.Progress(transport.ProgressOptions{}))}
	c, _ := New("files", srv.URL, hc)

	var (
		mu     sync.Mutex
		phases []progress.Phase
	)
	data := bytes.Repeat([]byte("u"), 8<<10)
	resp, err := c.Upload(context.Background(), "", "upload", "application/octet-stream",
		io.MultiReader(bytes.NewReader(data)), int64(len(data)),
		func(ev progress.Event) {
			mu.Lock()
			phases = append(phases, ev.Phase)
			mu.Unlock()
		})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	resp.Body.Close()

	if got := <-received; got != len(data) {
		t.Fatalf("server received %d bytes", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(phases) == 0 || phases[0] != progress.PhaseStart || phases[len(phases)-1] != progress.PhaseFinish {
		t.Fatalf("unexpected upload phases %v", phases)
	}
}

func TestCancelAll(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, _ := New("slow", srv.URL, nil)
	resp, err := c.Do(context.Background(), http.MethodGet, "stream", nil, nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	<-started
	if c.InFlight() != 1 {
		t.Fatalf("expected one request in flight, got %d", c.InFlight())
	}

	readErr := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(resp.Body)
		readErr <- err
	}()
	if n := c.CancelAll(); n != 1 {
		t.Fatalf("expected to cancel one request, got %d", n)
	}

	select {
	case err := <-readErr:
		if err == nil {
			t.Fatal("expected read to fail after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled read did not return")
	}
	resp.Body.Close()
	if c.InFlight() != 0 {
		t.Fatalf("expected nothing in flight, got %d", c.InFlight())
	}
}

func TestBuilderCarriesHeadersAcrossReset(t *testing.T) {
	reg := registry.New[*Client](nil)
	b := &Builder{Name: "api", BaseURL: "https://a.example.com", Headers: map[string]string{"User-Agent": "tapkit"}}
	if err := reg.Register("api", b); err != nil {
		t.Fatalf("register: %v", err)
	}

	first, err := reg.GetOrBuild("api")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	first.SetHeader("X-Session", "42")

	second, err := reg.Reset("api", "https://b.example.com")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if second.BaseURL() != "https://b.example.com/" {
		t.Fatalf("unexpected base url %s", second.BaseURL())
	}
	h := second.Headers()
	if h.Get("User-Agent") != "tapkit" || h.Get("X-Session") != "42" {
		t.Fatalf("headers not carried over: %v", h)
	}
}
