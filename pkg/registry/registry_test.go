package registry

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClient struct {
	id      int64
	baseURL string
	http    *http.Client
}

type countingBuilder struct {
	builds atomic.Int64
	delay  time.Duration
	fail   error
}

func (b *countingBuilder) Build(old *fakeClient, baseURL string, hc *http.Client) (*fakeClient, error) {
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if b.fail != nil {
		return nil, b.fail
	}
	return &fakeClient{id: b.builds.Add(1), baseURL: baseURL, http: hc}, nil
}

// trace records lifecycle steps from builders, hooks and observers.
type trace struct {
	mu    sync.Mutex
	steps []string
}

func (t *trace) add(format string, args ...interface{}) {
	t.mu.Lock()
	t.steps = append(t.steps, fmt.Sprintf(format, args...))
	t.mu.Unlock()
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.steps...)
}

type hookedBuilder struct {
	tr    *trace
	n     atomic.Int64
	delay time.Duration
}

func (b *hookedBuilder) Build(old *fakeClient, baseURL string, hc *http.Client) (*fakeClient, error) {
	b.tr.add("build")
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	return &fakeClient{id: b.n.Add(1), baseURL: baseURL}, nil
}

func (b *hookedBuilder) OnResetBefore(key string, old *fakeClient) { b.tr.add("hook-before") }
func (b *hookedBuilder) OnReset(key string, c *fakeClient)         { b.tr.add("hook-after") }

func tracedRegistry(tr *trace) *Registry[*fakeClient] {
	return New[*fakeClient](TransportBuilderFunc(func(key string) (*http.Client, error) {
		tr.add("transport")
		return &http.Client{}, nil
	}))
}

func TestGetOrBuildSingleBuildUnderContention(t *testing.T) {
	reg := New[*fakeClient](nil)
	b := &countingBuilder{delay: 20 * time.Millisecond}
	if err := reg.Register("api", b); err != nil {
		t.Fatalf("register: %v", err)
	}

	const callers = 32
	results := make([]*fakeClient, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := reg.GetOrBuild("api")
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			results[i] = c
		}(i)
	}
	wg.Wait()

	if got := b.builds.Load(); got != 1 {
		t.Fatalf("expected a single build, got %d", got)
	}
	for i, c := range results {
		if c != results[0] {
			t.Fatalf("caller %d observed a different instance", i)
		}
	}
}

func TestGetOrBuildUnknownKey(t *testing.T) {
	reg := New[*fakeClient](nil)
	_, err := reg.GetOrBuild("missing")
	var nr *NotRegisteredError
	if !errors.As(err, &nr) || nr.Key != "missing" {
		t.Fatalf("expected NotRegisteredError, got %v", err)
	}
	if _, err := reg.Reset("missing", ""); !IsNotRegistered(err) {
		t.Fatalf("expected NotRegisteredError from Reset, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := New[*fakeClient](nil)
	if err := reg.Register("", &countingBuilder{}); err != ErrEmptyKey {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
	if err := reg.Register("x", nil); err != ErrNilBuilder {
		t.Fatalf("expected ErrNilBuilder, got %v", err)
	}
}

func TestLazyBuildSendsNoResetEvents(t *testing.T) {
	tr := &trace{}
	reg := tracedRegistry(tr)
	reg.Observe(func(ev Event[*fakeClient]) { tr.add("observer-%s", ev.Phase) })
	reg.Register("api", &hookedBuilder{tr: tr})

	if _, err := reg.GetOrBuild("api"); err != nil {
		t.Fatalf("get: %v", err)
	}
	got := strings.Join(tr.list(), ",")
	if got != "transport,build" {
		t.Fatalf("unexpected lazy build steps %s", got)
	}
}

func TestResetOrdering(t *testing.T) {
	tr := &trace{}
	reg := tracedRegistry(tr)
	var events []Event[*fakeClient]
	reg.Observe(func(ev Event[*fakeClient]) {
		tr.add("observer1-%s", ev.Phase)
		events = append(events, ev)
	})
	reg.Observe(func(ev Event[*fakeClient]) { tr.add("observer2-%s", ev.Phase) })
	reg.Register("api", &hookedBuilder{tr: tr})

	first, _ := reg.GetOrBuild("api")
	tr.mu.Lock()
	tr.steps = nil
	tr.mu.Unlock()

	second, err := reg.Reset("api", "https://new.example.com")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}

	want := []string{
		"observer1-reset_before", "observer2-reset_before",
		"hook-before",
		"transport",
		"build",
		"hook-after",
		"observer1-reset", "observer2-reset",
	}
	got := tr.list()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected reset order:\n got %v\nwant %v", got, want)
	}
	if events[0].Old != first || events[0].New != nil {
		t.Fatalf("unexpected before event %+v", events[0])
	}
	if events[1].Old != first || events[1].New != second {
		t.Fatalf("unexpected after event %+v", events[1])
	}
	if second.baseURL != "https://new.example.com" {
		t.Fatalf("base url override not applied: %s", second.baseURL)
	}
	current, _ := reg.GetOrBuild("api")
	if current != second {
		t.Fatal("GetOrBuild must return the rebuilt client")
	}
}

func TestResetKeepsBaseURLWhenEmpty(t *testing.T) {
	reg := New[*fakeClient](nil)
	reg.Register("api", &countingBuilder{})
	reg.SetBaseURL("api", "https://a.example.com")

	c, err := reg.Reset("api", "")
	if err != nil || c.baseURL != "https://a.example.com" {
		t.Fatalf("expected initial override, got %v %v", c, err)
	}
	reg.Reset("api", "https://b.example.com")
	c, _ = reg.Reset("api", "")
	if c.baseURL != "https://b.example.com" {
		t.Fatalf("empty base url must keep the last override, got %s", c.baseURL)
	}
}

func TestConcurrentResetsDoNotInterleave(t *testing.T) {
	tr := &trace{}
	reg := tracedRegistry(tr)
	reg.Observe(func(ev Event[*fakeClient]) { tr.add("observer-%s", ev.Phase) })
	reg.Register("api", &hookedBuilder{tr: tr, delay: 10 * time.Millisecond})

	// one goroutine resets twice while the other resets once
	var wg sync.WaitGroup
	for _, n := range []int{2, 1} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range n {
				if _, err := reg.Reset("api", ""); err != nil {
					t.Errorf("reset: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	cycle := []string{"observer-reset_before", "hook-before", "transport", "build", "hook-after", "observer-reset"}
	got := tr.list()
	if len(got) != 3*len(cycle) {
		t.Fatalf("unexpected step count %v", got)
	}
	for i, step := range got {
		if step != cycle[i%len(cycle)] {
			t.Fatalf("resets interleaved at step %d: %v", i, got)
		}
	}
}

func TestDifferentKeysBuildInParallel(t *testing.T) {
	release := make(chan struct{})
	reg := New[*fakeClient](nil)
	reg.Register("slow", BuilderFunc[*fakeClient](func(old *fakeClient, baseURL string, hc *http.Client) (*fakeClient, error) {
		<-release
		return &fakeClient{id: 1}, nil
	}))
	reg.Register("fast", &countingBuilder{})

	done := make(chan struct{})
	go func() {
		reg.GetOrBuild("slow")
		close(done)
	}()

	finished := make(chan error, 1)
	go func() {
		_, err := reg.Reset("fast", "")
		finished <- err
	}()
	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("reset fast: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reset of one key blocked behind another key")
	}
	close(release)
	<-done
}

func TestFailedBuildKeepsPreviousClient(t *testing.T) {
	reg := New[*fakeClient](nil)
	b := &countingBuilder{}
	reg.Register("api", b)
	first, _ := reg.GetOrBuild("api")

	boom := errors.New("bad config")
	b.fail = boom
	_, err := reg.Reset("api", "https://ignored.example.com")
	var be *BuildError
	if !errors.As(err, &be) || be.Stage != StageBuild || !errors.Is(err, boom) {
		t.Fatalf("expected build-stage BuildError, got %v", err)
	}
	if current, ok := reg.Built("api"); !ok || current != first {
		t.Fatal("failed reset replaced the previous client")
	}

	b.fail = nil
	c, _ := reg.Reset("api", "")
	if c.baseURL != "" {
		t.Fatalf("base url of a failed reset must not stick, got %s", c.baseURL)
	}
}

func TestTransportFailure(t *testing.T) {
	boom := errors.New("no tls config")
	reg := New[*fakeClient](TransportBuilderFunc(func(string) (*http.Client, error) { return nil, boom }))
	reg.Register("api", &countingBuilder{})

	var builds []error
	reg.ObserveBuilds(func(key string, reset bool, err error) { builds = append(builds, err) })

	_, err := reg.GetOrBuild("api")
	var be *BuildError
	if !errors.As(err, &be) || be.Stage != StageTransport || !errors.Is(err, boom) {
		t.Fatalf("expected transport-stage BuildError, got %v", err)
	}
	if _, ok := reg.Built("api"); ok {
		t.Fatal("nothing should be built")
	}
	if len(builds) != 1 || builds[0] == nil {
		t.Fatalf("expected one failed build notification, got %v", builds)
	}
}

func TestReRegisterKeepsClient(t *testing.T) {
	reg := New[*fakeClient](nil)
	reg.Register("api", &countingBuilder{})
	first, _ := reg.GetOrBuild("api")

	replacement := BuilderFunc[*fakeClient](func(old *fakeClient, baseURL string, hc *http.Client) (*fakeClient, error) {
		return &fakeClient{id: 100}, nil
	})
	reg.Register("api", replacement)

	if c, _ := reg.GetOrBuild("api"); c != first {
		t.Fatal("re-registering must keep the built client")
	}
	if c, _ := reg.Reset("api", ""); c.id != 100 {
		t.Fatalf("reset should use the new builder, got id %d", c.id)
	}
}

type pinger struct{ client *fakeClient }

func TestProxyBindsCurrentClient(t *testing.T) {
	reg := New[*fakeClient](nil)
	reg.Register("api", &countingBuilder{})

	bind := ServiceDescriptor[*fakeClient, *pinger](func(c *fakeClient) (*pinger, error) {
		return &pinger{client: c}, nil
	})
	p1, err := Proxy(reg, "api", bind)
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	reg.Reset("api", "")
	p2, _ := Proxy(reg, "api", bind)

	if p1.client == p2.client {
		t.Fatal("a proxy created after reset should bind the new client")
	}
	if p1.client.id != 1 {
		t.Fatal("an existing proxy must not be swapped on reset")
	}

	if _, err := Proxy(reg, "missing", bind); !IsNotRegistered(err) {
		t.Fatalf("expected NotRegisteredError, got %v", err)
	}
}

func TestKeysAndStatuses(t *testing.T) {
	reg := New[*fakeClient](nil)
	reg.Register("b", &countingBuilder{})
	reg.Register("a", &countingBuilder{})
	reg.SetBaseURL("a", "https://a")
	reg.GetOrBuild("a")

	if keys := strings.Join(reg.Keys(), ","); keys != "a,b" {
		t.Fatalf("unexpected keys %s", keys)
	}
	st := reg.Statuses()
	if len(st) != 2 || !st[0].Built || st[0].BaseURL != "https://a" || st[1].Built {
		t.Fatalf("unexpected statuses %+v", st)
	}
}
