// Package registry keeps one lazily built client per service key and
// rebuilds it on demand with ordered lifecycle notifications.
package registry

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// Builder turns a transport into a service client. old is the client being
// replaced, or the zero value on first build.
type Builder[C any] interface {
	Build(old C, baseURL string, transport *http.Client) (C, error)
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc[C any] func(old C, baseURL string, transport *http.Client) (C, error)

// Build implements Builder.
func (f BuilderFunc[C]) Build(old C, baseURL string, transport *http.Client) (C, error) {
	return f(old, baseURL, transport)
}

// ResetHook is implemented by builders that want to hear about resets of
// their own key.
type ResetHook[C any] interface {
	OnResetBefore(key string, old C)
	OnReset(key string, c C)
}

// TransportBuilder creates the low-level HTTP client shared by a key.
type TransportBuilder interface {
	CreateTransport(key string) (*http.Client, error)
}

// TransportBuilderFunc adapts a function to TransportBuilder.
type TransportBuilderFunc func(key string) (*http.Client, error)

// CreateTransport implements TransportBuilder.
func (f TransportBuilderFunc) CreateTransport(key string) (*http.Client, error) {
	return f(key)
}

// Phase tells observers which side of a reset an event belongs to.
type Phase int

const (
	PhaseResetBefore Phase = iota
	PhaseReset
)

func (p Phase) String() string {
	if p == PhaseResetBefore {
		return "reset_before"
	}
	return "reset"
}

// Event is delivered to observers around every reset.
type Event[C any] struct {
	Phase Phase
	Key   string
	Old   C
	New   C
}

// Observer receives reset events synchronously, in registration order.
type Observer[C any] func(Event[C])

// BuildObserver is told about every build attempt, lazy or forced.
type BuildObserver func(key string, reset bool, err error)

// ServiceDescriptor binds a typed service to a built client.
type ServiceDescriptor[C, T any] func(C) (T, error)

type entry[C any] struct {
	key string

	// mu serializes builds and resets of this key
	mu      sync.Mutex
	builder Builder[C]
	baseURL string

	client atomic.Pointer[C]
}

// Registry maps keys to lazily built clients of type C.
type Registry[C any] struct {
	transport TransportBuilder
	entries   sync.Map // string -> *entry[C]

	obsMu     sync.RWMutex
	observers []Observer[C]
	builds    []BuildObserver
}

// New creates an empty registry whose clients are built on top of the
// transports returned by tb.
func New[C any](tb TransportBuilder) *Registry[C] {
	if tb == nil {
		tb = TransportBuilderFunc(func(string) (*http.Client, error) {
			return &http.Client{}, nil
		})
	}
	return &Registry[C]{transport: tb}
}

// Register stores the builder for key without building anything. A second
// registration swaps the builder and keeps the client already built.
func (r *Registry[C]) Register(key string, b Builder[C]) error {
	if key == "" {
		return ErrEmptyKey
	}
	if b == nil {
		return ErrNilBuilder
	}
	v, _ := r.entries.LoadOrStore(key, &entry[C]{key: key})
	e := v.(*entry[C])
	e.mu.Lock()
	e.builder = b
	e.mu.Unlock()
	return nil
}

// SetBaseURL sets the base URL override used by the next build of key.
func (r *Registry[C]) SetBaseURL(key, baseURL string) error {
	e, err := r.lookup(key)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.baseURL = baseURL
	e.mu.Unlock()
	return nil
}

// Observe adds a reset observer.
func (r *Registry[C]) Observe(o Observer[C]) {
	if o == nil {
		return
	}
	r.obsMu.Lock()
	r.observers = append(r.observers, o)
	r.obsMu.Unlock()
}

// ObserveBuilds adds a build observer.
func (r *Registry[C]) ObserveBuilds(o BuildObserver) {
	if o == nil {
		return
	}
	r.obsMu.Lock()
	r.builds = append(r.builds, o)
	r.obsMu.Unlock()
}

// GetOrBuild returns the client for key, building it on first use.
// Concurrent first callers share one build.
func (r *Registry[C]) GetOrBuild(key string) (C, error) {
	var zero C
	e, err := r.lookup(key)
	if err != nil {
		return zero, err
	}
	if c := e.client.Load(); c != nil {
		return *c, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if c := e.client.Load(); c != nil {
		return *c, nil
	}
	return r.build(e, zero, e.baseURL, false)
}

// Reset forces a rebuild of key. An empty baseURL keeps the current
// override. The sequence is: observers(PhaseResetBefore), builder
// OnResetBefore, CreateTransport, Build, builder OnReset,
// observers(PhaseReset). Resets of one key never interleave.
func (r *Registry[C]) Reset(key, baseURL string) (C, error) {
	var zero C
	e, err := r.lookup(key)
	if err != nil {
		return zero, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var old C
	if c := e.client.Load(); c != nil {
		old = *c
	}
	if baseURL == "" {
		baseURL = e.baseURL
	}
	hook, _ := e.builder.(ResetHook[C])

	r.notify(Event[C]{Phase: PhaseResetBefore, Key: key, Old: old})
	if hook != nil {
		hook.OnResetBefore(key, old)
	}

	c, err := r.build(e, old, baseURL, true)
	if err != nil {
		return zero, err
	}
	e.baseURL = baseURL

	if hook != nil {
		hook.OnReset(key, c)
	}
	r.notify(Event[C]{Phase: PhaseReset, Key: key, Old: old, New: c})
	return c, nil
}

// Built returns the current client of key without building it.
func (r *Registry[C]) Built(key string) (C, bool) {
	var zero C
	e, err := r.lookup(key)
	if err != nil {
		return zero, false
	}
	if c := e.client.Load(); c != nil {
		return *c, true
	}
	return zero, false
}

// Keys lists registered keys in sorted order.
func (r *Registry[C]) Keys() []string {
	var keys []string
	r.entries.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

// Status describes one registered key.
type Status struct {
	Key     string `json:"key"`
	BaseURL string `json:"base_url,omitempty"`
	Built   bool   `json:"built"`
}

// Statuses reports every key in sorted order.
func (r *Registry[C]) Statuses() []Status {
	keys := r.Keys()
	out := make([]Status, 0, len(keys))
	for _, key := range keys {
		e, err := r.lookup(key)
		if err != nil {
			continue
		}
		e.mu.Lock()
		base := e.baseURL
		e.mu.Unlock()
		out = append(out, Status{Key: key, BaseURL: base, Built: e.client.Load() != nil})
	}
	return out
}

// Proxy resolves key and binds a typed service to its client. The returned
// service keeps the client it was bound to across later resets.
func Proxy[C, T any](r *Registry[C], key string, bind ServiceDescriptor[C, T]) (T, error) {
	var zero T
	c, err := r.GetOrBuild(key)
	if err != nil {
		return zero, err
	}
	return bind(c)
}

func (r *Registry[C]) lookup(key string) (*entry[C], error) {
	v, ok := r.entries.Load(key)
	if !ok {
		return nil, &NotRegisteredError{Key: key}
	}
	return v.(*entry[C]), nil
}

// build runs CreateTransport then Build; callers hold e.mu.
func (r *Registry[C]) build(e *entry[C], old C, baseURL string, reset bool) (C, error) {
	var zero C
	if e.builder == nil {
		return zero, &NotRegisteredError{Key: e.key}
	}
	hc, err := r.transport.CreateTransport(e.key)
	if err != nil {
		err = &BuildError{Key: e.key, Stage: StageTransport, Cause: err}
		r.notifyBuild(e.key, reset, err)
		return zero, err
	}
	c, err := e.builder.Build(old, baseURL, hc)
	if err != nil {
		err = &BuildError{Key: e.key, Stage: StageBuild, Cause: err}
		r.notifyBuild(e.key, reset, err)
		return zero, err
	}
	e.client.Store(&c)
	r.notifyBuild(e.key, reset, nil)
	return c, nil
}

func (r *Registry[C]) notify(ev Event[C]) {
	r.obsMu.RLock()
	observers := append([]Observer[C](nil), r.observers...)
	r.obsMu.RUnlock()
	for _, o := range observers {
		o(ev)
	}
}

func (r *Registry[C]) notifyBuild(key string, reset bool, err error) {
	r.obsMu.RLock()
	builds := append([]BuildObserver(nil), r.builds...)
	r.obsMu.RUnlock()
	for _, o := range builds {
		o(key, reset, err)
	}
}
