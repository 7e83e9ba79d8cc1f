package capture

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
)

// Filter decides whether an exchange is captured at all.
type Filter interface {
	ShouldCapture(req *http.Request) bool
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(req *http.Request) bool

// ShouldCapture implements Filter.
func (f FilterFunc) ShouldCapture(req *http.Request) bool { return f(req) }

// URLFilter matches the group key of the request URL against regular
// expressions. Exclusions win over inclusions; an empty include list
// accepts everything not excluded.
type URLFilter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// NewURLFilter compiles the include and exclude patterns.
func NewURLFilter(include, exclude []string) (*URLFilter, error) {
	f := &URLFilter{}
	var err error
	if f.include, err = compilePatterns(include); err != nil {
		return nil, err
	}
	if f.exclude, err = compilePatterns(exclude); err != nil {
		return nil, err
	}
	return f, nil
}

// ShouldCapture implements Filter.
func (f *URLFilter) ShouldCapture(req *http.Request) bool {
	key := GroupKey(req.URL.String())
	for _, re := range f.exclude {
		if re.MatchString(key) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, re := range f.include {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid capture filter %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Toggles holds the runtime capture switch of each module. Modules never
// toggled follow the default. A nil *Toggles enables everything.
type Toggles struct {
	mu     sync.RWMutex
	def    bool
	states map[string]bool
}

// NewToggles creates toggles whose unknown modules report defaultOn.
func NewToggles(defaultOn bool) *Toggles {
	return &Toggles{def: defaultOn, states: make(map[string]bool)}
}

// Enable turns capture for module on or off.
func (t *Toggles) Enable(module string, on bool) {
	t.mu.Lock()
	t.states[module] = on
	t.mu.Unlock()
}

// IsEnabled reports whether module is currently captured.
func (t *Toggles) IsEnabled(module string) bool {
	if t == nil {
		return true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if on, ok := t.states[module]; ok {
		return on
	}
	return t.def
}

// Snapshot returns the explicit per-module states.
func (t *Toggles) Snapshot() map[string]bool {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]bool, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}
