package progress

import (
	"errors"
	"io"
	"time"
)

// Phase identifies where a tracked transfer is in its lifecycle.
type Phase int

const (
	PhaseStart Phase = iota
	PhaseProgress
	PhaseFinish
	PhaseError
)

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseProgress:
		return "progress"
	case PhaseFinish:
		return "finish"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single progress notification.
type Event struct {
	Phase   Phase
	Total   int64
	Current int64
	Err     error
	Elapsed time.Duration
}

// Percent returns the completed share in [0,100], or -1 when the total is unknown.
func (e Event) Percent() float64 {
	if e.Total <= 0 {
		return -1
	}
	return float64(e.Current) * 100 / float64(e.Total)
}

// Listener receives progress events.
type Listener func(Event)

// Options tunes a Stream.
type Options struct {
	// Total is the declared content length; negative means unknown.
	Total int64
	// TotalFunc resolves the length lazily for transports that learn it late.
	TotalFunc func() int64
	// Refresh is the minimum interval between PROGRESS events. Zero or
	// negative notifies on every read.
	Refresh time.Duration
	// Dispatcher marshals callbacks; nil runs them on the reading goroutine.
	Dispatcher Dispatcher
	Clock      func() time.Time
}

// Stream wraps a body and reports how much of it has been read.
// A Stream is meant to be read by one goroutine at a time.
type Stream struct {
	rc       io.ReadCloser
	listener Listener
	opts     Options

	total     int64
	current   int64
	lastSize  int64
	lastTime  time.Time
	startedAt time.Time
	started   bool
	done      bool
}

// NewStream decorates rc. A nil listener makes the stream a plain pass-through.
func NewStream(rc io.ReadCloser, listener Listener, opts Options) *Stream {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	total := opts.Total
	if total < 0 {
		total = -1
	}
	return &Stream{
		rc:       rc,
		listener: listener,
		opts:     opts,
		total:    total,
	}
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.rc.Read(p)
	if s.done || s.listener == nil {
		return n, err
	}
	if n > 0 {
		s.advance(int64(n))
	}
	if err != nil && !errors.Is(err, io.EOF) && !s.done {
		s.fail(err)
	}
	return n, err
}

// Close closes the wrapped body. No phase fires on Close.
func (s *Stream) Close() error {
	return s.rc.Close()
}

// Total returns the resolved total size, or -1.
func (s *Stream) Total() int64 { return s.total }

// Current returns the number of bytes read so far.
func (s *Stream) Current() int64 { return s.current }

func (s *Stream) advance(n int64) {
	if s.total < 0 && s.opts.TotalFunc != nil {
		if t := s.opts.TotalFunc(); t >= 0 {
			s.total = t
		}
	}
	if s.total < 0 {
		// untracked until the length is known
		s.current += n
		return
	}

	now := s.opts.Clock()
	if !s.started {
		s.started = true
		s.startedAt = now
		s.lastTime = now
		s.lastSize = s.current
		s.emit(Event{Phase: PhaseStart, Total: s.total, Current: s.current})
	}

	s.current += n
	complete := s.total > 0 && s.current == s.total
	if complete || s.opts.Refresh <= 0 || now.Sub(s.lastTime) > s.opts.Refresh {
		s.lastTime = now
		s.lastSize = s.current
		s.emit(Event{Phase: PhaseProgress, Total: s.total, Current: s.current, Elapsed: now.Sub(s.startedAt)})
	}
	if complete {
		s.done = true
		s.emit(Event{Phase: PhaseFinish, Total: s.total, Current: s.current, Elapsed: now.Sub(s.startedAt)})
	}
}

func (s *Stream) fail(err error) {
	s.done = true
	var elapsed time.Duration
	if s.started {
		elapsed = s.opts.Clock().Sub(s.startedAt)
	}
	s.emit(Event{Phase: PhaseError, Total: s.total, Current: s.current, Err: err, Elapsed: elapsed})
}

func (s *Stream) emit(ev Event) {
	listener := s.listener
	if s.opts.Dispatcher == nil {
		listener(ev)
		return
	}
	s.opts.Dispatcher.Post(func() { listener(ev) })
}
