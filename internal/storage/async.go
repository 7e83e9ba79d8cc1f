package storage

import (
	"context"
	"sync"
	"time"

	"github.com/funnyzak/tapkit/internal/logger"
	"github.com/funnyzak/tapkit/pkg/capture"
)

// AsyncOptions configures an AsyncSink.
type AsyncOptions struct {
	// Buffer is the queue capacity. Default: 1000
	Buffer int
	// WriteTimeout bounds each store write. Default: 5 seconds
	WriteTimeout time.Duration
	Observer     capture.Observer
	// OnWrite runs on the worker after a record was stored.
	OnWrite func(*capture.Record)
}

// AsyncSink queues records for a background worker so the request path never
// waits on storage. A full queue drops the record.
type AsyncSink struct {
	store Store
	opts  AsyncOptions
	log   logger.Logger

	queue chan *capture.Record
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewAsyncSink starts the worker. Call Close to drain it.
func NewAsyncSink(store Store, opts AsyncOptions, log logger.Logger) *AsyncSink {
	if opts.Buffer <= 0 {
		opts.Buffer = 1000
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	s := &AsyncSink{
		store: store,
		opts:  opts,
		log:   log,
		queue: make(chan *capture.Record, opts.Buffer),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

// Write implements capture.Sink.
func (s *AsyncSink) Write(rec *capture.Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- rec:
		return nil
	default:
		s.log.Warn("Capture queue full, dropping record",
			"module", rec.Module,
			"record_id", rec.ID,
			"capacity", s.opts.Buffer,
		)
		return capture.ErrDropped
	}
}

// Pending returns the number of queued records.
func (s *AsyncSink) Pending() int { return len(s.queue) }

// Close stops accepting records and waits until the queue is written out.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *AsyncSink) worker() {
	defer s.wg.Done()
	for {
		select {
		case rec := <-s.queue:
			s.write(rec)
		case <-s.done:
			for {
				select {
				case rec := <-s.queue:
					s.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *AsyncSink) write(rec *capture.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()

	if err := s.store.Write(ctx, rec); err != nil {
		s.log.Error("Failed to store capture record",
			"module", rec.Module,
			"record_id", rec.ID,
			"error", err,
		)
		s.observe(rec.Module, capture.ResultFailed)
		return
	}
	s.observe(rec.Module, capture.ResultWritten)
	if s.opts.OnWrite != nil {
		s.opts.OnWrite(rec)
	}
}

func (s *AsyncSink) observe(module, result string) {
	if s.opts.Observer != nil {
		s.opts.Observer.CaptureResult(module, result)
	}
}

var _ capture.Sink = (*AsyncSink)(nil)
