package printer

import (
	"sync"

	"github.com/funnyzak/tapkit/internal/logger"
	"github.com/funnyzak/tapkit/pkg/capture"
)

// AsyncSink prints records on its own goroutine so a slow terminal does not
// hold up the caller reading a response body. Records that arrive while the
// queue is full are skipped; storage still receives them.
type AsyncSink struct {
	printer Printer
	log     logger.Logger

	queue chan *capture.Record
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewAsyncSink starts the print worker. A buffer of zero or less means 256.
func NewAsyncSink(p Printer, buffer int, log logger.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = logger.Nop()
	}
	s := &AsyncSink{
		printer: p,
		log:     log,
		queue:   make(chan *capture.Record, buffer),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

// Write implements capture.Sink. It never reports an error: a skipped print
// is not a lost capture.
func (s *AsyncSink) Write(rec *capture.Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.queue <- rec:
	default:
		s.log.Warn("Print queue full, skipping record", "module", rec.Module, "record_id", rec.ID)
	}
	return nil
}

// Close prints what is queued and stops the worker.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *AsyncSink) worker() {
	defer s.wg.Done()
	for rec := range s.queue {
		if err := s.printer.PrintRecord(rec); err != nil {
			s.log.Debug("Failed to print record", "record_id", rec.ID, "error", err)
		}
	}
}
