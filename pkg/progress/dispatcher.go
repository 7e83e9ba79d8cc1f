package progress

import "sync"

// Dispatcher marshals listener calls onto another execution context.
type Dispatcher interface {
	Post(fn func())
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(fn func())

// Post implements Dispatcher.
func (f DispatcherFunc) Post(fn func()) { f(fn) }

// Inline runs callbacks on the posting goroutine.
var Inline Dispatcher = DispatcherFunc(func(fn func()) { fn() })

// SerialDispatcher runs posted callbacks one at a time on its own goroutine,
// in posting order. It is safe to Post from many streams concurrently.
type SerialDispatcher struct {
	queue  chan func()
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewSerialDispatcher starts the consumer goroutine.
func NewSerialDispatcher(buffer int) *SerialDispatcher {
	if buffer < 1 {
		buffer = 64
	}
	d := &SerialDispatcher{queue: make(chan func(), buffer)}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Post enqueues fn. Callbacks posted after Close are dropped.
func (d *SerialDispatcher) Post(fn func()) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	d.queue <- fn
}

// Close stops accepting callbacks and waits for queued ones to run.
func (d *SerialDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *SerialDispatcher) loop() {
	defer d.wg.Done()
	for fn := range d.queue {
		fn()
	}
}
