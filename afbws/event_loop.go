package afbws

import (
	"path"
	"sync"

	"github.com/redpesk-common/afb-test-go/framework"
	"github.com/redpesk-common/afb-test-go/framework/helpers"
)

// streamBufferSize is the capacity of each attached stream. Events beyond it
// are dropped with a log message rather than blocking the dispatcher.
const streamBufferSize = 64

// EventLoop owns event dispatch for one test scope. It consumes the client's
// pushed-event channel and distributes each event to every attached stream
// whose pattern matches. Creating the loop discards events left over from an
// earlier scope; closing it delivers any still-queued events to the attached
// streams first, then closes them in reverse attach order. Close is
// idempotent, the teardown runs exactly once no matter how many exit paths
// reach it.
type EventLoop struct {
	source    <-chan Event
	logger    framework.Logger
	lock      sync.Mutex
	streams   []*EventStream
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// EventStream receives the events matching one pattern registered on a loop.
type EventStream struct {
	pattern   string
	ch        chan Event
	loop      *EventLoop
	closeOnce sync.Once
}

// NewEventLoop starts an event loop over the given source channel, normally
// Client.Events(). Events already queued on the source belong to a previous
// scope and are discarded.
func NewEventLoop(source <-chan Event, logger framework.Logger) *EventLoop {
	discarded := 0
SweepLoop:
	for {
		select {
		case _, ok := <-source:
			if !ok {
				break SweepLoop
			}
			discarded++
		default:
			break SweepLoop
		}
	}
	if discarded > 0 {
		logger.Printf("discarded %d stale events from a previous scope", discarded)
	}

	l := &EventLoop{
		source:  source,
		logger:  logger,
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

// Events attaches a stream for events whose full name matches the pattern.
// The pattern is compared with path.Match semantics, so "hello/*" receives
// every event of the hello API; a pattern with no wildcards is an exact name.
func (l *EventLoop) Events(pattern string) *EventStream {
	s := &EventStream{
		pattern: pattern,
		ch:      make(chan Event, streamBufferSize),
		loop:    l,
	}
	l.lock.Lock()
	l.streams = append(l.streams, s)
	l.lock.Unlock()
	return s
}

// Close tears the loop down: it stops dispatching, delivers any events still
// queued on the source to the attached streams, and closes the streams in
// reverse attach order. Calling Close again has no effect.
func (l *EventLoop) Close() {
	l.closeOnce.Do(func() {
		close(l.quit)
		<-l.stopped
		l.drainQueued()
		l.lock.Lock()
		streams := l.streams
		l.streams = nil
		l.lock.Unlock()
		for i := len(streams) - 1; i >= 0; i-- {
			streams[i].close()
		}
		l.logger.Printf("event loop closed")
	})
}

func (l *EventLoop) run() {
	defer close(l.stopped)
	for {
		select {
		case event, ok := <-l.source:
			if !ok {
				return
			}
			l.dispatch(event)
		case <-l.quit:
			return
		}
	}
}

// drainQueued performs the final non-blocking sweep of the source so that
// events emitted just before teardown still reach their streams.
func (l *EventLoop) drainQueued() {
	for {
		select {
		case event, ok := <-l.source:
			if !ok {
				return
			}
			l.dispatch(event)
		default:
			return
		}
	}
}

// dispatch delivers the event to every matching stream. It sends while
// holding the lock so that a stream cannot be detached and closed in the
// middle of delivery.
func (l *EventLoop) dispatch(event Event) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for _, s := range l.streams {
		if !matchEventName(s.pattern, event.Name) {
			continue
		}
		if !helpers.NonBlockingSend(s.ch, event) {
			l.logger.Printf("stream %q full, dropping event %s", s.pattern, event.Name)
		}
	}
}

func (l *EventLoop) detach(s *EventStream) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for i, attached := range l.streams {
		if attached == s {
			l.streams = append(l.streams[:i], l.streams[i+1:]...)
			return
		}
	}
}

// matchEventName treats a pattern that path.Match rejects as a literal name,
// so event names containing special characters can still be watched.
func matchEventName(pattern, name string) bool {
	matched, err := path.Match(pattern, name)
	if err != nil {
		return pattern == name
	}
	return matched
}

// C returns the channel that delivers this stream's events. It is closed when
// the stream or its loop is closed.
func (s *EventStream) C() <-chan Event {
	return s.ch
}

// Pattern returns the pattern the stream was attached with.
func (s *EventStream) Pattern() string {
	return s.pattern
}

// Close detaches the stream from its loop and closes its channel. It is safe
// to call more than once, and safe to call after the loop itself has closed.
func (s *EventStream) Close() {
	s.loop.detach(s)
	s.close()
}

func (s *EventStream) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}
