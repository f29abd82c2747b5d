package watch

import "sync"

// Handler receives events from a Stream.
type Handler func(Event)

// Stream is the consumer side of an Orchestrator. Handlers run synchronously
// and one at a time, so a file event and its All twin are delivered back to
// back. Handlers must not call Orchestrator.Close.
type Stream struct {
	handlers map[Kind][]Handler
	chans    []chan Event

	dispatchMu sync.Mutex
	handlersMu sync.RWMutex
	closed     bool
}

func newStream() *Stream {
	return &Stream{handlers: make(map[Kind][]Handler)}
}

// On registers h for events of the given kind. Use KindAll to observe every
// file event.
func (s *Stream) On(kind Kind, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[kind] = append(s.handlers[kind], h)
}

// Channel returns a channel that receives every event once, without the All
// twins. The channel is closed when the stream ends. The caller must keep
// draining it: a full buffer stalls delivery.
func (s *Stream) Channel(buffer int) <-chan Event {
	ch := make(chan Event, buffer)

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	if s.closed {
		close(ch)
		return ch
	}
	s.chans = append(s.chans, ch)
	return ch
}

// Closed reports whether the stream has stopped delivering events.
func (s *Stream) Closed() bool {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	return s.closed
}

func (s *Stream) emit(e Event) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	if s.closed {
		return
	}

	s.handlersMu.RLock()
	specific := append([]Handler(nil), s.handlers[e.Kind]...)
	var all []Handler
	if e.Kind.IsFile() {
		all = append(all, s.handlers[KindAll]...)
	}
	s.handlersMu.RUnlock()

	for _, h := range specific {
		h(e)
	}
	for _, h := range all {
		h(e)
	}
	for _, ch := range s.chans {
		ch <- e
	}
}

// shut stops delivery and closes every channel handed out by Channel.
func (s *Stream) shut() {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.chans {
		close(ch)
	}
	s.chans = nil
}
