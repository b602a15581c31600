// Package streamutil implements the DataStream abstraction (spec.md §9):
// an observable, cancellable push stream used to report progress for
// Downloader fetches without the consumer blocking on a
// channel per chunk. Exactly one of OnFinished/OnError/OnCancelled fires,
// exactly once, per stream.
package streamutil

import (
	"context"
	"sync"
)

// Stream is a single-producer, multi-consumer event stream. Handlers
// registered before or after data has started flowing both receive every
// subsequent event; a handler registered after the terminal event fires
// immediately receives that terminal event so late subscribers never hang.
type Stream struct {
	mu         sync.Mutex
	onData     []func([]byte)
	onFinished []func()
	onError    []func(error)
	onCancel   []func()

	done      bool
	err       error
	cancelled bool

	cancel context.CancelFunc
	ctx    context.Context
}

// New creates a stream bound to ctx. Calling Cancel (or cancelling ctx)
// triggers the cancellation path exactly once.
func New(ctx context.Context) *Stream {
	c, cancel := context.WithCancel(ctx)
	s := &Stream{ctx: c, cancel: cancel}
	go func() {
		<-c.Done()
		s.finishCancelled()
	}()
	return s
}

func (s *Stream) Context() context.Context { return s.ctx }

func (s *Stream) OnData(f func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onData = append(s.onData, f)
}

func (s *Stream) OnFinished(f func()) {
	s.mu.Lock()
	if s.done && s.err == nil && !s.cancelled {
		s.mu.Unlock()
		f()
		return
	}
	s.onFinished = append(s.onFinished, f)
	s.mu.Unlock()
}

func (s *Stream) OnError(f func(error)) {
	s.mu.Lock()
	if s.done && s.err != nil {
		err := s.err
		s.mu.Unlock()
		f(err)
		return
	}
	s.onError = append(s.onError, f)
	s.mu.Unlock()
}

func (s *Stream) OnCancelled(f func()) {
	s.mu.Lock()
	if s.done && s.cancelled {
		s.mu.Unlock()
		f()
		return
	}
	s.onCancel = append(s.onCancel, f)
	s.mu.Unlock()
}

// Cancel requests cancellation; it is safe to call multiple times.
func (s *Stream) Cancel() { s.cancel() }

// PushData delivers a chunk of data to all data handlers. A no-op once the
// stream has reached a terminal state.
func (s *Stream) PushData(p []byte) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	handlers := append([]func([]byte){}, s.onData...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(p)
	}
}

// Finish marks the stream complete successfully. No-op if already terminal.
func (s *Stream) Finish() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	handlers := append([]func(){}, s.onFinished...)
	s.mu.Unlock()
	s.cancel()
	for _, h := range handlers {
		h()
	}
}

// Fail marks the stream complete with err. No-op if already terminal.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.err = err
	handlers := append([]func(error){}, s.onError...)
	s.mu.Unlock()
	s.cancel()
	for _, h := range handlers {
		h(err)
	}
}

func (s *Stream) finishCancelled() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.cancelled = true
	handlers := append([]func(){}, s.onCancel...)
	s.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}
