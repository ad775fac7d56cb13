package realtime

import "sync"

// signal is a minimal observer registry. Subscribing returns a cancel
// function so listener lifetime is explicit; emit never runs handlers under
// the lock.
type signal[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]func(T)
}

func (s *signal[T]) subscribe(fn func(T)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]func(T))
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *signal[T]) emit(v T) {
	s.mu.Lock()
	fns := make([]func(T), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (s *signal[T]) clear() {
	s.mu.Lock()
	s.subs = nil
	s.mu.Unlock()
}

func (s *signal[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
