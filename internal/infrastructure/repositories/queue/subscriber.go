// Package queue delivers subscription values off the publisher's goroutine.
package queue

import "sync"

// Subscriber delivers values to a callback on its own goroutine, in order,
// without ever blocking the publisher.
type Subscriber[T any] struct {
	fn     func(T)
	mu     sync.Mutex
	queue  []T
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewSubscriber[T any](fn func(T)) *Subscriber[T] {
	s := &Subscriber[T]{
		fn:     fn,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Subscriber[T]) Push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber[T]) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			v := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.fn(v)
		}
	}
}

// Stop does not wait for an in-flight callback, so it may be called from one.
func (s *Subscriber[T]) Stop() {
	s.once.Do(func() { close(s.done) })
}

// Done is closed once Stop has been called.
func (s *Subscriber[T]) Done() <-chan struct{} {
	return s.done
}
