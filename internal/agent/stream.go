package agent

import (
	"bufio"
	"context"
	"io"
	"sync"
)

const maxLineSize = 1024 * 1024

// Stream carries parsed events from a reader goroutine to the adapter over
// a bounded channel.
type Stream[T any] struct {
	ctx context.Context
	ch  chan T
	mu  sync.Mutex
	err error
}

func newStream[T any](ctx context.Context) *Stream[T] {
	return &Stream[T]{
		ctx: ctx,
		ch:  make(chan T, 64),
	}
}

func (s *Stream[T]) send(v T) {
	select {
	case s.ch <- v:
	case <-s.ctx.Done():
	}
}

func (s *Stream[T]) close(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}

func (s *Stream[T]) Next() (T, bool) {
	v, ok := <-s.ch
	return v, ok
}

func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// scanLines feeds every line of r through parse and sends the accepted
// results. Lines parse rejects are passed to skip.
func scanLines[T any](ctx context.Context, r io.Reader, parse func(string) (T, bool), skip func(string)) *Stream[T] {
	s := newStream[T](ctx)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if v, ok := parse(line); ok {
				s.send(v)
			} else if skip != nil {
				skip(line)
			}
		}
		err := scanner.Err()
		if err != nil {
			// Keep the writer from blocking on a full pipe.
			io.Copy(io.Discard, r)
		}
		s.close(err)
	}()
	return s
}
