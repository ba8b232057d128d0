package abseil

import (
	"context"
	"iter"
)

// Work is a single unit of work. Errors are logged, never retried.
type Work interface {
	Do(ctx context.Context) error
}

type WorkFunc func(ctx context.Context) error

func (f WorkFunc) Do(ctx context.Context) error {
	return f(ctx)
}

// WorkSource produces the work of a run. Next returns false once there is
// no more work. Next is only ever called from a single goroutine and should
// return false when ctx is done, which happens as soon as a shutdown is
// requested.
type WorkSource interface {
	Next(ctx context.Context) (Work, bool)
}

type SourceFunc func(ctx context.Context) (Work, bool)

func (f SourceFunc) Next(ctx context.Context) (Work, bool) {
	return f(ctx)
}

// FromSlice returns a source yielding works in order.
func FromSlice(works ...Work) WorkSource {
	return &sliceSource{works: works}
}

type sliceSource struct {
	works []Work
	i     int
}

func (s *sliceSource) Next(ctx context.Context) (Work, bool) {
	if ctx.Err() != nil || s.i >= len(s.works) {
		return nil, false
	}
	w := s.works[s.i]
	s.i++
	return w, true
}

// FromSeq adapts an iterator. The supervisor stops the iterator once the
// dispatch loop ends.
func FromSeq(seq iter.Seq[Work]) WorkSource {
	next, stop := iter.Pull(seq)
	return &seqSource{next: next, stop: stop}
}

type seqSource struct {
	next func() (Work, bool)
	stop func()
}

func (s *seqSource) Next(ctx context.Context) (Work, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	return s.next()
}

func (s *seqSource) Stop() {
	s.stop()
}
