package changelog

import (
	"context"
	"sync"
)

// Feed is an unbounded in-process queue of changes. It is the delivery path from the
// journaled store back to the engine.
//
// A change stays pending from Append until its consumer calls Done, which lets the feed
// report how far every change has been handled.
type Feed struct {
	mu      sync.Mutex
	items   []Change
	ready   chan struct{}
	pending map[int64]int // seq -> queued or in-flight copies
	maxSeq  int64
}

func NewFeed() *Feed {
	return &Feed{ready: make(chan struct{}, 1), pending: make(map[int64]int)}
}

func (f *Feed) Append(c Change) error {
	f.mu.Lock()
	f.items = append(f.items, c)
	f.pending[c.Seq]++
	if c.Seq > f.maxSeq {
		f.maxSeq = c.Seq
	}
	f.mu.Unlock()
	f.signal()
	return nil
}

func (f *Feed) signal() {
	select {
	case f.ready <- struct{}{}:
	default:
	}
}

// TryNext pops the oldest change without blocking.
func (f *Feed) TryNext() (Change, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return Change{}, false
	}
	c := f.items[0]
	f.items[0] = Change{}
	f.items = f.items[1:]
	if len(f.items) > 0 {
		// wake another waiter for the remainder
		f.signal()
	}
	return c, true
}

// Next blocks until a change is available or ctx is done.
func (f *Feed) Next(ctx context.Context) (Change, error) {
	for {
		if c, ok := f.TryNext(); ok {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return Change{}, ctx.Err()
		case <-f.ready:
		}
	}
}

// Done marks one delivery of c as handled. Requeue before calling Done to keep c pending.
func (f *Feed) Done(c Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.pending[c.Seq]; n > 1 {
		f.pending[c.Seq] = n - 1
	} else {
		delete(f.pending, c.Seq)
	}
}

// MarkHandled records that every change up to seq was handled before this feed existed.
func (f *Feed) MarkHandled(seq int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seq > f.maxSeq {
		f.maxSeq = seq
	}
}

// HandledThrough returns the highest seq such that it and every earlier change appended to
// the feed has been handled.
func (f *Feed) HandledThrough() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	low := f.maxSeq + 1
	for seq := range f.pending {
		if seq < low {
			low = seq
		}
	}
	return low - 1
}

func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}
