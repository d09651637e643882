package hub

import "sync"

// stateFeed runs state deliveries one at a time in the order they were
// queued. Work queued while another goroutine is draining, including from
// inside a subscriber callback, is run by that goroutine before it returns.
type stateFeed struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

// enqueue adds fn to the queue. The manager calls it with m.mu held so the
// queue order matches the order of state changes.
func (f *stateFeed) enqueue(fn func()) {
	f.mu.Lock()
	f.queue = append(f.queue, fn)
	f.mu.Unlock()
}

// drain runs queued work until the queue is empty. It returns at once when
// another call is already draining.
func (f *stateFeed) drain() {
	f.mu.Lock()
	if f.draining {
		f.mu.Unlock()
		return
	}
	f.draining = true
	for len(f.queue) > 0 {
		fn := f.queue[0]
		f.queue[0] = nil
		f.queue = f.queue[1:]
		f.mu.Unlock()
		fn()
		f.mu.Lock()
	}
	f.draining = false
	f.mu.Unlock()
}
