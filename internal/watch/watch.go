// Package watch lets views tell their readers that a new snapshot is ready.
package watch

import "sync"

// Group fans a change signal out to any number of watchers. Signals are
// coalesced: a watcher that has not yet drained its channel sees one pending
// signal no matter how many changes happened.
type Group struct {
	mu       sync.Mutex
	watchers map[chan struct{}]struct{}
	closed   bool
}

// Watch returns a channel that receives a value after every change and is
// closed by cancel or by Close.
func (g *Group) Watch() (<-chan struct{}, func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ch := make(chan struct{}, 1)
	if g.closed {
		close(ch)
		return ch, func() {}
	}

	if g.watchers == nil {
		g.watchers = make(map[chan struct{}]struct{})
	}
	g.watchers[ch] = struct{}{}

	return ch, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if _, ok := g.watchers[ch]; ok {
			delete(g.watchers, ch)
			close(ch)
		}
	}
}

func (g *Group) Notify() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for ch := range g.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close closes every watcher channel. Later watchers get a closed channel.
func (g *Group) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}
	g.closed = true
	for ch := range g.watchers {
		close(ch)
	}
	g.watchers = nil
}
