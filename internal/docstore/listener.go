package docstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Listener drives one subscription for a backend. Every Notify schedules a
// re-read of the query through load; notifications arriving while a read is
// pending are coalesced into it. Reads and deliveries happen on the
// listener's own goroutine, so callbacks for one subscription never overlap.
type Listener struct {
	load       func(ctx context.Context) ([]Document, error)
	onSnapshot SnapshotFunc
	onError    ErrorFunc
	onClose    func(l *Listener)

	notify chan struct{}
	cancel context.CancelFunc
	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
}

// NewListener starts a listener and schedules the initial read. onClose, if
// set, runs once when the listener stops so the backend can drop it from its
// registry.
func NewListener(ctx context.Context, load func(ctx context.Context) ([]Document, error), onSnapshot SnapshotFunc, onError ErrorFunc, onClose func(l *Listener)) *Listener {
	ctx, cancel := context.WithCancel(ctx)
	l := &Listener{
		load:       load,
		onSnapshot: onSnapshot,
		onError:    onError,
		onClose:    onClose,
		notify:     make(chan struct{}, 1),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	l.Notify()
	go l.run(ctx)
	return l
}

func (l *Listener) Notify() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Fail reports a transport error to the subscriber without stopping it.
func (l *Listener) Fail(err error) {
	if l.closed.Load() || l.onError == nil {
		return
	}
	l.onError(err)
}

// Unsubscribe stops the listener. No callback starts after it returns.
func (l *Listener) Unsubscribe() {
	l.closed.Store(true)
	l.once.Do(func() {
		l.cancel()
		if l.onClose != nil {
			l.onClose(l)
		}
	})
}

// Done is closed once the listener goroutine has exited.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	defer l.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.notify:
		}

		docs, err := l.load(ctx)
		if l.closed.Load() || ctx.Err() != nil {
			return
		}

		if err != nil {
			if l.onError != nil {
				l.onError(err)
			}
			if errors.Is(err, ErrIndexUnavailable) {
				return
			}
			continue
		}

		l.onSnapshot(docs)
	}
}

// DocLoader adapts a single-document read to the listener's set-based load.
func DocLoader(get func(ctx context.Context) (Document, error)) func(ctx context.Context) ([]Document, error) {
	return func(ctx context.Context) ([]Document, error) {
		doc, err := get(ctx)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []Document{doc}, nil
	}
}

// DocSnapshots adapts a document callback to the listener's set callback.
func DocSnapshots(fn DocSnapshotFunc) SnapshotFunc {
	return func(docs []Document) {
		if len(docs) == 0 {
			fn(nil)
			return
		}
		doc := docs[0]
		fn(&doc)
	}
}
