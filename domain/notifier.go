package domain

import (
	"context"
	"sync"
)

type promise struct {
	done chan struct{}
	err  error
}

// Notifier releases watchers of a stream whenever its container changes.
// Every Resolve or Reject settles all waiters registered for the key at that moment;
// later waiters wait for the next one.
type Notifier struct {
	waiters map[StreamKey]*promise
	mu      sync.Mutex
}

func NewNotifier() *Notifier {
	return &Notifier{
		waiters: make(map[StreamKey]*promise),
	}
}

// Wait blocks until key is resolved, rejected or ctx is done.
func (n *Notifier) Wait(ctx context.Context, key StreamKey) error {
	n.mu.Lock()
	p, ok := n.waiters[key]
	if !ok {
		p = &promise{done: make(chan struct{})}
		n.waiters[key] = p
	}
	n.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return p.err
	}
}

func (n *Notifier) Resolve(key StreamKey) {
	n.settle(key, nil)
}

func (n *Notifier) Reject(key StreamKey, err error) {
	n.settle(key, err)
}

func (n *Notifier) settle(key StreamKey, err error) {
	n.mu.Lock()
	p, ok := n.waiters[key]
	if ok {
		delete(n.waiters, key)
	}
	n.mu.Unlock()

	if !ok {
		return
	}
	p.err = err
	close(p.done)
}
