package flowcontrol

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

var ErrNonMonotonicSet = errors.New("notified value set backwards")

// NotifiedVersion is a monotonically increasing int64 whose observers can
// wait for it to reach a threshold. It replaces the source model's notified
// version variables: one task owns Set, any task may Get or WhenAtLeast.
type NotifiedVersion struct {
	mu      sync.Mutex
	value   int64
	waiters []notifyWaiter
}

type notifyWaiter struct {
	at int64
	ch chan struct{}
}

func NewNotifiedVersion(initial int64) *NotifiedVersion {
	return &NotifiedVersion{value: initial}
}

func (n *NotifiedVersion) Get() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.value
}

// Set advances the value, waking waiters at or below the new value.
// Setting a smaller value is an error.
func (n *NotifiedVersion) Set(v int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if v < n.value {
		return errors.Wrapf(ErrNonMonotonicSet, "%d < %d", v, n.value)
	}
	if v == n.value {
		return nil
	}
	n.value = v
	kept := n.waiters[:0]
	for _, w := range n.waiters {
		if w.at <= v {
			close(w.ch)
		} else {
			kept = append(kept, w)
		}
	}
	n.waiters = kept
	return nil
}

// WhenAtLeast blocks until the value reaches v or ctx is done.
func (n *NotifiedVersion) WhenAtLeast(ctx context.Context, v int64) error {
	n.mu.Lock()
	if n.value >= v {
		n.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	n.waiters = append(n.waiters, notifyWaiter{at: v, ch: ch})
	n.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

// Done returns a channel closed once the value reaches v. Useful in selects
// racing a notification against other events.
func (n *NotifiedVersion) Done(v int64) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan struct{})
	if n.value >= v {
		close(ch)
		return ch
	}
	n.waiters = append(n.waiters, notifyWaiter{at: v, ch: ch})
	return ch
}
