package queue

import (
	"context"
	"sync"
)

// ticket is one position in a sender's lane. done closes when its holder
// releases the lane.
type ticket struct {
	done chan struct{}
}

// lanes serializes work per key. Each position waits on the position that
// joined before it, so work starts in join order.
type lanes struct {
	mu    sync.Mutex
	tails map[string]*ticket
}

func newLanes() *lanes {
	return &lanes{tails: make(map[string]*ticket)}
}

// position is a place taken in a lane. release must be called exactly once,
// unless wait failed (wait then arranges the release itself).
type position struct {
	l    *lanes
	key  string
	t    *ticket
	prev *ticket
	once sync.Once
}

// join takes the next place in key's lane without blocking.
func (l *lanes) join(key string) *position {
	t := &ticket{done: make(chan struct{})}

	l.mu.Lock()
	prev := l.tails[key]
	l.tails[key] = t
	l.mu.Unlock()

	return &position{l: l, key: key, t: t, prev: prev}
}

// wait blocks until every earlier position has released.
func (p *position) wait(ctx context.Context) error {
	if p.prev == nil {
		return nil
	}
	select {
	case <-p.prev.done:
		return nil
	case <-ctx.Done():
		// Keep the chain intact for those queued behind us.
		go func() {
			<-p.prev.done
			p.release()
		}()
		return ctx.Err()
	}
}

func (p *position) release() {
	p.once.Do(func() {
		close(p.t.done)
		p.l.mu.Lock()
		if p.l.tails[p.key] == p.t {
			delete(p.l.tails, p.key)
		}
		p.l.mu.Unlock()
	})
}

// busy reports whether key has a holder or waiters.
func (l *lanes) busy(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.tails[key]
	return ok
}

// size returns the number of keys with a live lane.
func (l *lanes) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tails)
}
