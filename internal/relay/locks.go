package relay

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// turnLocks serializes whole turns per user. Each slot is a one-element
// channel so waiting can be abandoned on a deadline.
type turnLocks struct {
	mu    sync.Mutex
	slots map[string]*turnSlot
}

type turnSlot struct {
	ch   chan struct{}
	refs int
}

func newTurnLocks() *turnLocks {
	return &turnLocks{slots: make(map[string]*turnSlot)}
}

func (l *turnLocks) acquire(ctx context.Context, userID string, wait time.Duration) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[userID]
	if !ok {
		s = &turnSlot{ch: make(chan struct{}, 1)}
		l.slots[userID] = s
	}
	s.refs++
	l.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.unref(userID, s)
			})
		}, nil
	case <-ctx.Done():
		l.unref(userID, s)
		return nil, fmt.Errorf("%w: %v", ErrBusy, ctx.Err())
	case <-timer.C:
		l.unref(userID, s)
		return nil, fmt.Errorf("%w: previous turn still running after %s", ErrBusy, wait)
	}
}

func (l *turnLocks) unref(userID string, s *turnSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, userID)
	}
}

func (l *turnLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
