package session

import (
	"context"
	"sync"

	"github.com/victornm/partyquiz/internal/errors"
)

// locker hands out one mutual-exclusion scope per session ID.
// Entries are reference counted and dropped once nobody holds or waits for them.
type locker struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	sem  chan struct{}
	refs int
}

func newLocker() *locker {
	return &locker{locks: make(map[string]*sessionLock)}
}

// Lock blocks until the session's scope is acquired or ctx is done.
func (l *locker) Lock(ctx context.Context, sessionID string) (unlock func(), err error) {
	l.mu.Lock()
	sl, ok := l.locks[sessionID]
	if !ok {
		sl = &sessionLock{sem: make(chan struct{}, 1)}
		l.locks[sessionID] = sl
	}
	sl.refs++
	l.mu.Unlock()

	select {
	case sl.sem <- struct{}{}:
		return func() {
			<-sl.sem
			l.release(sessionID, sl)
		}, nil
	case <-ctx.Done():
		l.release(sessionID, sl)
		return nil, errors.Unavailable(ctx.Err())
	}
}

func (l *locker) release(sessionID string, sl *sessionLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sl.refs--
	if sl.refs == 0 {
		delete(l.locks, sessionID)
	}
}

func (l *locker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.locks)
}
