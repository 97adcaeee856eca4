package chat

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock hands out unix millisecond timestamps that strictly increase across
// the whole process, even when the wall clock stalls or steps back.
type Clock struct {
	last atomic.Int64
	now  func() time.Time
}

// NewClock creates a clock over time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Next returns a timestamp greater than every timestamp returned before.
func (c *Clock) Next() int64 {
	for {
		last := c.last.Load()
		next := c.now().UnixMilli()
		if next <= last {
			next = last + 1
		}
		if c.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

// roomLocks is a keyed mutex. Entries are dropped once nobody holds or waits
// for them.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*roomLock)}
}

// Lock acquires the room's lock and returns its release func.
func (l *roomLocks) Lock(roomID string) func() {
	l.mu.Lock()
	rl := l.locks[roomID]
	if rl == nil {
		rl = &roomLock{}
		l.locks[roomID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			rl.mu.Unlock()

			l.mu.Lock()
			rl.refs--
			if rl.refs == 0 {
				delete(l.locks, roomID)
			}
			l.mu.Unlock()
		})
	}
}

func (l *roomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
