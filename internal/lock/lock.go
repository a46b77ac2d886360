// Package lock provides the exclusive sections the engine serialises on:
// one per security (admission against settlement, settlement against
// settlement) and one per user (a user's own admissions).
//
// Local serves a single process. Redis extends the same guarantee across
// instances that share a Redis server.
package lock

import (
	"context"
	"sync"
)

// Locker acquires named exclusive locks. The returned release function is
// safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// SecurityKey names the per-security lock.
func SecurityKey(securityID string) string { return "lock:security:" + securityID }

// UserKey names the per-user lock.
func UserKey(userID string) string { return "lock:user:" + userID }

// Local is an in-process keyed mutex. Idle keys are dropped so the map
// does not grow with every security and user ever seen.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.drop(key, s)
		})
	}, nil
}

func (l *Local) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
