// Package guard provides advisory locks that keep concurrent callers from
// fetching the same (scope, range) from the provider twice.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Locker acquires short-lived advisory locks. A lock that is not released
// expires after its ttl so a crashed holder cannot block others forever.
type Locker interface {
	// TryLock reports whether key was acquired. When it was, release must be
	// called once the guarded work is done.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

type memItem struct {
	token   string
	expires time.Time
}

// MemoryLocker is a Locker for a single process.
type MemoryLocker struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{items: map[string]memItem{}, now: time.Now}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if it, ok := l.items[key]; ok && now.Before(it.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.items[key] = memItem{token: token, expires: now.Add(ttl)}
	return func() { l.release(key, token) }, true, nil
}

func (l *MemoryLocker) release(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if it, ok := l.items[key]; ok && it.token == token {
		delete(l.items, key)
	}
}
