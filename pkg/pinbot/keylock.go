// Copyright 2024-2026 Aiku AI

package pinbot

import (
	"sync"

	"maunium.net/go/mautrix/id"
)

// pinKey identifies a source event.
type pinKey struct {
	RoomID  id.RoomID
	EventID id.EventID
}

func (k pinKey) String() string {
	return string(k.RoomID) + "|" + string(k.EventID)
}

// keyLock is a set of source events with an attempt in flight. It never
// blocks: a key that is already held can't be taken again until the
// holder releases it.
type keyLock struct {
	mu    sync.Mutex
	locks map[pinKey]struct{}
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[pinKey]struct{})}
}

// TryLock takes key if nobody holds it. On success it returns the function
// that releases it, which may be called from any goroutine.
func (kl *keyLock) TryLock(key pinKey) (unlock func(), ok bool) {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	if _, held := kl.locks[key]; held {
		return nil, false
	}
	kl.locks[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			kl.mu.Lock()
			delete(kl.locks, key)
			kl.mu.Unlock()
		})
	}, true
}

// Len returns the number of keys currently held.
func (kl *keyLock) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.locks)
}
