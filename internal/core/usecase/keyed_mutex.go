package usecase

import "sync"

// keyedMutex serializes work per entity guid so read-apply-write-audit is
// atomic for one entity while distinct entities proceed in parallel. Locks
// are refcounted and dropped from the map once the last holder releases.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*guidLock
}

type guidLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*guidLock{}}
}

// Lock acquires the mutex for guid and returns its release func.
func (k *keyedMutex) Lock(guid string) func() {
	k.mu.Lock()
	l, ok := k.locks[guid]
	if !ok {
		l = &guidLock{}
		k.locks[guid] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, guid)
		}
		k.mu.Unlock()
	}
}
