package router

import (
	"sync"

	"parley/internal/models"
)

type pairLock struct {
	mu   sync.Mutex
	refs int
}

// pairLocks serializes work per (sender, target) pair. Entries live only
// while someone holds or waits for them.
type pairLocks struct {
	mu    sync.Mutex
	locks map[string]*pairLock
}

func pairKey(sender models.Identity, target models.Target) string {
	return string(sender) + "\x00" + target.String()
}

// lock blocks until the pair is free and returns its release func.
func (p *pairLocks) lock(sender models.Identity, target models.Target) func() {
	key := pairKey(sender, target)

	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[string]*pairLock)
	}
	l, ok := p.locks[key]
	if !ok {
		l = &pairLock{}
		p.locks[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, key)
		}
		p.mu.Unlock()
	}
}
