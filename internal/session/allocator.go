package session

import (
	"math"
	"sync"

	"drmcore/internal/core/domain"
)

// Allocator issues unique ids. Ids are handed out monotonically and wrap
// around, skipping zero and any id still live.
type Allocator struct {
	mu   sync.Mutex
	next int32
	live map[domain.UniqueID]struct{}
}

func NewAllocator() *Allocator {
	return &Allocator{live: make(map[domain.UniqueID]struct{})}
}

func (a *Allocator) Allocate() domain.UniqueID {
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		if a.next == math.MaxInt32 {
			a.next = 0
		}
		a.next++
		id := domain.UniqueID(a.next)
		if _, taken := a.live[id]; !taken {
			a.live[id] = struct{}{}
			return id
		}
	}
}

// Release frees id. Releasing an unknown id is a no-op.
func (a *Allocator) Release(id domain.UniqueID) {
	a.mu.Lock()
	delete(a.live, id)
	a.mu.Unlock()
}

func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
