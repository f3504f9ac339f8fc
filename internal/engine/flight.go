package engine

import "sync"

// flightTable enforces one in-flight run per group.
type flightTable struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func (t *flightTable) tryAcquire(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		t.active = make(map[string]struct{})
	}
	if _, ok := t.active[id]; ok {
		return false
	}
	t.active[id] = struct{}{}
	return true
}

func (t *flightTable) release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, id)
}

func (t *flightTable) busy(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[id]
	return ok
}
