// Package guard keeps two workers in one process from handling the same
// trigger at once. It is not durable; the store's dedup query covers
// restarts and other processes.
package guard

import "sync"

type Guard struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New() *Guard {
	return &Guard{inFlight: make(map[string]struct{})}
}

// TryAcquire admits the caller if id is not already in flight. The returned
// release must be deferred; it is safe to call more than once.
func (g *Guard) TryAcquire(id string) (release func(), ok bool) {
	g.mu.Lock()
	if _, busy := g.inFlight[id]; busy {
		g.mu.Unlock()
		return func() {}, false
	}
	g.inFlight[id] = struct{}{}
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inFlight, id)
			g.mu.Unlock()
		})
	}, true
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight)
}

// Snapshot lists the ids currently in flight, in no particular order.
func (g *Guard) Snapshot() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.inFlight))
	for id := range g.inFlight {
		out = append(out, id)
	}
	return out
}
