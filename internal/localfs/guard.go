package localfs

import (
	"sync"
	"time"
)

// writeGuard remembers paths written by the engine for a grace window.
type writeGuard struct {
	mu     sync.Mutex
	window time.Duration
	paths  map[string]time.Time
	now    func() time.Time
}

func newWriteGuard(window time.Duration) *writeGuard {
	return &writeGuard{
		window: window,
		paths:  make(map[string]time.Time),
		now:    time.Now,
	}
}

func (g *writeGuard) Add(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paths[path] = g.now().Add(g.window)
}

func (g *writeGuard) Has(path string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for p, until := range g.paths {
		if now.After(until) {
			delete(g.paths, p)
		}
	}
	_, ok := g.paths[path]
	return ok
}
