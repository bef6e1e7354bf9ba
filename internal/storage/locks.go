package storage

import (
	"context"
	"sync"
)

// pathLocks serializes writers per absolute target path. Writers to
// different paths never contend.
type pathLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newPathLocks() *pathLocks {
	return &pathLocks{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the path lock is held or the context ends. The
// returned release func must be called exactly once.
func (l *pathLocks) Acquire(ctx context.Context, path string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[path]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[path] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			l.put(path, e)
		}, nil
	case <-ctx.Done():
		l.put(path, e)
		return nil, ctx.Err()
	}
}

func (l *pathLocks) put(path string, e *lockEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, path)
	}
	l.mu.Unlock()
}
