package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Opener opens a Store for a registered backend.
type Opener func(ctx context.Context) (Store, error)

var (
	backends   = make(map[string]Opener)
	backendsMu sync.RWMutex
)

// RegisterBackend registers a backend opener under a driver name.
// This is called by the cmd package to avoid import cycles between database and its backends.
func RegisterBackend(name string, open Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = open
}

// Backends returns the registered driver names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens the store registered under the given driver name.
func Open(ctx context.Context, driver string) (Store, error) {
	backendsMu.RLock()
	open, ok := backends[driver]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown store driver %q (registered: %v)", driver, Backends())
	}
	store, err := open(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", driver, err)
	}
	return store, nil
}
