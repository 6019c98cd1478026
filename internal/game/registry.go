package game

import (
	"fmt"
	"sort"
	"sync"
)

var (
	mu       sync.RWMutex
	adapters = map[string]Adapter{}
)

func Register(adapter Adapter) {
	mu.Lock()
	defer mu.Unlock()
	adapters[adapter.Game()] = adapter
}

func Get(game string) (Adapter, error) {
	mu.RLock()
	defer mu.RUnlock()
	a, ok := adapters[game]
	if !ok {
		return nil, fmt.Errorf("unknown game %q", game)
	}
	return a, nil
}

// Names lists the registered games in alphabetical order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(adapters))
	for k := range adapters {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
