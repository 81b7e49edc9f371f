package rasternn

import (
	"fmt"
	"sync"
)

// HandlerFactory creates a new execution handler.
type HandlerFactory func() (Handler, error)

var (
	handlersMu sync.RWMutex
	handlers   = make(map[string]HandlerFactory)
)

// RegisterHandler registers an execution-handler factory under a backend
// name (e.g. "native", "wgpu"). Typically called from init functions in
// backend packages.
func RegisterHandler(name string, factory HandlerFactory) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	handlers[name] = factory
}

// NewHandler creates an execution handler for the named backend.
func NewHandler(name string) (Handler, error) {
	handlersMu.RLock()
	factory, ok := handlers[name]
	handlersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rasternn: no execution backend registered for %q", name)
	}
	return factory()
}

// Handlers returns the registered backend names.
func Handlers() []string {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	return names
}
