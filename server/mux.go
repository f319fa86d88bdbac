package server

import (
	"context"
	"serial-rpc/message"
	"serial-rpc/middleware"
	"sort"
	"sync"
)

// Mux dispatches by method name.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]middleware.Handler
}

func NewMux() *Mux {
	return &Mux{handlers: map[string]middleware.Handler{}}
}

// Handle registers h for method, replacing any previous handler.
func (m *Mux) Handle(method string, h middleware.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = h
}

func (m *Mux) HandleFunc(method string, fn middleware.HandlerFunc) {
	m.Handle(method, fn)
}

// Methods returns the registered method names, sorted.
func (m *Mux) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	methods := make([]string, 0, len(m.handlers))
	for method := range m.handlers {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}

// Has reports whether a handler is registered for method.
func (m *Mux) Has(method string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, found := m.handlers[method]
	return found
}

// ServeRPC answers MethodNotFound, with the method name as data, for unknown methods.
func (m *Mux) ServeRPC(ctx context.Context, req *message.Request) message.Outcome {
	m.mu.RLock()
	h, found := m.handlers[req.Method]
	m.mu.RUnlock()

	if !found {
		return message.Failure(message.CodeMethodNotFound, message.CodeMethodNotFound.Message(), req.Method)
	}
	return h.ServeRPC(ctx, req)
}
