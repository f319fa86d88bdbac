package registry

import (
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry. TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string]map[string]Instance
	watchers  map[string][]chan []Instance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: map[string]map[string]Instance{},
		watchers:  map[string][]chan []Instance{},
	}
}

func (r *MemoryRegistry) Register(serviceName string, instance Instance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.instances[serviceName] == nil {
		r.instances[serviceName] = map[string]Instance{}
	}
	r.instances[serviceName][instance.Addr] = instance
	r.notify(serviceName)
	return nil
}

func (r *MemoryRegistry) Deregister(serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.instances[serviceName], addr)
	r.notify(serviceName)
	return nil
}

// Discover returns the instances sorted by address.
func (r *MemoryRegistry) Discover(serviceName string) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(serviceName), nil
}

func (r *MemoryRegistry) Watch(serviceName string) <-chan []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan []Instance, 1)
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	return ch
}

func (r *MemoryRegistry) list(serviceName string) []Instance {
	instances := make([]Instance, 0, len(r.instances[serviceName]))
	for _, instance := range r.instances[serviceName] {
		instances = append(instances, instance)
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].Addr < instances[j].Addr
	})
	return instances
}

// notify replaces any update a slow watcher has not consumed yet with the latest list.
func (r *MemoryRegistry) notify(serviceName string) {
	instances := r.list(serviceName)
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- instances
	}
}
