package loadbalance

import (
	"fmt"
	"hash/crc32"
	"serial-rpc/registry"
	"sort"
	"strings"
	"sync"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps keys to instances using a hash ring, so the same key reaches
// the same device until the set of devices changes.
//
// Each instance is placed on the ring as replicas virtual nodes; without them a handful of
// devices would cluster and split the keys unevenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu        sync.Mutex
	replicas  int
	ring      []uint32                      // sorted hash values
	nodes     map[uint32]*registry.Instance // hash value → instance
	signature string                        // addresses the ring was built from
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: defaultReplicas,
		nodes:    map[uint32]*registry.Instance{},
	}
}

// Add places an instance onto the ring. Each virtual node is hashed from "{addr}#{i}".
func (b *ConsistentHashBalancer) Add(instance *registry.Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
}

func (b *ConsistentHashBalancer) add(instance *registry.Instance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick rebuilds the ring when the instance list changed, then finds the first node clockwise
// from the key's hash, wrapping around past the largest.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if signature := signatureOf(instances); signature != b.signature {
		b.ring = b.ring[:0]
		b.nodes = map[uint32]*registry.Instance{}
		for i := range instances {
			instance := instances[i]
			b.add(&instance)
		}
		b.signature = signature
	}

	return b.lookup(key), nil
}

func (b *ConsistentHashBalancer) lookup(key string) *registry.Instance {
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]]
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent_hash"
}

func signatureOf(instances []registry.Instance) string {
	addrs := make([]string, len(instances))
	for i, instance := range instances {
		addrs[i] = instance.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}
