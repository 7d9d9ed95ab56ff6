package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"strings"
	"sync"

	"ef-rpc/discovery"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes).
//
// Each real instance is placed on the ring as 100 virtual nodes so a small
// instance set still spreads evenly.
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
//
// The ring is rebuilt when Pick sees a different instance set than last time.
type ConsistentHashBalancer struct {
	replicas int

	mu        sync.Mutex
	signature string
	ring      []uint32                      // Sorted hash values on the ring
	nodes     map[uint32]discovery.Instance // Hash value → instance mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]discovery.Instance),
	}
}

// Add places an instance onto the hash ring.
func (b *ConsistentHashBalancer) Add(instance discovery.Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(instance)
}

func (b *ConsistentHashBalancer) addLocked(instance discovery.Instance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	slices.Sort(b.ring)
}

func (b *ConsistentHashBalancer) rebuildLocked(instances []discovery.Instance) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	slices.Sort(addrs)
	sig := strings.Join(addrs, ",")
	if sig == b.signature && len(b.ring) > 0 {
		return
	}
	b.signature = sig
	b.ring = b.ring[:0]
	clear(b.nodes)
	for _, inst := range instances {
		b.addLocked(inst)
	}
}

// Pick finds the instance responsible for key: the first ring node at or
// after the key's hash, wrapping around to the start.
func (b *ConsistentHashBalancer) Pick(instances []discovery.Instance, key string) (discovery.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if instances != nil {
		if len(instances) == 0 {
			return discovery.Instance{}, ErrNoInstances
		}
		b.rebuildLocked(instances)
	}
	if len(b.ring) == 0 {
		return discovery.Instance{}, ErrNoInstances
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
