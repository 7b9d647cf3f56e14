package relay

import (
	"hash/fnv"
	"sync"
)

const registryShardCount = 16

// Registry is the in-memory map from device id to its live connection.
// It is sharded by device id so operations on unrelated devices never
// contend on the same lock. Pure bookkeeping; no network I/O happens under
// a shard lock.
type Registry struct {
	shards [registryShardCount]registryShard
}

type registryShard struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

// NewRegistry returns an empty connection registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].conns = make(map[string]*Conn)
	}
	return r
}

func (r *Registry) shard(deviceID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return &r.shards[h.Sum32()%registryShardCount]
}

// Register enters a connection under its device id. If another live
// connection already holds the id, it is returned so the caller can close it
// with a superseded notice; the newer connection always wins.
func (r *Registry) Register(conn *Conn) (replaced *Conn) {
	shard := r.shard(conn.deviceID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	replaced = shard.conns[conn.deviceID]
	if replaced == conn {
		replaced = nil
	}
	shard.conns[conn.deviceID] = conn
	return replaced
}

// Get returns the live connection for a device id, or nil.
func (r *Registry) Get(deviceID string) *Conn {
	shard := r.shard(deviceID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.conns[deviceID]
}

// Remove drops the registry entry, but only if it still points at the given
// connection. A superseded connection's cleanup must not evict its
// replacement.
func (r *Registry) Remove(deviceID string, conn *Conn) bool {
	shard := r.shard(deviceID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	current, ok := shard.conns[deviceID]
	if !ok || current != conn {
		return false
	}
	delete(shard.conns, deviceID)
	return true
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	total := 0
	for i := range r.shards {
		r.shards[i].mu.Lock()
		total += len(r.shards[i].conns)
		r.shards[i].mu.Unlock()
	}
	return total
}
