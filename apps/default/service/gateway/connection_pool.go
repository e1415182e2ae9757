package gateway

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
)

// poolShardCount must stay a power of two.
const poolShardCount = 32

type poolShard struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

// connectionPool holds the registered connections keyed by connection id.
// Each shard has its own lock; the size is tracked atomically so capacity checks never lock.
type connectionPool struct {
	shards      [poolShardCount]*poolShard
	hashSeed    maphash.Seed
	maxSize     int32
	currentSize atomic.Int32
}

func newConnectionPool(maxSize int32) *connectionPool {
	pool := &connectionPool{
		maxSize:  maxSize,
		hashSeed: maphash.MakeSeed(),
	}

	const minShardCapacity = 16
	shardCapacity := max(int(maxSize)/poolShardCount, minShardCapacity)

	for i := range poolShardCount {
		pool.shards[i] = &poolShard{
			connections: make(map[string]*Connection, shardCapacity),
		}
	}

	return pool
}

func (p *connectionPool) getShard(key string) *poolShard {
	h := maphash.String(p.hashSeed, key)
	return p.shards[h&(poolShardCount-1)]
}

// add inserts conn, failing with ErrConnectionPoolFull at capacity.
// A connection id that is already present is left untouched.
func (p *connectionPool) add(conn *Connection) error {
	shard := p.getShard(conn.id)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, exists := shard.connections[conn.id]; exists {
		return nil
	}

	for {
		current := p.currentSize.Load()
		if current >= p.maxSize {
			return ErrConnectionPoolFull
		}
		if p.currentSize.CompareAndSwap(current, current+1) {
			break
		}
	}

	shard.connections[conn.id] = conn
	return nil
}

func (p *connectionPool) get(id string) (*Connection, bool) {
	shard := p.getShard(id)

	shard.mu.RLock()
	conn, exists := shard.connections[id]
	shard.mu.RUnlock()
	return conn, exists
}

// remove deletes id and returns the removed connection, or nil when absent.
func (p *connectionPool) remove(id string) *Connection {
	shard := p.getShard(id)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	conn, exists := shard.connections[id]
	if !exists {
		return nil
	}
	delete(shard.connections, id)
	p.currentSize.Add(-1)
	return conn
}

func (p *connectionPool) size() int32 {
	return p.currentSize.Load()
}

// forEach calls fn on a snapshot, so fn may add or remove connections.
func (p *connectionPool) forEach(fn func(*Connection)) {
	var all []*Connection

	for i := range poolShardCount {
		shard := p.shards[i]
		shard.mu.RLock()
		for _, conn := range shard.connections {
			all = append(all, conn)
		}
		shard.mu.RUnlock()
	}

	for _, conn := range all {
		fn(conn)
	}
}
