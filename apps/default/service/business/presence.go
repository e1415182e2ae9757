package business

import (
	"hash/maphash"
	"sort"
	"sync"
)

const presenceShards = 32

type presenceShard struct {
	mu    sync.RWMutex
	users map[string]map[string]struct{}
}

// PresenceTracker maps users to their live connections. A user is online
// while at least one connection is registered.
type PresenceTracker struct {
	seed   maphash.Seed
	shards [presenceShards]presenceShard
}

func NewPresenceTracker() *PresenceTracker {
	pt := &PresenceTracker{seed: maphash.MakeSeed()}
	for i := range pt.shards {
		pt.shards[i].users = make(map[string]map[string]struct{})
	}
	return pt
}

func (pt *PresenceTracker) shard(userID string) *presenceShard {
	return &pt.shards[maphash.String(pt.seed, userID)%presenceShards]
}

// MarkOnline registers connectionID for userID and reports whether the user just came online.
func (pt *PresenceTracker) MarkOnline(userID, connectionID string) bool {
	s := pt.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[userID]
	if !ok {
		conns = make(map[string]struct{})
		s.users[userID] = conns
	}
	conns[connectionID] = struct{}{}
	return !ok
}

// MarkOffline removes connectionID and reports whether the user just went offline.
// Removing an unknown connection is a no-op.
func (pt *PresenceTracker) MarkOffline(userID, connectionID string) bool {
	s := pt.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[userID]
	if !ok {
		return false
	}
	if _, present := conns[connectionID]; !present {
		return false
	}
	delete(conns, connectionID)
	if len(conns) > 0 {
		return false
	}
	delete(s.users, userID)
	return true
}

// ConnectionsFor returns a snapshot of the user's live connection ids.
func (pt *PresenceTracker) ConnectionsFor(userID string) []string {
	s := pt.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := s.users[userID]
	ids := make([]string, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (pt *PresenceTracker) IsOnline(userID string) bool {
	s := pt.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userID]
	return ok
}

// OnlineUsers returns every user with a live connection.
func (pt *PresenceTracker) OnlineUsers() []string {
	var users []string
	for i := range pt.shards {
		s := &pt.shards[i]
		s.mu.RLock()
		for user := range s.users {
			users = append(users, user)
		}
		s.mu.RUnlock()
	}
	sort.Strings(users)
	return users
}
