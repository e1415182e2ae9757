package business

import (
	"sync"

	"github.com/antinvestor/service-realtime/internal"
)

const lockStripes = 64

type refLock struct {
	mu   sync.Mutex
	refs int
}

type lockStripe struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

// conversationLocks serialises work per conversation. Entries are reference
// counted so idle conversations hold no memory.
type conversationLocks struct {
	stripes [lockStripes]lockStripe
}

func newConversationLocks() *conversationLocks {
	cl := &conversationLocks{}
	for i := range cl.stripes {
		cl.stripes[i].locks = make(map[string]*refLock)
	}
	return cl
}

// Lock blocks until the conversation is free and returns the matching unlock.
func (cl *conversationLocks) Lock(conversationID string) func() {
	stripe := &cl.stripes[internal.ShardForKey(conversationID, lockStripes)]

	stripe.mu.Lock()
	lock, ok := stripe.locks[conversationID]
	if !ok {
		lock = &refLock{}
		stripe.locks[conversationID] = lock
	}
	lock.refs++
	stripe.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		stripe.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(stripe.locks, conversationID)
		}
		stripe.mu.Unlock()
	}
}

func (cl *conversationLocks) held() int {
	total := 0
	for i := range cl.stripes {
		s := &cl.stripes[i]
		s.mu.Lock()
		total += len(s.locks)
		s.mu.Unlock()
	}
	return total
}
