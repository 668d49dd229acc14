package castprotocol

import (
	"encoding/json"
	"sync"
)

// resolver receives the full JSON payload of whatever reply resolved its
// request (a receiverReply or appReply), for the caller to type and
// interpret.
type resolver func(raw json.RawMessage)

// requestTracker implements spec.md §4.E's request correlation:
// requestId = nextRequestId++, stored until the matching reply arrives.
// Unresolved resolvers are simply dropped on teardown (no leak, since the
// whole tracker is discarded with its owning LogicalChannel).
type requestTracker struct {
	mu      sync.Mutex
	nextID  int
	pending map[int]resolver
}

func (rt *requestTracker) init() {
	rt.pending = make(map[int]resolver)
}

func (rt *requestTracker) newRequest(r resolver) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.nextID++
	id := rt.nextID
	rt.pending[id] = r
	return id
}

// resolve runs and removes the resolver for requestID, if one is
// pending. Reports whether a resolver was found.
func (rt *requestTracker) resolve(requestID int, raw json.RawMessage) bool {
	rt.mu.Lock()
	r, ok := rt.pending[requestID]
	if ok {
		delete(rt.pending, requestID)
	}
	rt.mu.Unlock()

	if !ok {
		return false
	}
	r(raw)
	return true
}
