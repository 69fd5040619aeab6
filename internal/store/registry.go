package store

import (
	"context"
	"sync"
	"weak"

	"github.com/google/uuid"
)

// Broadcaster carries committed keys to stores living in other processes.
type Broadcaster interface {
	Publish(ctx context.Context, keys []Key) error
}

// live holds every open store without keeping it reachable; a store dropped by
// its owner without Commit/Rollback(close) disappears on the next sweep.
var live = struct {
	sync.Mutex
	stores map[uuid.UUID]weak.Pointer[Store]
}{stores: make(map[uuid.UUID]weak.Pointer[Store])}

func registerStore(s *Store) {
	live.Lock()
	defer live.Unlock()
	live.stores[s.id] = weak.Make(s)
}

func unregisterStore(id uuid.UUID) {
	live.Lock()
	defer live.Unlock()
	delete(live.stores, id)
}

// notifyStores marks keys stale in every live store except origin.
func notifyStores(origin uuid.UUID, keys []Key) {
	if len(keys) == 0 {
		return
	}
	live.Lock()
	targets := make([]*Store, 0, len(live.stores))
	for id, ptr := range live.stores {
		if id == origin {
			continue
		}
		s := ptr.Value()
		if s == nil {
			delete(live.stores, id)
			continue
		}
		targets = append(targets, s)
	}
	live.Unlock()
	for _, s := range targets {
		s.markStale(keys)
	}
}

// Invalidate marks keys stale in every live store of this process. Broadcast
// listeners call it for invalidations received from other processes.
func Invalidate(keys ...Key) {
	notifyStores(uuid.Nil, keys)
}

// LiveStores reports how many stores are registered and still reachable.
func LiveStores() int {
	live.Lock()
	defer live.Unlock()
	n := 0
	for id, ptr := range live.stores {
		if ptr.Value() == nil {
			delete(live.stores, id)
			continue
		}
		n++
	}
	return n
}
