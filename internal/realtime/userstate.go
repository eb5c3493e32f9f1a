package realtime

import (
	"sort"
	"sync"
	"time"
)

// userState is the per-user slot shared by the Registry, the Emitter, the
// Recovery Queue and the Tracker. It is created on first sight of a user and
// never removed.
//
// Lock order: mu before Registry.mu. mu is held across delivery to the user,
// so it also guards queue and errs. ready is guarded by Registry.mu.
type userState struct {
	id string

	mu sync.Mutex

	queue   []QueueEntry
	dropped uint64

	errs userErrors

	// ready is closed and replaced each time a connection is added.
	ready chan struct{}
}

type userErrors struct {
	count      uint64
	deliveries uint64
	lastAt     time.Time
	recent     []ErrorRecord
}

type userTable struct {
	mu sync.Mutex
	m  map[string]*userState
}

func newUserTable() *userTable {
	return &userTable{m: map[string]*userState{}}
}

// get returns the user's state, creating it on first use.
func (t *userTable) get(userID string) *userState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.m[userID]
	if st == nil {
		st = &userState{id: userID, ready: make(chan struct{})}
		t.m[userID] = st
	}
	return st
}

func (t *userTable) lookup(userID string) (*userState, bool) {
	t.mu.Lock()
	st, ok := t.m[userID]
	t.mu.Unlock()
	return st, ok
}

// snapshot lists every known user state ordered by user id.
func (t *userTable) snapshot() []*userState {
	t.mu.Lock()
	out := make([]*userState, 0, len(t.m))
	for _, st := range t.m {
		out = append(out, st)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
