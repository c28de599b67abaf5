// Package username hands out generated display names that are unique among
// the active names of a room.
package username

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"
)

var (
	adjectives = []string{"Cool", "Smart", "Brave", "Happy", "Clever", "Swift", "Mighty", "Gentle", "Fierce", "Bold"}
	animals    = []string{"Lion", "Tiger", "Bear", "Eagle", "Shark", "Wolf", "Fox", "Falcon", "Dolphin", "Panda"}
)

const (
	numberRange = 1000
	maxAttempts = 64
	// PendingTTL is how long an allocated name stays taken without being
	// registered by a member of the room.
	PendingTTL = 5 * time.Minute
)

// Allocator is safe for concurrent use.
type Allocator struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
	// active maps room and name to the expiry of a pending allocation; the
	// zero time marks a registered name.
	active map[string]map[string]time.Time
}

// NewAllocator returns an allocator drawing from rnd, or from a randomly
// seeded source when rnd is nil.
func NewAllocator(rnd *rand.Rand) *Allocator {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Allocator{rnd: rnd, now: time.Now, active: make(map[string]map[string]time.Time)}
}

// Allocate returns a name not active in roomID and holds it for PendingTTL
// unless Reserve registers it first.
func (a *Allocator) Allocate(roomID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.expire(now)
	names := a.room(roomID)
	for attempt := 0; ; attempt++ {
		name := a.generate(attempt)
		if _, taken := names[name]; !taken {
			names[name] = now.Add(PendingTTL)
			return name
		}
	}
}

// expire drops pending allocations that ran out. mu must be held.
func (a *Allocator) expire(now time.Time) {
	for roomID, names := range a.active {
		for name, expiry := range names {
			if !expiry.IsZero() && !now.Before(expiry) {
				delete(names, name)
			}
		}
		if len(names) == 0 {
			delete(a.active, roomID)
		}
	}
}

func (a *Allocator) room(roomID string) map[string]time.Time {
	names := a.active[roomID]
	if names == nil {
		names = make(map[string]time.Time)
		a.active[roomID] = names
	}
	return names
}

func (a *Allocator) generate(attempt int) string {
	name := adjectives[a.rnd.IntN(len(adjectives))] + animals[a.rnd.IntN(len(animals))]
	n := a.rnd.IntN(numberRange)
	if attempt < maxAttempts {
		return name + strconv.Itoa(n)
	}
	// Crowded room: widen the number space.
	return fmt.Sprintf("%s%d%d", name, n, a.rnd.IntN(numberRange*(attempt/maxAttempts)))
}

// Reserve marks name active in roomID until it is released.
func (a *Allocator) Reserve(roomID, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.room(roomID)[name] = time.Time{}
}

// Release makes name available again in roomID.
func (a *Allocator) Release(roomID, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := a.active[roomID]
	delete(names, name)
	if len(names) == 0 {
		delete(a.active, roomID)
	}
}

// Active reports whether name is active in roomID.
func (a *Allocator) Active(roomID, name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	expiry, ok := a.active[roomID][name]
	return ok && (expiry.IsZero() || a.now().Before(expiry))
}
