package username

import (
	"math/rand/v2"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var namePattern = regexp.MustCompile(`^(Cool|Smart|Brave|Happy|Clever|Swift|Mighty|Gentle|Fierce|Bold)(Lion|Tiger|Bear|Eagle|Shark|Wolf|Fox|Falcon|Dolphin|Panda)\d+$`)

func TestAllocateUnique(t *testing.T) {
	a := NewAllocator(rand.New(rand.NewPCG(1, 2)))

	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		name := a.Allocate("room")
		require.Regexp(t, namePattern, name)
		_, dup := seen[name]
		require.False(t, dup, "duplicate %s", name)
		seen[name] = struct{}{}
		assert.True(t, a.Active("room", name))
	}
}

func TestReleaseAndReserve(t *testing.T) {
	a := NewAllocator(nil)

	name := a.Allocate("room")
	assert.False(t, a.Active("other", name))

	a.Release("room", name)
	assert.False(t, a.Active("room", name))

	a.Reserve("room", "CustomName")
	assert.True(t, a.Active("room", "CustomName"))
	a.Release("room", "CustomName")
	a.Release("room", "CustomName")
	assert.False(t, a.Active("room", "CustomName"))
}

func TestAllocateCrowdedRoom(t *testing.T) {
	a := NewAllocator(rand.New(rand.NewPCG(3, 4)))
	for i := 0; i < 2000; i++ {
		require.Regexp(t, namePattern, a.Allocate("room"))
	}
	assert.Len(t, a.active["room"], 2000)
}

func TestUnregisteredAllocationsExpire(t *testing.T) {
	a := NewAllocator(rand.New(rand.NewPCG(5, 6)))
	now := time.Unix(0, 0)
	a.now = func() time.Time { return now }

	pending := a.Allocate("idle-room")
	registered := a.Allocate("busy-room")
	a.Reserve("busy-room", registered)

	now = now.Add(PendingTTL)
	assert.False(t, a.Active("idle-room", pending))
	assert.True(t, a.Active("busy-room", registered))

	// The next allocation sweeps every room.
	a.Allocate("busy-room")
	assert.NotContains(t, a.active, "idle-room")
	assert.Len(t, a.active["busy-room"], 2)
}
