package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionNewer(t *testing.T) {
	assert.True(t, Version{Clock: 2, Actor: "a"}.Newer(Version{Clock: 1, Actor: "z"}))
	assert.False(t, Version{Clock: 1, Actor: "z"}.Newer(Version{Clock: 2, Actor: "a"}))

	// Equal clocks break ties on the higher actor id.
	assert.True(t, Version{Clock: 3, Actor: "bob"}.Newer(Version{Clock: 3, Actor: "alice"}))
	assert.False(t, Version{Clock: 3, Actor: "alice"}.Newer(Version{Clock: 3, Actor: "bob"}))

	// A version never dominates itself; replays must be no-ops.
	v := Version{Clock: 5, Actor: "alice"}
	assert.False(t, v.Newer(v))
}

func TestClockObserve(t *testing.T) {
	var c Clock
	assert.Equal(t, uint64(1), c.Tick())
	c.Observe(10)
	assert.Equal(t, uint64(11), c.Tick())
	c.Observe(5) // never goes backwards
	assert.Equal(t, uint64(12), c.Tick())
}

func TestVectorCovers(t *testing.T) {
	v := make(Vector)
	v.Observe(Version{Clock: 4, Actor: "alice"})
	v.Observe(Version{Clock: 2, Actor: "alice"}) // lower, ignored

	assert.True(t, v.Covers(Version{Clock: 3, Actor: "alice"}))
	assert.True(t, v.Covers(Version{Clock: 4, Actor: "alice"}))
	assert.False(t, v.Covers(Version{Clock: 5, Actor: "alice"}))
	assert.False(t, v.Covers(Version{Clock: 1, Actor: "bob"}))
}
