package state

import "sync"

// Clock is a lamport clock shared by all local writes.
type Clock struct {
	mu      sync.Mutex
	counter uint64
}

// Tick increments the clock and returns the new value.
func (c *Clock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return c.counter
}

// Observe advances the clock past a value seen on a remote write.
func (c *Clock) Observe(v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v > c.counter {
		c.counter = v
	}
}

// Now returns the current clock value without advancing it.
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// Version orders one field write against another. Clock is the lamport value
// at write time, Actor the writer's id.
type Version struct {
	Clock uint64 `json:"c"`
	Actor string `json:"a"`
}

// Newer reports whether v causally dominates o: higher clock wins, equal
// clocks break ties on the lexicographically higher actor id so every
// replica picks the same winner.
func (v Version) Newer(o Version) bool {
	if v.Clock != o.Clock {
		return v.Clock > o.Clock
	}
	return v.Actor > o.Actor
}

// Vector is a per-actor summary of the highest clock seen from each actor.
// Replicas exchange Vectors while syncing so only missing writes travel.
type Vector map[string]uint64

// Observe folds a version into the vector.
func (v Vector) Observe(ver Version) {
	if ver.Clock > v[ver.Actor] {
		v[ver.Actor] = ver.Clock
	}
}

// Covers reports whether the vector already accounts for ver.
func (v Vector) Covers(ver Version) bool {
	return v[ver.Actor] >= ver.Clock
}

// Clone returns a copy safe to hand to another goroutine.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
