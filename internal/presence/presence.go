// Package presence tracks the ephemeral per-actor state (cursor, identity)
// broadcast alongside the document. Presence is latest-wins with no
// history and never touches the object store.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout is how long a remote actor may stay silent before being
// purged. Purging on timeout rather than only on explicit disconnect
// tolerates silent network loss.
const DefaultTimeout = 30 * time.Second

// Position is a cursor location in canvas coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Record is one connected actor's ephemeral state.
type Record struct {
	ActorID     string   `json:"actorId"`
	DisplayName string   `json:"displayName"`
	Cursor      Position `json:"cursorPosition"`
	Role        string   `json:"role"`
}

type remote struct {
	rec  Record
	seen time.Time
}

// Tracker keeps the latest record per remote actor and drops actors whose
// heartbeat lapses.
type Tracker struct {
	mu       sync.Mutex
	remotes  map[string]*remote
	timeout  time.Duration
	onChange func([]Record)
	now      func() time.Time
}

// NewTracker creates a tracker; onChange (may be nil) runs with the full
// remote roster after every change.
func NewTracker(timeout time.Duration, onChange func([]Record)) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		remotes:  make(map[string]*remote),
		timeout:  timeout,
		onChange: onChange,
		now:      time.Now,
	}
}

// Apply upserts a remote actor's latest state.
func (t *Tracker) Apply(rec Record) {
	t.mu.Lock()
	t.remotes[rec.ActorID] = &remote{rec: rec, seen: t.now()}
	roster, fn := t.rosterLocked()
	t.mu.Unlock()
	if fn != nil {
		fn(roster)
	}
}

// Remove drops an actor on explicit disconnect.
func (t *Tracker) Remove(actorID string) {
	t.mu.Lock()
	_, ok := t.remotes[actorID]
	delete(t.remotes, actorID)
	roster, fn := t.rosterLocked()
	t.mu.Unlock()
	if ok && fn != nil {
		fn(roster)
	}
}

// Sweep purges actors whose last update is older than the timeout.
func (t *Tracker) Sweep() {
	t.mu.Lock()
	cutoff := t.now().Add(-t.timeout)
	purged := false
	for id, r := range t.remotes {
		if r.seen.Before(cutoff) {
			delete(t.remotes, id)
			purged = true
		}
	}
	roster, fn := t.rosterLocked()
	t.mu.Unlock()
	if purged && fn != nil {
		fn(roster)
	}
}

// StartSweeper runs Sweep on an interval until ctx is done.
func (t *Tracker) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = t.timeout / 3
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// List returns the current roster ordered by actor id.
func (t *Tracker) List() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	roster, _ := t.rosterLocked()
	return roster
}

func (t *Tracker) rosterLocked() ([]Record, func([]Record)) {
	out := make([]Record, 0, len(t.remotes))
	for _, r := range t.remotes {
		out = append(out, r.rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out, t.onChange
}

// Clear drops the whole roster (session teardown).
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.remotes = make(map[string]*remote)
	roster, fn := t.rosterLocked()
	t.mu.Unlock()
	if fn != nil {
		fn(roster)
	}
}
