// Package history groups document mutations into per-actor undoable
// batches. It owns only its own stack: undo and redo re-enter the store
// through the same transactional Applier every tool uses, so they merge and
// replicate like any other edit.
package history

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"inkroom/internal/state"
)

// DefaultWindow is how long a burst of updates to one object keeps folding
// into the same undo entry. Matches the original capture behavior of rapid
// drag gestures.
const DefaultWindow = 200 * time.Millisecond

// OpKind classifies what a history entry did to its object.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Entry is one undoable user action.
type Entry struct {
	ObjectID string
	Kind     state.Kind
	Op       OpKind
	Before   map[state.Field]any
	After    map[state.Field]any
	Origin   string
	Seq      uint64

	undone bool
	at     time.Time
}

// Manager is a linear undo stack for one actor.
type Manager struct {
	mu      sync.Mutex
	applier state.Applier
	origin  string
	window  time.Duration
	entries []*Entry
	seq     uint64
	logger  *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewManager creates a manager whose undo/redo transactions are tagged with
// origin and applied through applier.
func NewManager(applier state.Applier, origin string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		applier: applier,
		origin:  origin,
		window:  DefaultWindow,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// SetWindow overrides the coalescing window (tests use this).
func (m *Manager) SetWindow(d time.Duration) {
	m.mu.Lock()
	m.window = d
	m.mu.Unlock()
}

// Record pushes a new entry. Recording anything after an undo discards the
// undone tail, so redo is only valid until the next edit. Consecutive
// updates to the same object inside the window coalesce into one entry,
// keeping the original before values and the newest after values.
func (m *Manager) Record(objectID string, kind state.Kind, op OpKind, before, after map[state.Field]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.entries[:0]
	for _, e := range m.entries {
		if !e.undone {
			live = append(live, e)
		}
	}
	m.entries = live

	now := m.now()
	if op == OpUpdate && len(m.entries) > 0 {
		top := m.entries[len(m.entries)-1]
		if top.Op == OpUpdate && top.ObjectID == objectID && now.Sub(top.at) <= m.window {
			for f, v := range after {
				top.After[f] = v
			}
			for f, v := range before {
				if _, seen := top.Before[f]; !seen {
					top.Before[f] = v
				}
			}
			top.at = now
			return
		}
	}

	m.seq++
	m.entries = append(m.entries, &Entry{
		ObjectID: objectID,
		Kind:     kind,
		Op:       op,
		Before:   cloneFields(before),
		After:    cloneFields(after),
		Origin:   m.origin,
		Seq:      m.seq,
		at:       now,
	})
}

// Undo reverts the most recent entry that is still live and reports whether
// further undo is possible. The entry stays on the stack, excluded from
// undo but available for redo.
func (m *Manager) Undo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.undone {
			continue
		}
		if err := m.applier.Apply(m.revert(e)); err != nil {
			m.logger.Warn("undo not applied", zap.String("object", e.ObjectID), zap.Error(err))
			return m.canUndoLocked()
		}
		e.undone = true
		break
	}
	return m.canUndoLocked()
}

// Redo re-applies the most recently undone entry and reports whether
// further redo is possible.
func (m *Manager) Redo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < len(m.entries); i++ {
		e := m.entries[i]
		if !e.undone {
			continue
		}
		if err := m.applier.Apply(m.reapply(e)); err != nil {
			m.logger.Warn("redo not applied", zap.String("object", e.ObjectID), zap.Error(err))
			return m.canRedoLocked()
		}
		e.undone = false
		break
	}
	return m.canRedoLocked()
}

// revert builds the transaction that takes e's object back to its before
// state. Tombstones are permanent, so bringing a deleted object back means
// recreating it under a fresh id; the entry is re-pointed at that id to
// keep later undo/redo of the same entry coherent.
func (m *Manager) revert(e *Entry) state.Transaction {
	switch e.Op {
	case OpCreate:
		return state.Transaction{state.Delete(e.ObjectID)}
	case OpDelete:
		e.ObjectID = m.newID()
		return state.Transaction{state.Put(e.ObjectID, e.Kind, cloneFields(e.Before))}
	default:
		tx := make(state.Transaction, 0, len(e.Before))
		for _, f := range sortedKeys(e.Before) {
			tx = append(tx, state.Set(e.ObjectID, f, e.Before[f]))
		}
		return tx
	}
}

func (m *Manager) reapply(e *Entry) state.Transaction {
	switch e.Op {
	case OpCreate:
		e.ObjectID = m.newID()
		return state.Transaction{state.Put(e.ObjectID, e.Kind, cloneFields(e.After))}
	case OpDelete:
		return state.Transaction{state.Delete(e.ObjectID)}
	default:
		tx := make(state.Transaction, 0, len(e.After))
		for _, f := range sortedKeys(e.After) {
			tx = append(tx, state.Set(e.ObjectID, f, e.After[f]))
		}
		return tx
	}
}

// CanUndo reports whether a live entry remains.
func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canUndoLocked()
}

// CanRedo reports whether an undone entry remains.
func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canRedoLocked()
}

func (m *Manager) canUndoLocked() bool {
	for _, e := range m.entries {
		if !e.undone {
			return true
		}
	}
	return false
}

func (m *Manager) canRedoLocked() bool {
	for _, e := range m.entries {
		if e.undone {
			return true
		}
	}
	return false
}

func cloneFields(in map[state.Field]any) map[state.Field]any {
	if in == nil {
		return nil
	}
	out := make(map[state.Field]any, len(in))
	for f, v := range in {
		if pts, ok := v.([]float64); ok {
			cp := make([]float64, len(pts))
			copy(cp, pts)
			out[f] = cp
			continue
		}
		out[f] = v
	}
	return out
}

func sortedKeys(m map[state.Field]any) []state.Field {
	out := make([]state.Field, 0, len(m))
	for f := range m {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
