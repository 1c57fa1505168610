package state

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// record is the store-internal shape of one object. Deleted records stay in
// the map forever as tombstones so a late-arriving create or update for the
// same id can never resurrect them.
type record struct {
	kind    Kind
	created Version
	fields  map[Field]versioned
	deleted bool
	// provisional marks a record whose field writes arrived ahead of its
	// create. It is hidden from snapshots until the create shows up.
	provisional bool
	rev         uint64
}

type versioned struct {
	value any
	ver   Version
}

// Store holds one room's objects and merges concurrent field writes
// deterministically. Local writes go through ApplyLocal, remote deltas
// through ApplyRemote; both funnel into the same per-field last-writer-wins
// rule, so merge invariants cannot be bypassed.
type Store struct {
	mu      sync.RWMutex
	actor   string
	clock   Clock
	records map[string]*record
	log     []DeltaOp
	vector  Vector
	subs    []func()
	logger  *zap.Logger
}

// NewStore creates an empty replica owned by actor.
func NewStore(actor string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		actor:   actor,
		records: make(map[string]*record),
		vector:  make(Vector),
		logger:  logger,
	}
}

// Actor returns the id local writes are attributed to.
func (s *Store) Actor() string {
	return s.actor
}

// Subscribe registers fn to run after every transaction that changed the
// store. Listeners never observe a half-applied transaction.
func (s *Store) Subscribe(fn func()) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// ApplyLocal applies a transaction optimistically and returns the delta to
// replicate. All field writes in the transaction share one lamport tick
// attributed to origin. Ops targeting tombstoned objects are dropped, not
// errors.
func (s *Store) ApplyLocal(tx Transaction, origin string) (Delta, error) {
	s.mu.Lock()
	ver := Version{Clock: s.clock.Tick(), Actor: origin}
	var accepted []DeltaOp
	for _, op := range tx {
		accepted = append(accepted, s.applyLocalOp(op, ver)...)
	}
	s.vector.Observe(ver)
	s.log = append(s.log, accepted...)
	subs := s.subscribers(len(accepted) > 0)
	s.mu.Unlock()

	notify(subs)
	return Delta{Ops: accepted}, nil
}

func (s *Store) applyLocalOp(op Op, ver Version) []DeltaOp {
	switch op.Action {
	case ActionPut:
		rec, ok := s.records[op.ID]
		if ok {
			if rec.deleted {
				s.logger.Debug("dropping create for tombstoned object", zap.String("id", op.ID))
			}
			return nil
		}
		rec = &record{kind: op.Kind, created: ver, fields: make(map[Field]versioned)}
		s.records[op.ID] = rec
		out := []DeltaOp{{Action: ActionPut, ID: op.ID, Kind: op.Kind, Version: ver}}
		for _, f := range sortedFields(op.Fields) {
			rec.fields[f] = versioned{value: copyValue(op.Fields[f]), ver: ver}
			out = append(out, DeltaOp{Action: ActionSet, ID: op.ID, Field: f, Value: copyValue(op.Fields[f]), Version: ver})
		}
		rec.rev++
		return out
	case ActionSet:
		rec, ok := s.records[op.ID]
		if !ok || rec.deleted {
			return nil
		}
		rec.fields[op.Field] = versioned{value: copyValue(op.Value), ver: ver}
		rec.rev++
		return []DeltaOp{{Action: ActionSet, ID: op.ID, Field: op.Field, Value: copyValue(op.Value), Version: ver}}
	case ActionDelete:
		rec, ok := s.records[op.ID]
		if !ok || rec.deleted {
			return nil
		}
		rec.deleted = true
		rec.rev++
		return []DeltaOp{{Action: ActionDelete, ID: op.ID, Version: ver}}
	default:
		s.logger.Warn("unknown transaction action", zap.String("action", string(op.Action)))
		return nil
	}
}

// ApplyRemote merges a decoded delta. A field write is accepted iff its
// version dominates the field's current version; everything else, including
// replays and writes against tombstones, is a no-op. Returns whether any
// state changed.
func (s *Store) ApplyRemote(d Delta) bool {
	s.mu.Lock()
	changed := false
	for _, op := range d.Ops {
		s.clock.Observe(op.Version.Clock)
		s.vector.Observe(op.Version)
		if s.applyRemoteOp(op) {
			s.log = append(s.log, op)
			changed = true
		}
	}
	subs := s.subscribers(changed)
	s.mu.Unlock()

	notify(subs)
	return changed
}

func (s *Store) applyRemoteOp(op DeltaOp) bool {
	rec, ok := s.records[op.ID]
	switch op.Action {
	case ActionPut:
		if ok {
			if rec.provisional && !rec.deleted {
				// The create caught up with field writes that ran ahead
				// of it.
				rec.kind = op.Kind
				rec.created = op.Version
				rec.provisional = false
				rec.rev++
				return true
			}
			// Either a replay or a create racing a tombstone; both no-ops.
			return false
		}
		s.records[op.ID] = &record{kind: op.Kind, created: op.Version, fields: make(map[Field]versioned)}
		s.records[op.ID].rev++
		return true
	case ActionSet:
		if !ok {
			// Field write arriving ahead of its create. Buffer it in a
			// provisional record so reordered delivery still converges.
			s.records[op.ID] = &record{
				created:     op.Version,
				provisional: true,
				fields:      map[Field]versioned{op.Field: {value: copyValue(op.Value), ver: op.Version}},
				rev:         1,
			}
			return true
		}
		if rec.deleted {
			return false
		}
		cur, exists := rec.fields[op.Field]
		if exists && !op.Version.Newer(cur.ver) {
			return false
		}
		rec.fields[op.Field] = versioned{value: copyValue(op.Value), ver: op.Version}
		rec.rev++
		return true
	case ActionDelete:
		if !ok {
			// Tombstone arriving ahead of its create: record it so the
			// create is discarded whenever it shows up.
			s.records[op.ID] = &record{created: op.Version, deleted: true, fields: make(map[Field]versioned), rev: 1}
			return true
		}
		if rec.deleted {
			return false
		}
		rec.deleted = true
		rec.rev++
		return true
	default:
		s.logger.Warn("dropping delta op with unknown action", zap.String("action", string(op.Action)))
		return false
	}
}

// Snapshot returns all live objects ordered by creation version. The order
// is derived from replicated state, so converged replicas agree on it.
func (s *Store) Snapshot() []RecordView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RecordView, 0, len(s.records))
	for id, rec := range s.records {
		if rec.deleted || rec.provisional {
			continue
		}
		out = append(out, s.view(id, rec))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := s.records[out[i].ID].created, s.records[out[j].ID].created
		if a.Clock != b.Clock {
			return a.Clock < b.Clock
		}
		if a.Actor != b.Actor {
			return a.Actor < b.Actor
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a copy of one live object.
func (s *Store) Get(id string) (RecordView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok || rec.deleted || rec.provisional {
		return RecordView{}, false
	}
	return s.view(id, rec), true
}

func (s *Store) view(id string, rec *record) RecordView {
	fields := make(map[Field]any, len(rec.fields))
	for f, fv := range rec.fields {
		fields[f] = copyValue(fv.value)
	}
	return RecordView{ID: id, Kind: rec.kind, Rev: rec.rev, Fields: fields}
}

// Vector returns a copy of the per-actor clock summary.
func (s *Store) Vector() Vector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vector.Clone()
}

// DeltasSince collects every accepted write the given vector does not cover,
// in application order. Passing nil returns the full history.
func (s *Store) DeltasSince(v Vector) Delta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ops []DeltaOp
	for _, op := range s.log {
		if v != nil && v.Covers(op.Version) {
			continue
		}
		ops = append(ops, op)
	}
	return Delta{Ops: ops}
}

func (s *Store) subscribers(changed bool) []func() {
	if !changed {
		return nil
	}
	out := make([]func(), len(s.subs))
	copy(out, s.subs)
	return out
}

func notify(subs []func()) {
	for _, fn := range subs {
		fn()
	}
}

func copyValue(v any) any {
	if pts, ok := v.([]float64); ok {
		out := make([]float64, len(pts))
		copy(out, pts)
		return out
	}
	return v
}

func sortedFields(m map[Field]any) []Field {
	out := make([]Field, 0, len(m))
	for f := range m {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
