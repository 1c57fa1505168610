package state

import (
	"encoding/json"
	"fmt"
)

// DeltaOp is one replicated field write. Puts establish an object and its
// kind, sets carry a single field value, deletes carry the tombstone.
type DeltaOp struct {
	Action  Action  `json:"op"`
	ID      string  `json:"id"`
	Kind    Kind    `json:"kind,omitempty"`
	Field   Field   `json:"field,omitempty"`
	Value   any     `json:"value"`
	Version Version `json:"ver"`
}

// UnmarshalJSON normalizes set values as they come off the wire, so a delta
// embedded in another message (a welcome, a persisted snapshot) carries typed
// point slices rather than raw []any, whichever path decoded it.
func (op *DeltaOp) UnmarshalJSON(data []byte) error {
	type plain DeltaOp
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.Action == ActionSet {
		v, err := normalizeValue(p.Value)
		if err != nil {
			return fmt.Errorf("op %s/%s: %w", p.ID, p.Field, err)
		}
		p.Value = v
	}
	*op = DeltaOp(p)
	return nil
}

// Delta is the wire unit of replication: an ordered batch of field writes.
type Delta struct {
	Ops []DeltaOp `json:"ops"`
}

// Empty reports whether the delta carries no writes.
func (d Delta) Empty() bool {
	return len(d.Ops) == 0
}

// EncodeDelta serializes a delta for the room transport.
func EncodeDelta(d Delta) ([]byte, error) {
	return json.Marshal(d)
}

// DecodeDelta parses and validates a delta received from a peer. Anything
// malformed fails here so callers can drop it without touching the store.
func DecodeDelta(data []byte) (Delta, error) {
	var d Delta
	if err := json.Unmarshal(data, &d); err != nil {
		return Delta{}, fmt.Errorf("unparseable delta: %w", err)
	}
	for i := range d.Ops {
		op := &d.Ops[i]
		if op.ID == "" {
			return Delta{}, fmt.Errorf("delta op %d: missing object id", i)
		}
		if op.Version.Actor == "" || op.Version.Clock == 0 {
			return Delta{}, fmt.Errorf("delta op %d: missing version", i)
		}
		switch op.Action {
		case ActionPut:
			if op.Kind != KindPath && op.Kind != KindText {
				return Delta{}, fmt.Errorf("delta op %d: unknown kind %q", i, op.Kind)
			}
		case ActionSet:
			if op.Field == "" {
				return Delta{}, fmt.Errorf("delta op %d: missing field", i)
			}
			v, err := normalizeValue(op.Value)
			if err != nil {
				return Delta{}, fmt.Errorf("delta op %d (%s): %w", i, op.Field, err)
			}
			op.Value = v
		case ActionDelete:
		default:
			return Delta{}, fmt.Errorf("delta op %d: unknown action %q", i, op.Action)
		}
	}
	return d, nil
}

// normalizeValue maps JSON-decoded values onto the store's value set:
// string, float64, bool or a flat []float64 point sequence.
func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null value")
	case string, float64, bool:
		return val, nil
	case []float64:
		return val, nil
	case []any:
		pts := make([]float64, len(val))
		for i, e := range val {
			f, ok := e.(float64)
			if !ok {
				return nil, fmt.Errorf("point %d is not a number", i)
			}
			pts[i] = f
		}
		return pts, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
