// Package project derives render-ready snapshots from the object store.
// Renderers consume these plain records; the store's merge machinery never
// leaks past this boundary.
package project

import (
	"inkroom/internal/state"
)

// ObjectBase carries the attributes shared by every drawable.
type ObjectBase struct {
	ID       string
	Color    string
	X        float64
	Y        float64
	Rotation float64
	ScaleX   float64
	ScaleY   float64
	Selected bool
}

// Object is one projected drawable. Concrete types are *Path and *Text;
// renderers switch on the type for compile-time exhaustiveness.
type Object interface {
	Base() *ObjectBase
}

// Path is a freehand stroke.
type Path struct {
	ObjectBase
	StrokeWidth float64
	Points      []float64 // flat x,y sequence
}

func (p *Path) Base() *ObjectBase { return &p.ObjectBase }

// Text is a text label.
type Text struct {
	ObjectBase
	FontSize   float64
	FontFamily string
	Width      float64
	Content    string
}

func (t *Text) Base() *ObjectBase { return &t.ObjectBase }

type cached struct {
	rev uint64
	obj Object
}

// Projector flattens the store into an ordered object list. Objects whose
// record has not changed since the previous call are returned by the same
// pointer, so change-minimized renderers can skip them. Tombstoned objects
// are simply absent.
type Projector struct {
	cache map[string]cached
}

func NewProjector() *Projector {
	return &Projector{cache: make(map[string]cached)}
}

// Project returns the current snapshot in the store's deterministic order.
func (p *Projector) Project(s *state.Store) []Object {
	views := s.Snapshot()
	out := make([]Object, 0, len(views))
	next := make(map[string]cached, len(views))
	for _, v := range views {
		if c, ok := p.cache[v.ID]; ok && c.rev == v.Rev {
			next[v.ID] = c
			out = append(out, c.obj)
			continue
		}
		obj := build(v)
		next[v.ID] = cached{rev: v.Rev, obj: obj}
		out = append(out, obj)
	}
	p.cache = next
	return out
}

func build(v state.RecordView) Object {
	base := ObjectBase{
		ID:       v.ID,
		Color:    str(v, state.FieldColor),
		X:        num(v, state.FieldX, 0),
		Y:        num(v, state.FieldY, 0),
		Rotation: num(v, state.FieldRotation, 0),
		ScaleX:   num(v, state.FieldScaleX, 1),
		ScaleY:   num(v, state.FieldScaleY, 1),
		Selected: boolean(v, state.FieldSelected),
	}
	switch v.Kind {
	case state.KindText:
		return &Text{
			ObjectBase: base,
			FontSize:   num(v, state.FieldFontSize, 16),
			FontFamily: str(v, state.FieldFontFamily),
			Width:      num(v, state.FieldWidth, 0),
			Content:    str(v, state.FieldText),
		}
	default:
		return &Path{
			ObjectBase:  base,
			StrokeWidth: num(v, state.FieldStrokeWidth, 1),
			Points:      points(v),
		}
	}
}

func str(v state.RecordView, f state.Field) string {
	s, _ := v.Value(f).(string)
	return s
}

func num(v state.RecordView, f state.Field, def float64) float64 {
	if n, ok := v.Value(f).(float64); ok {
		return n
	}
	return def
}

func boolean(v state.RecordView, f state.Field) bool {
	b, _ := v.Value(f).(bool)
	return b
}

func points(v state.RecordView) []float64 {
	pts, _ := v.Value(state.FieldPoints).([]float64)
	return pts
}
