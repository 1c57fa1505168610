package state

// Kind identifies what sort of drawable an object is.
type Kind string

const (
	KindPath Kind = "path"
	KindText Kind = "text"
)

// Field names one independently-mergeable attribute of an object. Every
// field carries its own Version, so concurrent writes to different fields
// of the same object never clobber each other.
type Field string

const (
	FieldColor       Field = "color"
	FieldStrokeWidth Field = "strokeWidth"
	FieldFontSize    Field = "fontSize"
	FieldFontFamily  Field = "fontFamily"
	FieldX           Field = "x"
	FieldY           Field = "y"
	FieldRotation    Field = "rotation"
	FieldScaleX      Field = "scaleX"
	FieldScaleY      Field = "scaleY"
	FieldWidth       Field = "width"
	FieldPoints      Field = "points"
	FieldSelected    Field = "selected"
	FieldText        Field = "text"
)

// Field values are limited to string, float64, bool and []float64 (points
// are a flat x,y sequence). Anything else is rejected at the codec boundary.

// Action is the kind of a transaction op.
type Action string

const (
	ActionPut    Action = "put" // create an object
	ActionSet    Action = "set" // write one field
	ActionDelete Action = "del" // tombstone an object
)

// Op is a single step of a Transaction.
type Op struct {
	Action Action
	ID     string
	Kind   Kind          // put only
	Fields map[Field]any // put only: initial field values
	Field  Field         // set only
	Value  any           // set only
}

// Transaction is an ordered batch of ops applied atomically with respect to
// store subscribers.
type Transaction []Op

// Put returns an op creating object id with its initial fields.
func Put(id string, kind Kind, fields map[Field]any) Op {
	return Op{Action: ActionPut, ID: id, Kind: kind, Fields: fields}
}

// Set returns an op writing a single field of object id.
func Set(id string, field Field, value any) Op {
	return Op{Action: ActionSet, ID: id, Field: field, Value: value}
}

// Delete returns an op tombstoning object id.
func Delete(id string) Op {
	return Op{Action: ActionDelete, ID: id}
}

// Applier is the one transactional write interface. Tools, the history
// manager and undo/redo all mutate the document through it; nothing writes
// fields directly.
type Applier interface {
	Apply(tx Transaction) error
}

// RecordView is a read-only copy of one live object, as returned by
// Store.Snapshot. Rev changes whenever any field of the object changes and
// is the projection layer's cache key.
type RecordView struct {
	ID     string
	Kind   Kind
	Rev    uint64
	Fields map[Field]any
}

// Value returns the field's value, or nil when the field was never written.
func (v RecordView) Value(f Field) any {
	return v.Fields[f]
}
