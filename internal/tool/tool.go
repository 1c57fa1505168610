// Package tool turns pointer input into object-store transactions. Input
// capture hands the dispatcher plain events; each active tool is a small
// state machine that writes through the shared transactional Applier and
// records undoable entries with the history manager.
package tool

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"inkroom/internal/history"
	"inkroom/internal/project"
	"inkroom/internal/state"
)

// PointerEvent is one pointer sample in canvas coordinates.
type PointerEvent struct {
	X float64
	Y float64
}

// Options are the active drawing attributes new objects inherit.
type Options struct {
	Color             string
	Size              float64 // stroke width
	FontSize          float64
	FontFamily        string
	SimplifyTolerance float64
}

// DefaultOptions mirrors the defaults a fresh canvas starts with.
func DefaultOptions() Options {
	return Options{
		Color:             "white",
		Size:              5,
		FontSize:          16,
		FontFamily:        "Arial",
		SimplifyTolerance: 1,
	}
}

// Tool is one input state machine. Events the tool does not care about are
// no-ops.
type Tool interface {
	Name() string
	Down(ev PointerEvent)
	Move(ev PointerEvent)
	Up(ev PointerEvent)
	Click(ev PointerEvent)
	DoubleClick(ev PointerEvent)
	// Reset is called on tool switch. A tool with an open draft must
	// finalize it, not discard it.
	Reset()
}

// Context is what tools need to do their work.
type Context struct {
	Applier state.Applier
	History *history.Manager
	Objects func() []project.Object
	Options *Options
	NewID   func() string
	Logger  *zap.Logger
}

// Dispatcher routes input events to the active tool and owns tool switches.
type Dispatcher struct {
	mu       sync.Mutex
	ctx      *Context
	tools    map[string]Tool
	active   Tool
	readOnly func() bool
	text     *textTool
}

// NewDispatcher wires the standard pen/text/select tools. readOnly gates
// every event: a viewer's input never reaches a tool. objects supplies the
// current projected snapshot for hit testing.
func NewDispatcher(applier state.Applier, hist *history.Manager, objects func() []project.Object, opts *Options, readOnly func() bool, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if readOnly == nil {
		readOnly = func() bool { return false }
	}
	ctx := &Context{
		Applier: applier,
		History: hist,
		Objects: objects,
		Options: opts,
		NewID:   uuid.NewString,
		Logger:  logger,
	}
	pen := &penTool{ctx: ctx}
	text := &textTool{ctx: ctx}
	sel := &selectTool{ctx: ctx}
	d := &Dispatcher{
		ctx:      ctx,
		tools:    map[string]Tool{pen.Name(): pen, text.Name(): text, sel.Name(): sel},
		active:   pen,
		readOnly: readOnly,
		text:     text,
	}
	return d
}

// SetTool switches the active tool, finalizing any in-progress draft first.
func (d *Dispatcher) SetTool(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	next, ok := d.tools[name]
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	if next == d.active {
		return nil
	}
	d.active.Reset()
	d.active = next
	return nil
}

// ActiveTool returns the active tool's name.
func (d *Dispatcher) ActiveTool() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active.Name()
}

func (d *Dispatcher) dispatch(fn func(Tool)) {
	if d.readOnly() {
		return
	}
	d.mu.Lock()
	t := d.active
	d.mu.Unlock()
	fn(t)
}

func (d *Dispatcher) PointerDown(ev PointerEvent)  { d.dispatch(func(t Tool) { t.Down(ev) }) }
func (d *Dispatcher) PointerMove(ev PointerEvent)  { d.dispatch(func(t Tool) { t.Move(ev) }) }
func (d *Dispatcher) PointerUp(ev PointerEvent)    { d.dispatch(func(t Tool) { t.Up(ev) }) }
func (d *Dispatcher) Click(ev PointerEvent)        { d.dispatch(func(t Tool) { t.Click(ev) }) }
func (d *Dispatcher) DoubleClick(ev PointerEvent)  { d.dispatch(func(t Tool) { t.DoubleClick(ev) }) }

// EditingID returns the id of the text object currently under external
// editing, or "".
func (d *Dispatcher) EditingID() string {
	return d.text.EditingID()
}

// CommitEdit ends text editing with the given content. The external text
// input collaborator calls this when the user confirms.
func (d *Dispatcher) CommitEdit(content string) {
	if d.readOnly() {
		return
	}
	d.text.CommitEdit(content)
}

// CancelEdit ends text editing without a document change.
func (d *Dispatcher) CancelEdit() {
	d.text.CancelEdit()
}

// hitTest resolves the topmost object whose bounds contain (x, y).
func hitTest(objects []project.Object, x, y float64) project.Object {
	for i := len(objects) - 1; i >= 0; i-- {
		if contains(objects[i], x, y) {
			return objects[i]
		}
	}
	return nil
}

const hitSlop = 4.0

func contains(obj project.Object, x, y float64) bool {
	switch o := obj.(type) {
	case *project.Path:
		if len(o.Points) < 2 {
			return false
		}
		minX, minY := o.Points[0], o.Points[1]
		maxX, maxY := minX, minY
		for i := 2; i+1 < len(o.Points); i += 2 {
			minX = min(minX, o.Points[i])
			maxX = max(maxX, o.Points[i])
			minY = min(minY, o.Points[i+1])
			maxY = max(maxY, o.Points[i+1])
		}
		slop := max(o.StrokeWidth/2, hitSlop)
		return x >= o.X+minX-slop && x <= o.X+maxX+slop &&
			y >= o.Y+minY-slop && y <= o.Y+maxY+slop
	case *project.Text:
		w := o.Width
		if w == 0 {
			// No measured width yet; estimate from the glyph count.
			w = float64(len(o.Content)) * o.FontSize * 0.6
		}
		h := o.FontSize * 1.2
		return x >= o.X-hitSlop && x <= o.X+w+hitSlop &&
			y >= o.Y-hitSlop && y <= o.Y+h+hitSlop
	default:
		return false
	}
}

// selectOnly builds one transaction that leaves exactly target selected.
// An empty target clears every selection. Selection is advisory, so this is
// never recorded in history.
func selectOnly(objects []project.Object, targetID string) state.Transaction {
	var tx state.Transaction
	for _, obj := range objects {
		base := obj.Base()
		want := base.ID == targetID
		if base.Selected != want {
			tx = append(tx, state.Set(base.ID, state.FieldSelected, want))
		}
	}
	return tx
}
