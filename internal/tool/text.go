package tool

import (
	"sync"

	"go.uber.org/zap"

	"inkroom/internal/history"
	"inkroom/internal/project"
	"inkroom/internal/state"
)

const defaultTextContent = "Double-click to edit"

// textTool creates and edits text labels. Double-click on empty canvas
// creates a label at the pointer; double-click on an existing label opens
// edit mode and hands control to the external text-input collaborator until
// CommitEdit or CancelEdit. Dragging a selected label issues position
// updates that the history manager coalesces into one entry.
type textTool struct {
	ctx *Context

	mu        sync.Mutex
	editingID string

	dragging   bool
	dragID     string
	dragOffX   float64
	dragOffY   float64
}

func (t *textTool) Name() string { return "text" }

func (t *textTool) Down(ev PointerEvent) {
	obj := hitTest(t.ctx.Objects(), ev.X, ev.Y)
	txt, ok := obj.(*project.Text)
	if !ok || !txt.Selected {
		return
	}
	t.dragging = true
	t.dragID = txt.ID
	t.dragOffX = ev.X - txt.X
	t.dragOffY = ev.Y - txt.Y
}

func (t *textTool) Move(ev PointerEvent) {
	if !t.dragging {
		return
	}
	var prevX, prevY float64
	for _, obj := range t.ctx.Objects() {
		if obj.Base().ID == t.dragID {
			prevX, prevY = obj.Base().X, obj.Base().Y
		}
	}
	newX, newY := ev.X-t.dragOffX, ev.Y-t.dragOffY
	tx := state.Transaction{
		state.Set(t.dragID, state.FieldX, newX),
		state.Set(t.dragID, state.FieldY, newY),
	}
	if err := t.ctx.Applier.Apply(tx); err != nil {
		t.ctx.Logger.Warn("text drag dropped", zap.Error(err))
		return
	}
	t.ctx.History.Record(t.dragID, state.KindText, history.OpUpdate,
		map[state.Field]any{state.FieldX: prevX, state.FieldY: prevY},
		map[state.Field]any{state.FieldX: newX, state.FieldY: newY},
	)
}

func (t *textTool) Up(PointerEvent) {
	t.dragging = false
	t.dragID = ""
}

func (t *textTool) Click(ev PointerEvent) {
	objects := t.ctx.Objects()
	var target string
	if obj := hitTest(objects, ev.X, ev.Y); obj != nil {
		target = obj.Base().ID
	}
	if tx := selectOnly(objects, target); len(tx) > 0 {
		if err := t.ctx.Applier.Apply(tx); err != nil {
			t.ctx.Logger.Warn("selection not applied", zap.Error(err))
		}
	}
}

func (t *textTool) DoubleClick(ev PointerEvent) {
	objects := t.ctx.Objects()
	obj := hitTest(objects, ev.X, ev.Y)

	if txt, ok := obj.(*project.Text); ok {
		t.mu.Lock()
		t.editingID = txt.ID
		t.mu.Unlock()
		return
	}
	if obj != nil {
		return
	}

	opts := t.ctx.Options
	id := t.ctx.NewID()
	fields := map[state.Field]any{
		state.FieldText:       defaultTextContent,
		state.FieldX:          ev.X,
		state.FieldY:          ev.Y,
		state.FieldFontSize:   opts.FontSize,
		state.FieldFontFamily: opts.FontFamily,
		state.FieldColor:      opts.Color,
		state.FieldSelected:   true,
	}
	tx := selectOnly(objects, "")
	tx = append(tx, state.Put(id, state.KindText, fields))
	if err := t.ctx.Applier.Apply(tx); err != nil {
		t.ctx.Logger.Warn("text not created", zap.Error(err))
		return
	}
	t.ctx.History.Record(id, state.KindText, history.OpCreate, nil, fields)
}

// Reset leaves edit mode; an uncommitted edit is not a document change.
func (t *textTool) Reset() {
	t.mu.Lock()
	t.editingID = ""
	t.mu.Unlock()
	t.dragging = false
	t.dragID = ""
}

// EditingID returns the id of the label under edit, or "".
func (t *textTool) EditingID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.editingID
}

// CommitEdit writes the edited content and records one update entry.
func (t *textTool) CommitEdit(content string) {
	t.mu.Lock()
	id := t.editingID
	t.editingID = ""
	t.mu.Unlock()
	if id == "" {
		return
	}

	var before string
	for _, obj := range t.ctx.Objects() {
		if txt, ok := obj.(*project.Text); ok && txt.ID == id {
			before = txt.Content
		}
	}
	if before == content {
		return
	}
	tx := state.Transaction{state.Set(id, state.FieldText, content)}
	if err := t.ctx.Applier.Apply(tx); err != nil {
		t.ctx.Logger.Warn("text edit not applied", zap.Error(err))
		return
	}
	t.ctx.History.Record(id, state.KindText, history.OpUpdate,
		map[state.Field]any{state.FieldText: before},
		map[state.Field]any{state.FieldText: content},
	)
}

// CancelEdit leaves edit mode without writing anything.
func (t *textTool) CancelEdit() {
	t.mu.Lock()
	t.editingID = ""
	t.mu.Unlock()
}
