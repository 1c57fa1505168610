package tool

import (
	"go.uber.org/zap"

	"inkroom/internal/history"
	"inkroom/internal/state"
)

// penTool draws freehand paths. While the pointer is down it accumulates
// raw points in a draft buffer and streams whole-array updates so other
// participants see the stroke grow; on release the raw points are replaced
// by their simplified form in a single transaction and one create entry is
// recorded.
type penTool struct {
	ctx     *Context
	drawing bool
	draftID string
	raw     []float64
}

func (p *penTool) Name() string { return "pen" }

func (p *penTool) Down(ev PointerEvent) {
	if p.drawing {
		// A missed Up (focus loss) left a draft open; close it first.
		p.finish()
	}
	p.drawing = true
	p.draftID = p.ctx.NewID()
	p.raw = []float64{ev.X, ev.Y}

	opts := p.ctx.Options
	tx := state.Transaction{state.Put(p.draftID, state.KindPath, map[state.Field]any{
		state.FieldPoints:      []float64{ev.X, ev.Y},
		state.FieldColor:       opts.Color,
		state.FieldStrokeWidth: opts.Size,
	})}
	if err := p.ctx.Applier.Apply(tx); err != nil {
		p.ctx.Logger.Warn("pen stroke not started", zap.Error(err))
		p.drawing = false
	}
}

func (p *penTool) Move(ev PointerEvent) {
	if !p.drawing {
		return
	}
	p.raw = append(p.raw, ev.X, ev.Y)
	tx := state.Transaction{state.Set(p.draftID, state.FieldPoints, append([]float64(nil), p.raw...))}
	if err := p.ctx.Applier.Apply(tx); err != nil {
		p.ctx.Logger.Warn("pen point dropped", zap.Error(err))
	}
}

func (p *penTool) Up(PointerEvent) {
	if !p.drawing {
		return
	}
	p.finish()
}

func (p *penTool) Click(PointerEvent)       {}
func (p *penTool) DoubleClick(PointerEvent) {}

// Reset finalizes an interrupted stroke rather than discarding it.
func (p *penTool) Reset() {
	if p.drawing {
		p.finish()
	}
}

func (p *penTool) finish() {
	opts := p.ctx.Options
	simplified := Simplify(p.raw, opts.SimplifyTolerance)

	tx := state.Transaction{state.Set(p.draftID, state.FieldPoints, simplified)}
	if err := p.ctx.Applier.Apply(tx); err != nil {
		p.ctx.Logger.Warn("pen stroke not finalized", zap.Error(err))
	}

	p.ctx.History.Record(p.draftID, state.KindPath, history.OpCreate, nil, map[state.Field]any{
		state.FieldPoints:      simplified,
		state.FieldColor:       opts.Color,
		state.FieldStrokeWidth: opts.Size,
	})

	p.drawing = false
	p.draftID = ""
	p.raw = nil
}
