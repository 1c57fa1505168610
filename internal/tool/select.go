package tool

import (
	"go.uber.org/zap"
)

// selectTool resolves clicks into advisory selection state: exactly one
// object selected after a hit, none after an empty click. Selection changes
// are last-writer-wins like any field and are never undoable.
type selectTool struct {
	ctx *Context
}

func (s *selectTool) Name() string { return "select" }

func (s *selectTool) Click(ev PointerEvent) {
	objects := s.ctx.Objects()
	var target string
	if obj := hitTest(objects, ev.X, ev.Y); obj != nil {
		target = obj.Base().ID
	}
	tx := selectOnly(objects, target)
	if len(tx) == 0 {
		return
	}
	if err := s.ctx.Applier.Apply(tx); err != nil {
		s.ctx.Logger.Warn("selection not applied", zap.Error(err))
	}
}

func (s *selectTool) Down(PointerEvent)        {}
func (s *selectTool) Move(PointerEvent)        {}
func (s *selectTool) Up(PointerEvent)          {}
func (s *selectTool) DoubleClick(PointerEvent) {}
func (s *selectTool) Reset()                   {}
