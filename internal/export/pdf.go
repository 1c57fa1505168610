// Package export renders a projected document to PDF.
package export

import (
	"strconv"

	"github.com/jung-kurt/gofpdf"

	"inkroom/internal/project"
)

// canvas units to millimeters; an A4 page fits a ~600 unit wide canvas.
const scale = 3.0

// WritePDF draws the objects onto a single A4 page at path. Objects are
// already in paint order.
func WritePDF(path string, objects []project.Object) error {
	p := gofpdf.New("P", "mm", "A4", "")
	p.AddPage()

	for _, obj := range objects {
		switch o := obj.(type) {
		case *project.Path:
			r, g, b := parseColor(o.Color)
			p.SetDrawColor(r, g, b)
			p.SetLineWidth(o.StrokeWidth / scale)
			for i := 3; i < len(o.Points); i += 2 {
				p.Line(
					(o.X+o.Points[i-3])/scale, (o.Y+o.Points[i-2])/scale,
					(o.X+o.Points[i-1])/scale, (o.Y+o.Points[i])/scale,
				)
			}
		case *project.Text:
			r, g, b := parseColor(o.Color)
			p.SetTextColor(r, g, b)
			p.SetFont(pdfFont(o.FontFamily), "", o.FontSize/scale*2.83)
			p.Text(o.X/scale, o.Y/scale, o.Content)
		}
	}
	return p.OutputFileAndClose(path)
}

// pdfFont maps a canvas font family onto one of the core PDF fonts.
func pdfFont(family string) string {
	switch family {
	case "Courier", "Courier New", "monospace":
		return "Courier"
	case "Times", "Times New Roman", "serif":
		return "Times"
	default:
		return "Arial"
	}
}

// parseColor reads a #rrggbb hex color, defaulting to black.
func parseColor(s string) (int, int, int) {
	if len(s) != 7 || s[0] != '#' {
		return 0, 0, 0
	}
	var r, g, b int64
	var err error
	if r, err = strconv.ParseInt(s[1:3], 16, 32); err != nil {
		return 0, 0, 0
	}
	if g, err = strconv.ParseInt(s[3:5], 16, 32); err != nil {
		return 0, 0, 0
	}
	if b, err = strconv.ParseInt(s[5:7], 16, 32); err != nil {
		return 0, 0, 0
	}
	return int(r), int(g), int(b)
}
